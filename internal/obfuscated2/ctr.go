package obfuscated2

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

const (
	KeySize   = 32
	BlockSize = aes.BlockSize
)

var (
	ErrInvalidKeyMaterial = errors.New("invalid key material")

	errWipedStream = errors.New("obfuscated2: use of wiped stream")
)

// Stream is an AES-CTR keystream with the counter kept as a big-endian 128-bit
// block. The current counter is encrypted into the cache first and advanced
// afterwards, so the output matches crypto/cipher.NewCTR byte for byte.
//
// A Stream is not safe for concurrent use. Each direction of a connection owns
// its own instance.
type Stream struct {
	key     [KeySize]byte
	block   cipher.Block
	counter [BlockSize]byte
	cache   [BlockSize]byte
	offset  int
}

var _ cipher.Stream = (*Stream)(nil)

func NewStream(key, iv []byte) (*Stream, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key is %d bytes, want %d", ErrInvalidKeyMaterial, len(key), KeySize)
	}
	if len(iv) != BlockSize {
		return nil, fmt.Errorf("%w: iv is %d bytes, want %d", ErrInvalidKeyMaterial, len(iv), BlockSize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	s := &Stream{block: block}
	copy(s.key[:], key)
	copy(s.counter[:], iv)
	return s, nil
}

// XORKeyStream XORs src with the next len(src) keystream bytes into dst.
// dst and src may overlap entirely. Like crypto/cipher streams it panics on
// misuse: a short dst, or any call after Wipe.
func (s *Stream) XORKeyStream(dst, src []byte) {
	if len(dst) < len(src) {
		panic("obfuscated2: output smaller than input")
	}
	if s.block == nil {
		panic(errWipedStream)
	}
	for i, b := range src {
		if s.offset == 0 {
			s.block.Encrypt(s.cache[:], s.counter[:])
			incrementCounter(&s.counter)
		}
		dst[i] = b ^ s.cache[s.offset]
		s.offset = (s.offset + 1) % BlockSize
	}
}

// Generate returns input XORed with the keystream in a new slice.
func (s *Stream) Generate(input []byte) []byte {
	out := make([]byte, len(input))
	s.XORKeyStream(out, input)
	return out
}

// Counter returns a copy of the counter block that will seed the next cache refill.
func (s *Stream) Counter() [BlockSize]byte {
	return s.counter
}

// Offset is the position inside the cached keystream block, always in [0,16).
func (s *Stream) Offset() int {
	return s.offset
}

// Wipe zeroes the key, counter and cached keystream. Later XORKeyStream calls
// panic with "use of wiped stream" rather than emit a zero-key keystream.
func (s *Stream) Wipe() {
	if s == nil {
		return
	}
	clear(s.key[:])
	clear(s.counter[:])
	clear(s.cache[:])
	s.offset = 0
	s.block = nil
}

// incrementCounter adds one to the counter read as a big-endian integer,
// wrapping to zero past 2^128-1.
func incrementCounter(c *[BlockSize]byte) {
	for i := BlockSize - 1; i >= 0; i-- {
		c[i]++
		if c[i] != 0 {
			return
		}
	}
}
