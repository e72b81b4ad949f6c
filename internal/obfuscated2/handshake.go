package obfuscated2

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/drksbr/mtrelay/internal/protocol"
)

const PreambleSize = 64

const (
	keyOffset   = 8
	ivOffset    = 40
	magicOffset = 56
	dcOffset    = 60
	keyIVEnd    = 56
)

var (
	ErrShortPreamble       = errors.New("short handshake preamble")
	ErrBlacklistedPreamble = errors.New("blacklisted handshake preamble")
	ErrUnknownFraming      = errors.New("unknown framing magic")
	ErrUnknownDatacenter   = errors.New("unknown datacenter")
)

// Fingerprints of other protocols that a random preamble must never start with.
var blacklistedFirstWords = map[uint32]struct{}{
	0x44414548: {}, // HEAD
	0x54534f50: {}, // POST
	0x20544547: {}, // GET
	0x4954504f: {}, // OPTI
	0xeeeeeeee: {},
}

// Blacklisted reports whether a plaintext preamble collides with a fingerprintable pattern.
func Blacklisted(p []byte) bool {
	if len(p) < 8 {
		return true
	}
	if p[0] == 0xef {
		return true
	}
	if _, ok := blacklistedFirstWords[binary.LittleEndian.Uint32(p[0:4])]; ok {
		return true
	}
	second := binary.LittleEndian.Uint32(p[4:8])
	return second == 0xeeeeeeee || second == 0
}

// ServerResult is the client-facing cipher pair and the routing data the client asked for.
type ServerResult struct {
	Decrypt *Stream
	Encrypt *Stream
	Kind    protocol.Kind
	// DC is the signed identifier from the preamble; negative values mark test DCs.
	DC int16
}

// Datacenter returns the 1-based DC index.
func (r *ServerResult) Datacenter() int {
	dc := int(r.DC)
	if dc < 0 {
		return -dc
	}
	return dc
}

func (r *ServerResult) Wipe() {
	r.Decrypt.Wipe()
	r.Encrypt.Wipe()
}

// ServerHandshake derives the client-facing ciphers from a received preamble. The
// returned decrypt stream is already advanced past the 64 preamble bytes.
func ServerHandshake(preamble []byte, secret Secret) (*ServerResult, error) {
	if len(preamble) < PreambleSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortPreamble, len(preamble))
	}
	if Blacklisted(preamble) {
		return nil, ErrBlacklistedPreamble
	}

	reversed := reversedKeyMaterial(preamble)
	defer wipe(reversed)

	decKey := deriveKey(preamble[keyOffset:ivOffset], secret)
	defer wipe(decKey)
	encKey := deriveKey(reversed[:KeySize], secret)
	defer wipe(encKey)

	dec, err := NewStream(decKey, preamble[ivOffset:keyIVEnd])
	if err != nil {
		return nil, err
	}
	enc, err := NewStream(encKey, reversed[KeySize:])
	if err != nil {
		dec.Wipe()
		return nil, err
	}

	var plain [PreambleSize]byte
	defer wipe(plain[:])
	dec.XORKeyStream(plain[:], preamble[:PreambleSize])

	kind := protocol.KindFromMagic(plain[magicOffset : magicOffset+4])
	if kind == protocol.KindUnknown {
		dec.Wipe()
		enc.Wipe()
		return nil, ErrUnknownFraming
	}

	return &ServerResult{
		Decrypt: dec,
		Encrypt: enc,
		Kind:    kind,
		DC:      int16(binary.LittleEndian.Uint16(plain[dcOffset : dcOffset+2])),
	}, nil
}

// ClientResult is the upstream-facing cipher pair and the preamble to send first.
type ClientResult struct {
	Preamble [PreambleSize]byte
	Encrypt  *Stream
	Decrypt  *Stream
}

func (r *ClientResult) Wipe() {
	r.Encrypt.Wipe()
	r.Decrypt.Wipe()
}

// ClientHandshake builds an outbound preamble for kind with keys read from
// crypto/rand. The encrypt stream is left advanced past the preamble.
func ClientHandshake(kind protocol.Kind) (*ClientResult, error) {
	return clientHandshake(rand.Reader, kind, nil, nil)
}

// ClientHandshakeWithSecret builds the preamble a proxy-aware client sends to a
// relay holding secret, routed to dc.
func ClientHandshakeWithSecret(kind protocol.Kind, dc int16, secret Secret) (*ClientResult, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	return clientHandshake(rand.Reader, kind, &dc, secret)
}

func clientHandshake(random io.Reader, kind protocol.Kind, dc *int16, secret Secret) (*ClientResult, error) {
	magic, ok := kind.Magic()
	if !ok {
		return nil, ErrUnknownFraming
	}

	res := &ClientResult{}
	p := res.Preamble[:]
	for {
		if _, err := io.ReadFull(random, p); err != nil {
			return nil, fmt.Errorf("read random preamble: %w", err)
		}
		if !Blacklisted(p) {
			break
		}
	}
	binary.LittleEndian.PutUint32(p[magicOffset:], magic)
	if dc != nil {
		binary.LittleEndian.PutUint16(p[dcOffset:], uint16(*dc))
	}

	reversed := reversedKeyMaterial(p)
	defer wipe(reversed)

	encKey, decKey := p[keyOffset:ivOffset], reversed[:KeySize]
	if secret != nil {
		encKey = deriveKey(encKey, secret)
		defer wipe(encKey)
		decKey = deriveKey(decKey, secret)
		defer wipe(decKey)
	}

	enc, err := NewStream(encKey, p[ivOffset:keyIVEnd])
	if err != nil {
		return nil, err
	}
	dec, err := NewStream(decKey, reversed[KeySize:])
	if err != nil {
		enc.Wipe()
		return nil, err
	}

	var encrypted [PreambleSize]byte
	defer wipe(encrypted[:])
	enc.XORKeyStream(encrypted[:], p)
	copy(p[magicOffset:], encrypted[magicOffset:])

	res.Encrypt = enc
	res.Decrypt = dec
	return res, nil
}

func reversedKeyMaterial(p []byte) []byte {
	out := make([]byte, keyIVEnd-keyOffset)
	for i := range out {
		out[i] = p[keyIVEnd-1-i]
	}
	return out
}

func deriveKey(material []byte, secret Secret) []byte {
	buf := make([]byte, 0, len(material)+len(secret))
	buf = append(buf, material...)
	buf = append(buf, secret...)
	defer wipe(buf)
	sum := sha256.Sum256(buf)
	return sum[:]
}

func wipe(b []byte) {
	clear(b)
}
