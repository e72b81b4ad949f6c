package obfuscated2

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"testing"
)

func testKeyIV() ([]byte, []byte) {
	key := make([]byte, KeySize)
	iv := make([]byte, BlockSize)
	for i := range key {
		key[i] = byte(i + 1)
	}
	for i := range iv {
		iv[i] = byte(0xa0 + i)
	}
	return key, iv
}

func mustStream(t testing.TB, key, iv []byte) *Stream {
	t.Helper()
	s, err := NewStream(key, iv)
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	return s
}

func TestStreamDeterministicRoundTrip(t *testing.T) {
	key, iv := testKeyIV()
	for _, size := range []int{0, 1, 15, 16, 17, 1024} {
		input := make([]byte, size)
		for i := range input {
			input[i] = byte(i * 13)
		}

		first := mustStream(t, key, iv).Generate(input)
		second := mustStream(t, key, iv).Generate(input)
		if !bytes.Equal(first, second) {
			t.Fatalf("size %d: independent streams disagree", size)
		}
		if got := mustStream(t, key, iv).Generate(first); !bytes.Equal(got, input) {
			t.Fatalf("size %d: decrypt did not recover input", size)
		}
	}
}

func TestStreamMatchesStandardCTR(t *testing.T) {
	key, iv := testKeyIV()
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("aes: %v", err)
	}
	ref := cipher.NewCTR(block, iv)
	s := mustStream(t, key, iv)

	// Uneven chunks exercise the cached keystream between calls.
	for _, n := range []int{1, 15, 16, 17, 3, 100, 1024, 7} {
		in := bytes.Repeat([]byte{byte(n)}, n)
		want := make([]byte, n)
		ref.XORKeyStream(want, in)
		got := make([]byte, n)
		s.XORKeyStream(got, in)
		if !bytes.Equal(got, want) {
			t.Fatalf("chunk %d: keystream diverges from crypto/cipher CTR", n)
		}
		if off := s.Offset(); off < 0 || off >= BlockSize {
			t.Fatalf("offset %d out of range", off)
		}
	}
}

func TestStreamCounterAdvancesPerBlock(t *testing.T) {
	key := make([]byte, KeySize)
	iv := []byte{
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xfe,
	}
	s := mustStream(t, key, iv)

	want := [][BlockSize]byte{
		{15: 0xff},
		{14: 0x01, 15: 0x00},
		{14: 0x01, 15: 0x01},
	}
	for i, expected := range want {
		s.Generate(make([]byte, BlockSize))
		if got := s.Counter(); got != expected {
			t.Fatalf("increment %d: counter % x, want % x", i+1, got, expected)
		}
		if s.Offset() != 0 {
			t.Fatalf("increment %d: offset %d after whole block", i+1, s.Offset())
		}
	}
}

func TestStreamCounterLazyRefill(t *testing.T) {
	key, iv := testKeyIV()
	s := mustStream(t, key, iv)
	start := s.Counter()

	s.Generate(make([]byte, 1))
	afterOne := s.Counter()
	if afterOne == start {
		t.Fatalf("first byte must consume the initial counter")
	}
	s.Generate(make([]byte, 15))
	if s.Counter() != afterOne {
		t.Fatalf("counter advanced inside a cached block")
	}
	if s.Offset() != 0 {
		t.Fatalf("expected offset 0 after 16 bytes, got %d", s.Offset())
	}
}

func TestStreamCounterWraps(t *testing.T) {
	key := make([]byte, KeySize)
	iv := bytes.Repeat([]byte{0xff}, BlockSize)
	s := mustStream(t, key, iv)

	s.Generate(make([]byte, BlockSize))
	if got := s.Counter(); got != ([BlockSize]byte{}) {
		t.Fatalf("all-0xff counter should wrap to zero, got % x", got)
	}
	s.Generate(make([]byte, BlockSize))
	if got := s.Counter(); got != ([BlockSize]byte{15: 0x01}) {
		t.Fatalf("counter after wrap % x", got)
	}
}

func TestIncrementCounterCarry(t *testing.T) {
	c := [BlockSize]byte{0x00, 0x00, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	incrementCounter(&c)
	want := [BlockSize]byte{0x00, 0x01}
	if c != want {
		t.Fatalf("carry across 14 bytes: got % x", c)
	}
}

func TestNewStreamRejectsBadSizes(t *testing.T) {
	if _, err := NewStream(make([]byte, 16), make([]byte, BlockSize)); err == nil {
		t.Fatalf("expected error for short key")
	}
	if _, err := NewStream(make([]byte, KeySize), make([]byte, 8)); err == nil {
		t.Fatalf("expected error for short iv")
	}
}

func TestStreamWipe(t *testing.T) {
	key, iv := testKeyIV()
	s := mustStream(t, key, iv)
	s.Generate(make([]byte, 20))
	s.Wipe()
	if s.key != ([KeySize]byte{}) || s.Counter() != ([BlockSize]byte{}) || s.cache != ([BlockSize]byte{}) {
		t.Fatalf("wipe left key material behind")
	}
	var nilStream *Stream
	nilStream.Wipe()
}

func TestStreamUseAfterWipePanics(t *testing.T) {
	key, iv := testKeyIV()
	s := mustStream(t, key, iv)
	s.Wipe()
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, errWipedStream) {
			t.Fatalf("expected wiped-stream panic, got %v", r)
		}
	}()
	s.XORKeyStream(make([]byte, 4), make([]byte, 4))
}

func BenchmarkStreamXOR(b *testing.B) {
	key, iv := testKeyIV()
	s := mustStream(b, key, iv)
	buf := make([]byte, 32*1024)

	b.ReportAllocs()
	b.SetBytes(int64(len(buf)))
	for i := 0; i < b.N; i++ {
		s.XORKeyStream(buf, buf)
	}
}
