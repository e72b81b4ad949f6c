package protocol

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"io"
	"testing"
	"testing/iotest"
)

var roundTripSizes = []int{0, 4, 8, 504, 508, 512, 4096}

func testPayload(size int) []byte {
	p := make([]byte, size)
	for i := range p {
		p[i] = byte(i*7 + 3)
	}
	return p
}

func testStreams(t testing.TB) (cipher.Stream, cipher.Stream) {
	t.Helper()
	key := bytes.Repeat([]byte{0x42}, 32)
	iv := bytes.Repeat([]byte{0x17}, 16)
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("aes: %v", err)
	}
	return cipher.NewCTR(block, iv), cipher.NewCTR(block, iv)
}

func mustFramer(t testing.TB, kind Kind) *Framer {
	t.Helper()
	f, err := NewFramer(kind, 0)
	if err != nil {
		t.Fatalf("new framer: %v", err)
	}
	return f
}

func TestAbridgedRoundTrip(t *testing.T) {
	f := mustFramer(t, KindAbridged)
	for _, size := range roundTripSizes {
		payload := testPayload(size)
		var wire bytes.Buffer
		if err := f.WriteFrame(&wire, nil, Frame{Payload: payload}); err != nil {
			t.Fatalf("size %d: write: %v", size, err)
		}

		raw := wire.Bytes()
		if size/4 < 0x7f {
			if len(raw) != 1+size || raw[0] != byte(size/4) {
				t.Fatalf("size %d: expected single length byte %#x, got prefix % x", size, size/4, raw[:1])
			}
		} else {
			words := size / 4
			want := []byte{0x7f, byte(words), byte(words >> 8), byte(words >> 16)}
			if len(raw) != 4+size || !bytes.Equal(raw[:4], want) {
				t.Fatalf("size %d: expected extended prefix % x, got % x", size, want, raw[:4])
			}
		}

		got, err := f.ReadFrame(&wire, nil, FromClient)
		if err != nil {
			t.Fatalf("size %d: read: %v", size, err)
		}
		if !bytes.Equal(got.Payload, payload) {
			t.Fatalf("size %d: payload mismatch", size)
		}
		if got.QuickAck || got.Ack {
			t.Fatalf("size %d: unexpected flags %+v", size, got)
		}
	}
}

func TestAbridgedBoundary(t *testing.T) {
	f := mustFramer(t, KindAbridged)
	short, err := f.Encode(nil, Frame{Payload: testPayload(0x7e * 4)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if short[0] != 0x7e || len(short) != 1+0x7e*4 {
		t.Fatalf("0x7e words should use one byte, got % x", short[:4])
	}
	long, err := f.Encode(nil, Frame{Payload: testPayload(0x7f * 4)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(long[:4], []byte{0x7f, 0x7f, 0x00, 0x00}) {
		t.Fatalf("0x7f words should use the extended form, got % x", long[:4])
	}
}

func TestIntermediateRoundTrip(t *testing.T) {
	f := mustFramer(t, KindIntermediate)
	sizes := append([]int{1, 3, 17}, roundTripSizes...)
	for _, size := range sizes {
		payload := testPayload(size)
		var wire bytes.Buffer
		if err := f.WriteFrame(&wire, nil, Frame{Payload: payload}); err != nil {
			t.Fatalf("size %d: write: %v", size, err)
		}
		raw := wire.Bytes()
		if len(raw) != 4+size {
			t.Fatalf("size %d: wire length %d", size, len(raw))
		}
		if n := int(raw[0]) | int(raw[1])<<8 | int(raw[2])<<16 | int(raw[3])<<24; n != size {
			t.Fatalf("size %d: length prefix %d", size, n)
		}
		got, err := f.ReadFrame(&wire, nil, FromClient)
		if err != nil {
			t.Fatalf("size %d: read: %v", size, err)
		}
		if !bytes.Equal(got.Payload, payload) {
			t.Fatalf("size %d: payload mismatch", size)
		}
	}
}

func TestEncryptedRoundTripWithPartialReads(t *testing.T) {
	for _, kind := range []Kind{KindAbridged, KindIntermediate} {
		f := mustFramer(t, kind)
		enc, dec := testStreams(t)
		var wire bytes.Buffer
		for _, size := range roundTripSizes {
			if err := f.WriteFrame(&wire, enc, Frame{Payload: testPayload(size)}); err != nil {
				t.Fatalf("%s size %d: write: %v", kind, size, err)
			}
		}
		r := iotest.OneByteReader(&wire)
		for _, size := range roundTripSizes {
			got, err := f.ReadFrame(r, dec, FromClient)
			if err != nil {
				t.Fatalf("%s size %d: read: %v", kind, size, err)
			}
			if !bytes.Equal(got.Payload, testPayload(size)) {
				t.Fatalf("%s size %d: payload mismatch", kind, size)
			}
		}
		if _, err := f.ReadFrame(r, dec, FromClient); !errors.Is(err, io.EOF) {
			t.Fatalf("%s: expected io.EOF at end of stream, got %v", kind, err)
		}
	}
}

func TestReadFrameTruncatedIsEOF(t *testing.T) {
	cases := []struct {
		name string
		kind Kind
		wire []byte
	}{
		{name: "abridged empty", kind: KindAbridged, wire: nil},
		{name: "abridged extended header", kind: KindAbridged, wire: []byte{0x7f, 0x01}},
		{name: "abridged payload", kind: KindAbridged, wire: []byte{0x02, 1, 2, 3}},
		{name: "intermediate header", kind: KindIntermediate, wire: []byte{0x08, 0x00}},
		{name: "intermediate payload", kind: KindIntermediate, wire: []byte{0x08, 0, 0, 0, 1, 2}},
	}
	for _, tc := range cases {
		f := mustFramer(t, tc.kind)
		_, err := f.ReadFrame(bytes.NewReader(tc.wire), nil, FromClient)
		if !errors.Is(err, io.EOF) {
			t.Fatalf("%s: expected io.EOF, got %v", tc.name, err)
		}
	}
}

func TestAbridgedRejectsUnalignedPayload(t *testing.T) {
	f := mustFramer(t, KindAbridged)
	if _, err := f.Encode(nil, Frame{Payload: make([]byte, 6)}); !errors.Is(err, ErrUnalignedPayload) {
		t.Fatalf("expected ErrUnalignedPayload, got %v", err)
	}
}

func TestFrameTooLarge(t *testing.T) {
	f, err := NewFramer(KindIntermediate, 1024)
	if err != nil {
		t.Fatalf("new framer: %v", err)
	}
	wire := []byte{0x00, 0x10, 0x00, 0x00}
	if _, err := f.ReadFrame(bytes.NewReader(wire), nil, FromClient); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if _, err := f.Encode(nil, Frame{Payload: make([]byte, 2048)}); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge on encode, got %v", err)
	}
}

func TestQuickAckRequestCarried(t *testing.T) {
	for _, kind := range []Kind{KindAbridged, KindIntermediate} {
		f := mustFramer(t, kind)
		var wire bytes.Buffer
		if err := f.WriteFrame(&wire, nil, Frame{Payload: testPayload(8), QuickAck: true}); err != nil {
			t.Fatalf("%s: write: %v", kind, err)
		}
		got, err := f.ReadFrame(&wire, nil, FromClient)
		if err != nil {
			t.Fatalf("%s: read: %v", kind, err)
		}
		if !got.QuickAck || got.Ack || !bytes.Equal(got.Payload, testPayload(8)) {
			t.Fatalf("%s: unexpected frame %+v", kind, got)
		}
	}
}

func TestAbridgedHighBitIsNeverLength(t *testing.T) {
	f := mustFramer(t, KindAbridged)
	wire := append([]byte{0xfe}, testPayload(0x7e*4)...)
	got, err := f.ReadFrame(bytes.NewReader(wire), nil, FromClient)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !got.QuickAck || len(got.Payload) != 0x7e*4 {
		t.Fatalf("0xfe must decode as quick-ack with 0x7e words, got quickack=%v len=%d", got.QuickAck, len(got.Payload))
	}
}

func TestServerAckTokenPassesThrough(t *testing.T) {
	cases := []struct {
		kind  Kind
		token []byte
	}{
		{kind: KindAbridged, token: []byte{0x81, 0x02, 0x03, 0x04}},
		{kind: KindIntermediate, token: []byte{0x01, 0x02, 0x03, 0x84}},
	}
	for _, tc := range cases {
		f := mustFramer(t, tc.kind)
		got, err := f.ReadFrame(bytes.NewReader(tc.token), nil, FromServer)
		if err != nil {
			t.Fatalf("%s: read: %v", tc.kind, err)
		}
		if !got.Ack || !bytes.Equal(got.Payload, tc.token) {
			t.Fatalf("%s: expected ack token, got %+v", tc.kind, got)
		}
		var out bytes.Buffer
		if err := f.WriteFrame(&out, nil, got); err != nil {
			t.Fatalf("%s: write: %v", tc.kind, err)
		}
		if !bytes.Equal(out.Bytes(), tc.token) {
			t.Fatalf("%s: re-encoded token % x, want % x", tc.kind, out.Bytes(), tc.token)
		}
	}
}

func TestKindMagic(t *testing.T) {
	for _, kind := range []Kind{KindAbridged, KindIntermediate} {
		magic, ok := kind.Magic()
		if !ok {
			t.Fatalf("%s: no magic", kind)
		}
		b := []byte{byte(magic), byte(magic >> 8), byte(magic >> 16), byte(magic >> 24)}
		if got := KindFromMagic(b); got != kind {
			t.Fatalf("KindFromMagic(% x) = %s, want %s", b, got, kind)
		}
	}
	if got := KindFromMagic([]byte{0xdd, 0xdd, 0xdd, 0xdd}); got != KindUnknown {
		t.Fatalf("padded intermediate must be unknown, got %s", got)
	}
	if _, err := NewFramer(KindUnknown, 0); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestReadHeaderThenPayload(t *testing.T) {
	f := mustFramer(t, KindAbridged)
	enc, dec := testStreams(t)
	var wire bytes.Buffer
	if err := f.WriteFrame(&wire, enc, Frame{Payload: testPayload(600)}); err != nil {
		t.Fatalf("write: %v", err)
	}

	hdr, err := f.ReadHeader(&wire, dec, FromClient)
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	if hdr.Size != 600 || hdr.QuickAck || hdr.Ack {
		t.Fatalf("unexpected header %+v", hdr)
	}
	if wire.Len() != 600 {
		t.Fatalf("header read consumed payload bytes: %d left", wire.Len())
	}
	frame, err := f.ReadPayload(&wire, dec, hdr)
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if !bytes.Equal(frame.Payload, testPayload(600)) {
		t.Fatalf("payload mismatch")
	}
}
