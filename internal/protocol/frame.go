package protocol

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Kind identifies the framing sub-protocol negotiated in the handshake preamble.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindAbridged
	KindIntermediate
)

const (
	MagicAbridged     uint32 = 0xefefefef
	MagicIntermediate uint32 = 0xeeeeeeee
)

func (k Kind) String() string {
	switch k {
	case KindAbridged:
		return "abridged"
	case KindIntermediate:
		return "intermediate"
	default:
		return "unknown"
	}
}

// Magic returns the 4-byte marker stamped into preamble bytes [56:60].
func (k Kind) Magic() (uint32, bool) {
	switch k {
	case KindAbridged:
		return MagicAbridged, true
	case KindIntermediate:
		return MagicIntermediate, true
	default:
		return 0, false
	}
}

// KindFromMagic maps the decrypted preamble marker to a framing kind.
func KindFromMagic(b []byte) Kind {
	if len(b) < 4 {
		return KindUnknown
	}
	switch binary.LittleEndian.Uint32(b) {
	case MagicAbridged:
		return KindAbridged
	case MagicIntermediate:
		return KindIntermediate
	default:
		return KindUnknown
	}
}

// Direction tells the decoder who produced the stream. Only servers send quick-ack tokens.
// The high bit of a length prefix is always a flag, never part of the length: an
// abridged byte of 0x80 or above is a quick-ack request from a client and a 4-byte
// ack token from a server, so plain abridged lengths top out at 0x7e words before
// the 0x7f extended form.
type Direction uint8

const (
	FromClient Direction = iota
	FromServer
)

const (
	abridgedExtended     = 0x7f
	abridgedQuickAck     = 0x80
	intermediateQuickAck = 0x80000000
	maxAbridgedWords     = 1<<24 - 1

	// DefaultMaxFrameSize bounds a single payload; Telegram frames stay far below it.
	DefaultMaxFrameSize = 16 << 20
)

var (
	ErrUnknownKind      = errors.New("unknown framing kind")
	ErrUnalignedPayload = errors.New("abridged payload length is not a multiple of 4")
	ErrFrameTooLarge    = errors.New("frame exceeds maximum size")
	ErrInvalidAck       = errors.New("quick-ack token must be 4 bytes")
)

// Frame is one transport packet. QuickAck marks a client request for a quick
// acknowledgement; Ack marks a 4-byte quick-ack token sent by the server, carried
// verbatim in Payload.
type Frame struct {
	Payload  []byte
	QuickAck bool
	Ack      bool
}

// Framer encodes and decodes frames of a single kind. It holds no stream state and
// may be shared by both pump directions of a session.
type Framer struct {
	kind    Kind
	maxSize int
}

func NewFramer(kind Kind, maxSize int) (*Framer, error) {
	if kind != KindAbridged && kind != KindIntermediate {
		return nil, ErrUnknownKind
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Framer{kind: kind, maxSize: maxSize}, nil
}

func (f *Framer) Kind() Kind {
	return f.kind
}

// EncodedLen reports the number of wire bytes Encode produces for frame.
func (f *Framer) EncodedLen(frame Frame) int {
	if frame.Ack {
		return 4
	}
	if f.kind == KindIntermediate {
		return 4 + len(frame.Payload)
	}
	if len(frame.Payload)/4 < abridgedExtended {
		return 1 + len(frame.Payload)
	}
	return 4 + len(frame.Payload)
}

// Encode appends the plaintext wire form of frame to dst.
func (f *Framer) Encode(dst []byte, frame Frame) ([]byte, error) {
	if frame.Ack {
		if len(frame.Payload) != 4 {
			return dst, ErrInvalidAck
		}
		return append(dst, frame.Payload...), nil
	}
	size := len(frame.Payload)
	if size > f.maxSize {
		return dst, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	switch f.kind {
	case KindAbridged:
		if size%4 != 0 {
			return dst, fmt.Errorf("%w: %d bytes", ErrUnalignedPayload, size)
		}
		words := size / 4
		if words > maxAbridgedWords {
			return dst, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
		}
		var flag byte
		if frame.QuickAck {
			flag = abridgedQuickAck
		}
		if words < abridgedExtended {
			dst = append(dst, byte(words)|flag)
		} else {
			dst = append(dst, abridgedExtended|flag, byte(words), byte(words>>8), byte(words>>16))
		}
	case KindIntermediate:
		length := uint32(size)
		if frame.QuickAck {
			length |= intermediateQuickAck
		}
		dst = binary.LittleEndian.AppendUint32(dst, length)
	default:
		return dst, ErrUnknownKind
	}
	return append(dst, frame.Payload...), nil
}

// WriteFrame encodes frame, passes the whole frame through s and writes it to w
// in a single call. A nil stream writes plaintext.
func (f *Framer) WriteFrame(w io.Writer, s cipher.Stream, frame Frame) error {
	buf := borrowFrameBuffer(f.EncodedLen(frame))
	defer releaseFrameBuffer(buf)

	out, err := f.Encode((*buf)[:0], frame)
	if err != nil {
		return err
	}
	if s != nil {
		s.XORKeyStream(out, out)
	}
	_, err = w.Write(out)
	return err
}

// Header is a decoded frame prefix. Size is the payload length still to be read;
// for a server ack token the whole token is already in the header.
type Header struct {
	Size     int
	QuickAck bool
	Ack      bool
	token    [4]byte
}

// ReadFrame reads exactly one frame from r, decrypting every chunk with s as soon
// as it arrives. A stream that ends anywhere inside a frame yields io.EOF.
func (f *Framer) ReadFrame(r io.Reader, s cipher.Stream, dir Direction) (Frame, error) {
	hdr, err := f.ReadHeader(r, s, dir)
	if err != nil {
		return Frame{}, err
	}
	return f.ReadPayload(r, s, hdr)
}

// ReadHeader reads and decrypts the length prefix of the next frame.
func (f *Framer) ReadHeader(r io.Reader, s cipher.Stream, dir Direction) (Header, error) {
	var (
		buf [4]byte
		hdr Header
	)
	switch f.kind {
	case KindAbridged:
		if err := readFull(r, s, buf[:1]); err != nil {
			return hdr, err
		}
		b := buf[0]
		if b&abridgedQuickAck != 0 {
			if dir == FromServer {
				if err := readFull(r, s, buf[1:4]); err != nil {
					return hdr, err
				}
				return Header{Ack: true, token: buf}, nil
			}
			hdr.QuickAck = true
			b &^= abridgedQuickAck
		}
		words := int(b)
		if b == abridgedExtended {
			if err := readFull(r, s, buf[1:4]); err != nil {
				return hdr, err
			}
			words = int(buf[1]) | int(buf[2])<<8 | int(buf[3])<<16
		}
		hdr.Size = words * 4
	case KindIntermediate:
		if err := readFull(r, s, buf[:]); err != nil {
			return hdr, err
		}
		length := binary.LittleEndian.Uint32(buf[:])
		if length&intermediateQuickAck != 0 {
			if dir == FromServer {
				return Header{Ack: true, token: buf}, nil
			}
			hdr.QuickAck = true
			length &^= intermediateQuickAck
		}
		if uint64(length) > uint64(f.maxSize) {
			return hdr, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
		}
		hdr.Size = int(length)
	default:
		return hdr, ErrUnknownKind
	}
	if hdr.Size > f.maxSize {
		return hdr, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, hdr.Size)
	}
	return hdr, nil
}

// ReadPayload reads the hdr.Size payload bytes that follow a header.
func (f *Framer) ReadPayload(r io.Reader, s cipher.Stream, hdr Header) (Frame, error) {
	if hdr.Ack {
		return Frame{Payload: append([]byte(nil), hdr.token[:]...), Ack: true}, nil
	}
	frame := Frame{Payload: make([]byte, hdr.Size), QuickAck: hdr.QuickAck}
	if err := readFull(r, s, frame.Payload); err != nil {
		return Frame{}, err
	}
	return frame, nil
}

func readFull(r io.Reader, s cipher.Stream, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return io.EOF
		}
		return err
	}
	if s != nil {
		s.XORKeyStream(buf, buf)
	}
	return nil
}

const maxPooledFrameSize = 1024 * 1024

var framePool = sync.Pool{
	New: func() any {
		buf := make([]byte, 0, 64*1024)
		return &buf
	},
}

func borrowFrameBuffer(size int) *[]byte {
	bufp := framePool.Get().(*[]byte)
	if cap(*bufp) < size {
		buf := make([]byte, 0, size)
		return &buf
	}
	return bufp
}

func releaseFrameBuffer(bufp *[]byte) {
	if bufp == nil || cap(*bufp) > maxPooledFrameSize {
		return
	}
	*bufp = (*bufp)[:0]
	framePool.Put(bufp)
}
