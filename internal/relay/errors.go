package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"os"

	"github.com/drksbr/mtrelay/internal/obfuscated2"
	"github.com/drksbr/mtrelay/internal/protocol"
	"github.com/drksbr/mtrelay/internal/upstream"
)

var (
	// ErrSessionClosed is returned by operations on a session past teardown.
	ErrSessionClosed    = errors.New("session closed")
	ErrDuplicateSession = errors.New("duplicate session id")

	errServerShutdown  = errors.New("server shutting down")
	errShutdownRequest = errors.New("shutdown requested")
)

// handshakeReason labels a handshake failure for metrics and logs.
func handshakeReason(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, obfuscated2.ErrShortPreamble), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return "short_preamble"
	case errors.Is(err, obfuscated2.ErrBlacklistedPreamble):
		return "blacklisted"
	case errors.Is(err, obfuscated2.ErrUnknownFraming):
		return "unknown_framing"
	case errors.Is(err, obfuscated2.ErrUnknownDatacenter):
		return "unknown_datacenter"
	case errors.Is(err, os.ErrDeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	default:
		return "io"
	}
}

func isHandshakeError(err error) bool {
	return errors.Is(err, obfuscated2.ErrShortPreamble) ||
		errors.Is(err, obfuscated2.ErrBlacklistedPreamble) ||
		errors.Is(err, obfuscated2.ErrUnknownFraming) ||
		errors.Is(err, obfuscated2.ErrUnknownDatacenter)
}

func isDialError(err error) bool {
	var dialErr *upstream.DialError
	return errors.As(err, &dialErr)
}

// closeReason renders why a session ended for the closed log line.
func closeReason(err error) string {
	switch {
	case err == nil:
		return "unknown"
	case errors.Is(err, io.EOF):
		return "peer closed"
	case errors.Is(err, errServerShutdown), errors.Is(err, context.Canceled):
		return "server shutdown"
	case errors.Is(err, errShutdownRequest):
		return "shutdown requested"
	case errors.Is(err, protocol.ErrFrameTooLarge):
		return "frame too large"
	case errors.Is(err, protocol.ErrUnalignedPayload):
		return "unaligned frame"
	default:
		return err.Error()
	}
}
