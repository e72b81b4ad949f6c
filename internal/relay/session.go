package relay

import (
	"bufio"
	"context"
	"crypto/cipher"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drksbr/mtrelay/internal/logger"
	"github.com/drksbr/mtrelay/internal/obfuscated2"
	"github.com/drksbr/mtrelay/internal/observability"
	"github.com/drksbr/mtrelay/internal/protocol"
	"github.com/drksbr/mtrelay/internal/upstream"
	"github.com/drksbr/mtrelay/internal/util"
)

const readBufferSize = 64 * 1024

type sessionState int32

const (
	stateHandshaking sessionState = iota
	stateDialing
	stateRelaying
	stateClosing
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateHandshaking:
		return "handshaking"
	case stateDialing:
		return "dialing"
	case stateRelaying:
		return "relaying"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type direction struct {
	label string
	read  protocol.Direction
}

var (
	directionUp   = direction{label: "client_to_upstream", read: protocol.FromClient}
	directionDown = direction{label: "upstream_to_client", read: protocol.FromServer}
)

// relaySession owns one client connection and, once dialed, one upstream
// connection. Both are closed exactly once, after the session has left the table.
type relaySession struct {
	srv       *relayServer
	tag       string
	transport string
	client    net.Conn
	remote    string
	createdAt time.Time
	logger    *slog.Logger
	done      chan struct{}

	mu          sync.Mutex
	cancel      context.CancelFunc
	id          uint64
	state       sessionState
	registered  bool
	kind        protocol.Kind
	dc          int16
	upstream    *upstream.Conn
	clientSide  *obfuscated2.ServerResult
	serverSide  *obfuscated2.ClientResult
	reason      error
	relayingAt  time.Time
	closeEvents int

	bytesUp   atomic.Int64
	bytesDown atomic.Int64
}

func newRelaySession(srv *relayServer, conn net.Conn, transport string) (*relaySession, error) {
	id, err := newSessionID(srv.sessions.contains)
	if err != nil {
		return nil, err
	}
	tag := srv.nextTag()
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return &relaySession{
		srv:       srv,
		id:        id,
		tag:       tag,
		transport: transport,
		client:    conn,
		remote:    remote,
		createdAt: time.Now(),
		logger:    srv.logger.With("session", tag),
		done:      make(chan struct{}),
		state:     stateHandshaking,
	}, nil
}

func (s *relaySession) State() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session reached the closed state.
func (s *relaySession) Done() <-chan struct{} {
	return s.done
}

// Shutdown tears the session down from outside. It reports ErrSessionClosed when
// teardown already started.
func (s *relaySession) Shutdown() error {
	if !s.beginClose(errShutdownRequest) {
		return ErrSessionClosed
	}
	return nil
}

func (s *relaySession) run(ctx context.Context) {
	ctx, span := observability.StartSession(ctx, s.srv.tracer, observability.SessionSpan{
		Tag:       s.tag,
		Transport: s.transport,
		Remote:    s.remote,
	})
	corr := logger.Correlation{Session: s.tag}
	if sc := span.SpanContext(); sc.IsValid() {
		corr.TraceID = sc.TraceID().String()
		corr.SpanID = sc.SpanID().String()
	}
	ctx, _ = logger.EnsureTrace(logger.WithCorrelation(ctx, corr))
	s.logger = logger.FromContext(ctx, s.srv.logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		s.closeWith(errServerShutdown)
	})
	defer stop()

	src := bufio.NewReaderSize(s.client, readBufferSize)
	if err := s.establish(ctx, src); err == nil {
		span.AddEvent("relaying", trace.WithAttributes(
			attribute.Int("mtrelay.dc", int(s.dc)),
			attribute.String("mtrelay.framing", s.kind.String()),
		))
		s.relay(ctx, src)
	}
	s.finish(span)
}

// establish runs the handshake, dials the data center and registers the session.
func (s *relaySession) establish(ctx context.Context, src *bufio.Reader) error {
	err := s.handshake(src)
	if err == nil {
		err = s.dial(ctx)
	}
	if err == nil {
		err = s.activate()
	}
	if err == nil {
		return nil
	}

	phase := s.State()
	s.closeWith(err)
	switch {
	case phase >= stateClosing || errors.Is(err, ErrSessionClosed):
	case isHandshakeError(err) || phase == stateHandshaking:
		reason := handshakeReason(err)
		s.srv.metrics.handshakeFailures.WithLabelValues(reason).Inc()
		s.srv.stats.handshakeFailures.Add(1)
		s.logger.Debug("handshake rejected", "remote", s.remote, "reason", reason, "error", err)
	case isDialError(err):
		s.srv.metrics.dialFailures.Inc()
		s.srv.stats.dialFailures.Add(1)
		s.logger.Warn("upstream dial failed", "remote", s.remote, "dc", s.dc, "error", err)
	default:
		s.logger.Debug("session setup failed", "remote", s.remote, "error", err)
	}
	return err
}

func (s *relaySession) handshake(src io.Reader) error {
	if timeout := s.srv.opts.handshakeTimeout; timeout > 0 {
		_ = s.client.SetReadDeadline(time.Now().Add(timeout))
		defer func() { _ = s.client.SetReadDeadline(time.Time{}) }()
	}

	var preamble [obfuscated2.PreambleSize]byte
	defer clear(preamble[:])
	if _, err := io.ReadFull(src, preamble[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: %v", obfuscated2.ErrShortPreamble, err)
		}
		return err
	}
	res, err := obfuscated2.ServerHandshake(preamble[:], s.srv.secret)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateHandshaking {
		res.Wipe()
		return ErrSessionClosed
	}
	s.clientSide = res
	s.kind = res.Kind
	s.dc = res.DC
	s.state = stateDialing
	return nil
}

func (s *relaySession) dial(ctx context.Context) error {
	conn, err := s.srv.selector.Dial(ctx, s.clientSide.Datacenter())
	if err != nil {
		return err
	}
	out, err := obfuscated2.ClientHandshake(s.kind)
	if err != nil {
		_ = conn.Close()
		return err
	}

	s.mu.Lock()
	if s.state != stateDialing {
		s.mu.Unlock()
		_ = conn.Close()
		out.Wipe()
		return ErrSessionClosed
	}
	s.upstream = conn
	s.serverSide = out
	s.mu.Unlock()

	s.srv.metrics.upstreamDials.WithLabelValues(routeLabel(conn)).Inc()
	_, err = conn.Write(out.Preamble[:])
	clear(out.Preamble[:])
	if err != nil {
		return fmt.Errorf("send upstream preamble: %w", err)
	}
	return nil
}

// activate moves a dialed session into the table and the relaying state.
func (s *relaySession) activate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateDialing {
		return ErrSessionClosed
	}
	for {
		err := s.srv.sessions.insert(s)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrDuplicateSession) {
			return err
		}
		id, err := newSessionID(s.srv.sessions.contains)
		if err != nil {
			return err
		}
		s.id = id
	}
	s.registered = true
	s.state = stateRelaying
	s.relayingAt = time.Now()

	s.srv.metrics.sessionsActive.Inc()
	s.srv.metrics.sessionsTotal.Inc()
	s.srv.stats.sessionsTotal.Add(1)
	s.logger.Info("session relaying",
		"id", formatSessionID(s.id),
		"remote", s.remote,
		"dc", s.dc,
		"framing", s.kind.String(),
		"upstream", s.upstream.Addr,
	)
	return nil
}

// relay runs both pumps and returns once both have stopped.
func (s *relaySession) relay(ctx context.Context, clientReader *bufio.Reader) {
	framer, err := protocol.NewFramer(s.kind, s.srv.opts.maxFrame)
	if err != nil {
		s.closeWith(err)
		return
	}

	s.mu.Lock()
	up := s.upstream
	clientSide, serverSide := s.clientSide, s.serverSide
	s.mu.Unlock()
	upstreamReader := bufio.NewReaderSize(up, readBufferSize)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.closeWith(s.pump(ctx, framer, directionUp, clientReader, clientSide.Decrypt, up, serverSide.Encrypt, &s.bytesUp))
	}()
	go func() {
		defer wg.Done()
		s.closeWith(s.pump(ctx, framer, directionDown, upstreamReader, serverSide.Decrypt, s.client, clientSide.Encrypt, &s.bytesDown))
	}()
	wg.Wait()
}

// pump decodes frames from src and re-encodes them for dst until either side
// fails. Payload memory is reserved from the server budget before it is read.
func (s *relaySession) pump(ctx context.Context, framer *protocol.Framer, dir direction, src io.Reader, dec cipher.Stream, dst io.Writer, enc cipher.Stream, total *atomic.Int64) error {
	bytesRelayed := s.srv.metrics.bytesRelayed.WithLabelValues(dir.label)
	framesRelayed := s.srv.metrics.framesRelayed.WithLabelValues(dir.label)
	serverTotal := &s.srv.stats.bytesUp
	if dir == directionDown {
		serverTotal = &s.srv.stats.bytesDown
	}

	for {
		hdr, err := framer.ReadHeader(src, dec, dir.read)
		if err != nil {
			return err
		}
		if err := s.srv.budget.Acquire(ctx, hdr.Size); err != nil {
			return err
		}
		frame, err := framer.ReadPayload(src, dec, hdr)
		if err == nil {
			err = framer.WriteFrame(dst, enc, frame)
		}
		s.srv.budget.Release(hdr.Size)
		if err != nil {
			return err
		}
		n := int64(len(frame.Payload))
		total.Add(n)
		serverTotal.Add(n)
		bytesRelayed.Add(float64(n))
		framesRelayed.Inc()
	}
}

// closeWith starts teardown with reason. Only the first call has an effect.
func (s *relaySession) closeWith(reason error) {
	s.beginClose(reason)
}

func (s *relaySession) beginClose(reason error) bool {
	s.mu.Lock()
	if s.state >= stateClosing {
		s.mu.Unlock()
		return false
	}
	s.state = stateClosing
	s.reason = reason
	s.closeEvents++
	registered := s.registered
	up := s.upstream
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if registered && s.srv.sessions.remove(s) {
		s.srv.metrics.sessionsActive.Dec()
	}
	s.closeConn("client", s.client)
	if up != nil {
		s.closeConn("upstream", up)
	}
	return true
}

func (s *relaySession) closeConn(side string, c net.Conn) {
	if err := c.Close(); err != nil && !util.IsClosedConnError(err) {
		s.logger.Debug("close failed", "side", side, "error", err)
	}
}

// finish wipes key material and marks the session closed. It runs once, after
// every goroutine that used the ciphers has returned.
func (s *relaySession) finish(span trace.Span) {
	s.closeWith(ErrSessionClosed)

	s.mu.Lock()
	clientSide, serverSide := s.clientSide, s.serverSide
	s.clientSide, s.serverSide = nil, nil
	reason := s.reason
	relayingAt := s.relayingAt
	id := s.id
	s.state = stateClosed
	s.mu.Unlock()

	if clientSide != nil {
		clientSide.Wipe()
	}
	if serverSide != nil {
		serverSide.Wipe()
	}
	close(s.done)

	if !relayingAt.IsZero() {
		duration := time.Since(relayingAt)
		s.srv.metrics.sessionDuration.Observe(duration.Seconds())
		s.logger.Info("session closed",
			"id", formatSessionID(id),
			"reason", closeReason(reason),
			"bytes_up", s.bytesUp.Load(),
			"bytes_down", s.bytesDown.Load(),
			"duration", duration.Round(time.Millisecond).String(),
		)
	}

	span.SetAttributes(
		attribute.Int64("mtrelay.bytes_up", s.bytesUp.Load()),
		attribute.Int64("mtrelay.bytes_down", s.bytesDown.Load()),
	)
	if reason != nil && !errors.Is(reason, io.EOF) && !errors.Is(reason, errServerShutdown) && !errors.Is(reason, ErrSessionClosed) {
		span.SetStatus(codes.Error, closeReason(reason))
	}
	span.End()
}

func (s *relaySession) snapshot() statusSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := statusSession{
		ID:        formatSessionID(s.id),
		Tag:       s.tag,
		Remote:    s.remote,
		Transport: s.transport,
		DC:        int(s.dc),
		State:     s.state.String(),
		CreatedAt: s.createdAt,
		BytesUp:   s.bytesUp.Load(),
		BytesDown: s.bytesDown.Load(),
	}
	if s.kind != protocol.KindUnknown {
		out.Framing = s.kind.String()
	}
	if s.upstream != nil {
		out.Upstream = s.upstream.Addr
	}
	if !s.relayingAt.IsZero() {
		out.RelayingAt = s.relayingAt
	}
	return out
}

func formatSessionID(id uint64) string {
	var buf [8]byte
	for i := range buf {
		buf[7-i] = byte(id >> (8 * i))
	}
	return hex.EncodeToString(buf[:])
}

func routeLabel(conn *upstream.Conn) string {
	switch {
	case conn.Pooled:
		return "pooled"
	case conn.Fallback:
		return "fallback"
	default:
		return "primary"
	}
}
