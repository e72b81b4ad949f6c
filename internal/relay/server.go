package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/trace"

	"github.com/drksbr/mtrelay/internal/obfuscated2"
	"github.com/drksbr/mtrelay/internal/observability"
	"github.com/drksbr/mtrelay/internal/upstream"
	"github.com/drksbr/mtrelay/internal/util"
	"github.com/drksbr/mtrelay/internal/util/bytelimiter"
	"github.com/drksbr/mtrelay/internal/version"
)

const (
	transportTCP       = "tcp"
	transportWebSocket = "websocket"

	shutdownGrace = 5 * time.Second
)

type relayCounters struct {
	sessionsTotal     atomic.Int64
	bytesUp           atomic.Int64
	bytesDown         atomic.Int64
	handshakeFailures atomic.Int64
	dialFailures      atomic.Int64
	rejected          atomic.Int64
}

type relayServer struct {
	logger   *slog.Logger
	opts     *relayOptions
	secret   obfuscated2.Secret
	version  string
	metrics  *relayMetrics
	registry *prometheus.Registry
	selector *upstream.Selector
	pool     *upstream.Pool
	sessions *sessionTable
	handlers *ants.Pool
	budget   *bytelimiter.ByteLimiter
	tracer   trace.Tracer
	upgrader websocket.Upgrader
	nextTag  func() string
	stats    relayCounters

	resources *resourceSampler
	trimmer   *memoryTrimmer

	ctx    context.Context
	cancel context.CancelFunc
	ready  chan struct{}

	listener  net.Listener
	wsLn      net.Listener
	statusLn  net.Listener
	wsSrv     *http.Server
	statusSrv *http.Server

	acceptMu     sync.Mutex
	shuttingDown bool
	sessionsWG   sync.WaitGroup
}

func newRelayServer(logger *slog.Logger, opts *relayOptions, registry *prometheus.Registry) (*relayServer, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	secret, err := obfuscated2.ParseSecret(opts.secret)
	if err != nil {
		return nil, fmt.Errorf("--secret: %w", err)
	}
	if len(secret) != obfuscated2.SecretSize {
		logger.Warn("secret is not 16 bytes; official clients may refuse it", "bytes", len(secret))
	}
	nextTag, err := tagGenerator(opts.sessionIDMode)
	if err != nil {
		return nil, err
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	dialer := upstream.DirectDialer(30 * time.Second)
	if opts.upstreamSocks != "" {
		dialer, err = upstream.NewSOCKS5Dialer(opts.upstreamSocks, dialer)
		if err != nil {
			return nil, err
		}
	}

	var pool *upstream.Pool
	if opts.poolSize > 0 {
		pool = upstream.NewPool(upstream.PoolOptions{
			Addresses:   opts.datacenters.All(),
			Size:        opts.poolSize,
			IdleTTL:     opts.poolIdleTTL,
			Dialer:      dialer,
			DialTimeout: opts.dialTimeout,
			Logger:      logger,
		})
	}

	selector, err := upstream.NewSelector(upstream.SelectorOptions{
		Datacenters: opts.datacenters,
		Dialer:      dialer,
		DialTimeout: opts.dialTimeout,
		Pool:        pool,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	s := &relayServer{
		logger:   logger,
		opts:     opts,
		secret:   secret,
		version:  version.Version,
		registry: registry,
		selector: selector,
		pool:     pool,
		sessions: newSessionTable(),
		budget:   bytelimiter.New(opts.maxBufferedBytes),
		tracer:   observability.Tracer(),
		upgrader: newUpgrader(),
		nextTag:  nextTag,
		ready:    make(chan struct{}),
	}

	if opts.maxConnections > 0 {
		s.handlers, err = ants.NewPool(opts.maxConnections,
			ants.WithNonblocking(true),
			ants.WithLogger(antsLogger{logger: logger}),
			ants.WithPanicHandler(func(p any) {
				logger.Error("connection handler panicked", "panic", p)
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("create handler pool: %w", err)
		}
	}

	s.metrics = newRelayMetrics(registry)
	s.metrics.registerGauges(registry, s.pool.Idle, s.runningHandlers, s.budget.InUse)
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.resources = newResourceSampler(func() (int, int) {
		return s.sessions.len(), s.budget.InUse()
	})
	s.trimmer = newMemoryTrimmer(opts.trimInterval, logger)
	return s, nil
}

func (s *relayServer) run(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()

	listenIP, err := util.ParseListenIP(s.opts.listenIP)
	if err != nil {
		return err
	}
	ln, err := util.ListenTCP(listenIP, s.opts.listenPort, s.opts.backlog)
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Info("relay listening", "addr", ln.Addr().String(), "backlog", s.opts.backlog, "datacenters", s.opts.datacenters.Count())

	errCh := make(chan error, 1)
	sendErr := func(err error) {
		if err == nil {
			return
		}
		select {
		case errCh <- err:
		default:
		}
	}

	if s.opts.wsListen != "" {
		if s.wsLn, s.wsSrv, err = s.serveHTTP("websocket", s.opts.wsListen, s.webSocketMux(), sendErr); err != nil {
			_ = ln.Close()
			return err
		}
	}
	if s.opts.statusListen != "" {
		if s.statusLn, s.statusSrv, err = s.serveHTTP("status", s.opts.statusListen, s.statusMux(), sendErr); err != nil {
			_ = ln.Close()
			s.shutdownHTTP()
			return err
		}
	}

	s.resources.start(s.ctx)
	s.trimmer.start(s.ctx)
	s.pool.Start(s.ctx)
	close(s.ready)

	go func() {
		sendErr(s.serve(ln))
	}()

	select {
	case err = <-errCh:
	case <-s.ctx.Done():
		s.logger.Info("shutting down", "cause", context.Cause(s.ctx))
	}

	s.shutdown()
	return err
}

func (s *relayServer) serveHTTP(name, addr string, handler http.Handler, sendErr func(error)) (net.Listener, *http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("%s listen: %w", name, err)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		s.logger.Info(name+" listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sendErr(fmt.Errorf("%s serve: %w", name, err))
		}
	}()
	return ln, srv, nil
}

// serve is the accept loop. Per-connection failures never end it.
func (s *relayServer) serve(ln net.Listener) error {
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() { //nolint:staticcheck // EMFILE and friends
				if delay == 0 {
					delay = 5 * time.Millisecond
				} else {
					delay *= 2
				}
				if delay > time.Second {
					delay = time.Second
				}
				s.logger.Warn("accept failed, retrying", "error", err, "delay", delay.String())
				time.Sleep(delay)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		delay = 0
		s.onAccepted(conn, transportTCP)
	}
}

// onAccepted takes ownership of conn and runs its session on the handler pool.
func (s *relayServer) onAccepted(conn net.Conn, transport string) {
	s.metrics.connectionsAccepted.WithLabelValues(transport).Inc()

	session, err := newRelaySession(s, conn, transport)
	if err != nil {
		s.logger.Error("session setup failed", "error", err)
		_ = conn.Close()
		return
	}
	session.logger.Debug("connection accepted", "remote", session.remote, "transport", transport)

	s.acceptMu.Lock()
	if s.shuttingDown {
		s.acceptMu.Unlock()
		_ = conn.Close()
		return
	}
	s.sessionsWG.Add(1)
	s.acceptMu.Unlock()

	task := func() {
		defer s.sessionsWG.Done()
		session.run(s.ctx)
	}
	if s.handlers == nil {
		go task()
		return
	}
	if err := s.handlers.Submit(task); err != nil {
		s.sessionsWG.Done()
		s.metrics.connectionsRejected.Inc()
		s.stats.rejected.Add(1)
		session.logger.Warn("connection rejected", "remote", session.remote, "error", err)
		_ = conn.Close()
	}
}

func (s *relayServer) shutdown() {
	s.acceptMu.Lock()
	s.shuttingDown = true
	s.acceptMu.Unlock()

	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !util.IsClosedConnError(err) {
			s.logger.Warn("listener close", "error", err)
		}
	}
	s.shutdownHTTP()

	s.sessions.closeAll(errServerShutdown)
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.sessionsWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		s.logger.Warn("sessions still running after shutdown grace period", "active", s.sessions.len())
	}

	s.trimmer.stop()
	if err := s.pool.Close(); err != nil {
		s.logger.Warn("upstream pool close", "error", err)
	}
	if s.handlers != nil {
		s.handlers.Release()
	}
	s.logger.Info("relay stopped")
}

func (s *relayServer) shutdownHTTP() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if s.wsSrv != nil {
		if err := s.wsSrv.Shutdown(ctx); err != nil {
			s.logger.Warn("websocket shutdown", "error", err)
		}
	}
	if s.statusSrv != nil {
		if err := s.statusSrv.Shutdown(ctx); err != nil {
			s.logger.Warn("status shutdown", "error", err)
		}
	}
}

func (s *relayServer) runningHandlers() int {
	if s.handlers == nil {
		return 0
	}
	return s.handlers.Running()
}

func (s *relayServer) listenAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return net.JoinHostPort(s.opts.listenIP, strconv.Itoa(s.opts.listenPort))
}

// antsLogger routes handler pool diagnostics into slog.
type antsLogger struct {
	logger *slog.Logger
}

func (l antsLogger) Printf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...), "component", "handler_pool")
}
