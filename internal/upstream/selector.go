package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"
)

const DefaultDialTimeout = 10 * time.Second

// DialError reports that neither endpoint of a data center could be reached.
type DialError struct {
	DC          int
	Primary     string
	Fallback    string
	PrimaryErr  error
	FallbackErr error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("dial dc %d: primary %s: %v; fallback %s: %v", e.DC, e.Primary, e.PrimaryErr, e.Fallback, e.FallbackErr)
}

func (e *DialError) Unwrap() []error {
	return []error{e.PrimaryErr, e.FallbackErr}
}

// Conn is an upstream connection together with how it was obtained.
type Conn struct {
	net.Conn
	Addr     string
	Fallback bool
	Pooled   bool
}

type SelectorOptions struct {
	Datacenters Datacenters
	Dialer      Dialer
	DialTimeout time.Duration
	// Pool is optional; a nil pool means every session cold-dials.
	Pool   *Pool
	Logger *slog.Logger
}

// Selector resolves data-center ids to connected upstream sockets.
type Selector struct {
	dcs     Datacenters
	dialer  Dialer
	timeout time.Duration
	pool    *Pool
	logger  *slog.Logger
}

func NewSelector(opts SelectorOptions) (*Selector, error) {
	if err := opts.Datacenters.Validate(); err != nil {
		return nil, err
	}
	if opts.Dialer == nil {
		opts.Dialer = DirectDialer(30 * time.Second)
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Selector{
		dcs:     opts.Datacenters,
		dialer:  opts.Dialer,
		timeout: opts.DialTimeout,
		pool:    opts.Pool,
		logger:  opts.Logger.With("component", "upstream"),
	}, nil
}

func (s *Selector) Datacenters() Datacenters {
	return s.dcs
}

// Dial connects to data center dc (1-based). Pooled sockets for the primary and
// then the fallback address are preferred; otherwise the primary is dialed and
// the fallback is tried on any failure.
func (s *Selector) Dial(ctx context.Context, dc int) (*Conn, error) {
	primary, fallback, err := s.dcs.Addresses(dc)
	if err != nil {
		return nil, err
	}

	if s.pool != nil {
		if conn := s.pool.Take(primary); conn != nil {
			return &Conn{Conn: conn, Addr: primary, Pooled: true}, nil
		}
		if conn := s.pool.Take(fallback); conn != nil {
			return &Conn{Conn: conn, Addr: fallback, Fallback: true, Pooled: true}, nil
		}
	}

	conn, primaryErr := s.dialOne(ctx, primary)
	if primaryErr == nil {
		return &Conn{Conn: conn, Addr: primary}, nil
	}
	if errors.Is(primaryErr, context.Canceled) && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	s.logger.Debug("primary upstream unreachable, trying fallback", "dc", dc, "addr", primary, "error", primaryErr)

	conn, fallbackErr := s.dialOne(ctx, fallback)
	if fallbackErr == nil {
		return &Conn{Conn: conn, Addr: fallback, Fallback: true}, nil
	}
	return nil, &DialError{
		DC:          dc,
		Primary:     primary,
		Fallback:    fallback,
		PrimaryErr:  primaryErr,
		FallbackErr: fallbackErr,
	}
}

func (s *Selector) dialOne(ctx context.Context, addr string) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.dialer.DialContext(dialCtx, "tcp", addr)
}
