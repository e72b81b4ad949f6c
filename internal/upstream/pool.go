package upstream

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	DefaultPoolIdleTTL      = 60 * time.Second
	defaultPoolRefillPeriod = time.Second
)

type PoolOptions struct {
	Addresses   []string
	Size        int
	IdleTTL     time.Duration
	Dialer      Dialer
	DialTimeout time.Duration
	Logger      *slog.Logger
}

type idleConn struct {
	conn    net.Conn
	created time.Time
}

// Pool keeps up to Size pre-dialed sockets per address. Take hands a socket to
// exactly one caller; sockets idle longer than IdleTTL are closed.
type Pool struct {
	addrs   []string
	size    int
	ttl     time.Duration
	dialer  Dialer
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
	period  time.Duration

	mu     sync.Mutex
	idle   map[string][]idleConn
	closed bool

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(opts PoolOptions) *Pool {
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = DefaultPoolIdleTTL
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
	return &Pool{
		addrs:   append([]string(nil), opts.Addresses...),
		size:    opts.Size,
		ttl:     opts.IdleTTL,
		dialer:  opts.Dialer,
		timeout: opts.DialTimeout,
		logger:  opts.Logger.With("component", "upstream_pool"),
		now:     time.Now,
		period:  defaultPoolRefillPeriod,
		idle:    make(map[string][]idleConn),
		wake:    make(chan struct{}, 1),
	}
}

// Start launches the refill loop. It stops when ctx ends or Close is called.
func (p *Pool) Start(ctx context.Context) {
	if p == nil || p.size <= 0 {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.period)
		defer ticker.Stop()
		for {
			p.refill(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-p.wake:
			}
		}
	}()
}

// Take removes one live socket for addr from the pool, or returns nil.
func (p *Pool) Take(addr string) net.Conn {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	conns := p.idle[addr]
	now := p.now()
	for len(conns) > 0 {
		last := conns[len(conns)-1]
		conns[len(conns)-1] = idleConn{}
		conns = conns[:len(conns)-1]
		if now.Sub(last.created) > p.ttl {
			_ = last.conn.Close()
			continue
		}
		p.idle[addr] = conns
		p.signal()
		return last.conn
	}
	p.idle[addr] = conns
	p.signal()
	return nil
}

// Idle reports the number of pooled sockets across all addresses.
func (p *Pool) Idle() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, conns := range p.idle {
		total += len(conns)
	}
	return total
}

// Close stops the refill loop and closes every pooled socket.
func (p *Pool) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = make(map[string][]idleConn)
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	for _, conns := range idle {
		for _, c := range conns {
			_ = c.conn.Close()
		}
	}
	return nil
}

func (p *Pool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool) refill(ctx context.Context) {
	for _, addr := range p.addrs {
		missing := p.evict(addr)
		for i := 0; i < missing; i++ {
			if ctx.Err() != nil {
				return
			}
			dialCtx, cancel := context.WithTimeout(ctx, p.timeout)
			conn, err := p.dialer.DialContext(dialCtx, "tcp", addr)
			cancel()
			if err != nil {
				p.logger.Debug("pool dial failed", "addr", addr, "error", err)
				break
			}
			if !p.put(addr, conn) {
				_ = conn.Close()
				break
			}
		}
	}
}

// evict drops expired sockets for addr and reports how many are missing.
func (p *Pool) evict(addr string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0
	}
	now := p.now()
	kept := p.idle[addr][:0]
	for _, c := range p.idle[addr] {
		if now.Sub(c.created) > p.ttl {
			_ = c.conn.Close()
			continue
		}
		kept = append(kept, c)
	}
	p.idle[addr] = kept
	return p.size - len(kept)
}

func (p *Pool) put(addr string, conn net.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.idle[addr]) >= p.size {
		return false
	}
	p.idle[addr] = append(p.idle[addr], idleConn{conn: conn, created: p.now()})
	return true
}
