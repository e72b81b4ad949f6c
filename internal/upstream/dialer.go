package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// Dialer opens upstream connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// DirectDialer dials without a proxy.
func DirectDialer(keepAlive time.Duration) Dialer {
	return &net.Dialer{KeepAlive: keepAlive}
}

// NewSOCKS5Dialer routes upstream dials through a SOCKS5 proxy. proxyURL is either
// host:port or socks5://[user:pass@]host:port.
func NewSOCKS5Dialer(proxyURL string, forward Dialer) (Dialer, error) {
	raw := strings.TrimSpace(proxyURL)
	if raw == "" {
		return nil, errors.New("empty socks5 address")
	}
	if !strings.Contains(raw, "://") {
		raw = "socks5://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse socks5 address: %w", err)
	}
	if u.Scheme != "socks5" && u.Scheme != "socks5h" {
		return nil, fmt.Errorf("unsupported upstream proxy scheme %q", u.Scheme)
	}
	u.Scheme = "socks5"
	if forward == nil {
		forward = DirectDialer(30 * time.Second)
	}
	d, err := proxy.FromURL(u, forwardDialer{forward})
	if err != nil {
		return nil, fmt.Errorf("build socks5 dialer: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("socks5 dialer does not support contexts")
	}
	return cd, nil
}

// forwardDialer adapts a Dialer to the proxy package's forward interfaces.
type forwardDialer struct {
	Dialer
}

func (f forwardDialer) Dial(network, addr string) (net.Conn, error) {
	return f.DialContext(context.Background(), network, addr)
}
