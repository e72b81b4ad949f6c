package relay

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drksbr/mtrelay/internal/obfuscated2"
	"github.com/drksbr/mtrelay/internal/upstream"
)

const testSecretHex = "00112233445566778899aabbccddeeff"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSecret(t *testing.T) obfuscated2.Secret {
	t.Helper()
	secret, err := obfuscated2.ParseSecret(testSecretHex)
	if err != nil {
		t.Fatalf("parse secret: %v", err)
	}
	return secret
}

func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

// fakeDatacenter accepts upstream connections the way a data center would.
type fakeDatacenter struct {
	ln       net.Listener
	accepted chan net.Conn
}

func newFakeDatacenter(t *testing.T) *fakeDatacenter {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	dc := &fakeDatacenter{ln: ln, accepted: make(chan net.Conn, 16)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			dc.accepted <- conn
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return dc
}

func (d *fakeDatacenter) addr() string {
	return d.ln.Addr().String()
}

func (d *fakeDatacenter) next(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-d.accepted:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(5 * time.Second):
		t.Fatalf("datacenter saw no connection")
		return nil
	}
}

// datacenters routes DC 2 to primary and everything else to closed ports.
func testDatacenters(t *testing.T, primary, fallback string) upstream.Datacenters {
	t.Helper()
	dead := closedAddr(t)
	return upstream.Datacenters{
		Primary:  []string{dead, primary, dead},
		Fallback: []string{dead, fallback, dead},
		Port:     upstream.DefaultPort,
	}
}

func newTestServer(t *testing.T, dcs upstream.Datacenters, mutate func(*relayOptions)) *relayServer {
	t.Helper()
	opts := defaultRelayOptions()
	opts.secret = testSecretHex
	opts.listenIP = "127.0.0.1"
	opts.listenPort = 0
	opts.dialTimeout = 2 * time.Second
	opts.datacenters = dcs
	if mutate != nil {
		mutate(opts)
	}
	srv, err := newRelayServer(discardLogger(), opts, prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("new relay server: %v", err)
	}
	return srv
}

// startServer runs srv until the test ends and returns its client address.
func startServer(t *testing.T, srv *relayServer) (string, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.run(ctx)
	}()
	select {
	case <-srv.ready:
	case err := <-errCh:
		cancel()
		t.Fatalf("server exited early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatalf("server not ready")
	}
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("server run: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Errorf("server did not stop")
		}
	})
	return srv.listener.Addr().String(), cancel
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// countingConn records how often Close is called.
type countingConn struct {
	net.Conn
	closes atomic.Int32
}

func (c *countingConn) Close() error {
	c.closes.Add(1)
	return c.Conn.Close()
}
