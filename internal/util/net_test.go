package util

import (
	"net"
	"testing"
)

func TestParseListenIP(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "default"},
		{in: ""},
		{in: "127.0.0.1", want: "127.0.0.1"},
		{in: "::1", want: "::1"},
		{in: "localhost", wantErr: true},
	}
	for _, tc := range cases {
		ip, err := ParseListenIP(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if tc.want == "" && ip != nil {
			t.Fatalf("%q: expected nil ip, got %s", tc.in, ip)
		}
		if tc.want != "" && !ip.Equal(net.ParseIP(tc.want)) {
			t.Fatalf("%q: got %s", tc.in, ip)
		}
	}
}

func TestListenTCPAcceptsLoopback(t *testing.T) {
	ln, err := ListenTCP(net.ParseIP("127.0.0.1"), 0, 16)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
		done <- err
	}()
	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()
	if err := <-done; err != nil {
		t.Fatalf("accept: %v", err)
	}
}
