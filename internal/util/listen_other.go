//go:build !linux

package util

import (
	"net"
	"strconv"
)

// ListenTCP binds a TCP listener. The backlog is sized by the runtime on this platform.
func ListenTCP(ip net.IP, port, backlog int) (net.Listener, error) {
	return net.Listen("tcp", net.JoinHostPort(ipString(ip), strconv.Itoa(port)))
}
