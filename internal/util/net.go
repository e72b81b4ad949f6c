package util

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

func ipString(ip net.IP) string {
	if ip == nil {
		return "0.0.0.0"
	}
	return ip.String()
}

// ParseListenIP resolves the listen IP option; "default" and "" mean all interfaces (nil).
func ParseListenIP(value string) (net.IP, error) {
	value = strings.TrimSpace(value)
	if value == "" || strings.EqualFold(value, "default") {
		return nil, nil
	}
	ip := net.ParseIP(value)
	if ip == nil {
		return nil, fmt.Errorf("invalid listen ip %q", value)
	}
	return ip, nil
}

// IsClosedConnError reports errors produced by operating on an already closed socket.
func IsClosedConnError(err error) bool {
	return err == nil || errors.Is(err, net.ErrClosed)
}
