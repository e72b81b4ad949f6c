package upstream

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/drksbr/mtrelay/internal/obfuscated2"
)

// DefaultPort is the port every Telegram data center accepts obfuscated2 on.
const DefaultPort = 443

// Production endpoints, indexed by DC id - 1.
var defaultPrimary = []string{
	"149.154.175.50",
	"149.154.167.51",
	"149.154.175.100",
	"149.154.167.91",
	"149.154.171.5",
}

// Endpoints from the client config, tried when the primary dial fails.
var defaultFallback = []string{
	"149.154.175.50",
	"149.154.167.50",
	"149.154.175.100",
	"91.108.4.204",
	"91.108.56.161",
}

// Datacenters maps 1-based DC ids to a primary and fallback endpoint. Entries may
// carry their own port; bare hosts use Port.
type Datacenters struct {
	Primary  []string `yaml:"primary"`
	Fallback []string `yaml:"fallback"`
	Port     int      `yaml:"port"`
}

func DefaultDatacenters() Datacenters {
	return Datacenters{
		Primary:  append([]string(nil), defaultPrimary...),
		Fallback: append([]string(nil), defaultFallback...),
		Port:     DefaultPort,
	}
}

// Merge returns d with the non-empty parts of override applied.
func (d Datacenters) Merge(override Datacenters) (Datacenters, error) {
	out := d
	if len(override.Primary) > 0 {
		out.Primary = append([]string(nil), override.Primary...)
	}
	if len(override.Fallback) > 0 {
		out.Fallback = append([]string(nil), override.Fallback...)
	}
	if override.Port != 0 {
		out.Port = override.Port
	}
	return out, out.Validate()
}

func (d Datacenters) Validate() error {
	if len(d.Primary) == 0 {
		return errors.New("datacenters: primary table is empty")
	}
	if len(d.Fallback) != len(d.Primary) {
		return fmt.Errorf("datacenters: primary has %d entries, fallback has %d", len(d.Primary), len(d.Fallback))
	}
	if d.Port <= 0 || d.Port > 65535 {
		return fmt.Errorf("datacenters: invalid port %d", d.Port)
	}
	for _, host := range append(append([]string(nil), d.Primary...), d.Fallback...) {
		if host == "" {
			return errors.New("datacenters: empty endpoint")
		}
	}
	return nil
}

// Count is the number of addressable data centers.
func (d Datacenters) Count() int {
	return len(d.Primary)
}

// Addresses resolves a 1-based DC id to its primary and fallback dial addresses.
func (d Datacenters) Addresses(dc int) (primary, fallback string, err error) {
	if dc < 1 || dc > len(d.Primary) || dc > len(d.Fallback) {
		return "", "", fmt.Errorf("%w: %d", obfuscated2.ErrUnknownDatacenter, dc)
	}
	return d.address(d.Primary[dc-1]), d.address(d.Fallback[dc-1]), nil
}

// All lists every distinct dial address, primaries first.
func (d Datacenters) All() []string {
	seen := make(map[string]struct{}, len(d.Primary)+len(d.Fallback))
	out := make([]string, 0, len(d.Primary)+len(d.Fallback))
	for _, host := range append(append([]string(nil), d.Primary...), d.Fallback...) {
		addr := d.address(host)
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}

func (d Datacenters) address(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	port := d.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
