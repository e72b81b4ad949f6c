package relay

import (
	"strconv"

	"github.com/drksbr/mtrelay/internal/config"
	"github.com/drksbr/mtrelay/internal/upstream"
)

// fileConfig is the YAML form of the relay settings. Keys mirror the flags with
// underscores; durations use Go syntax ("10s").
type fileConfig struct {
	Secret           string               `yaml:"secret"`
	ListenIP         string               `yaml:"listen_ip"`
	ListenPort       *int                 `yaml:"listen_port"`
	Backlog          *int                 `yaml:"backlog"`
	DialTimeout      string               `yaml:"dial_timeout"`
	HandshakeTimeout string               `yaml:"handshake_timeout"`
	MaxFrame         *int                 `yaml:"max_frame"`
	MaxConnections   *int                 `yaml:"max_connections"`
	MaxBufferedBytes *int                 `yaml:"max_buffered_bytes"`
	PoolSize         *int                 `yaml:"pool_size"`
	PoolIdleTTL      string               `yaml:"pool_idle_ttl"`
	UpstreamSocks    string               `yaml:"upstream_socks"`
	WSListen         string               `yaml:"ws_listen"`
	StatusListen     string               `yaml:"status_listen"`
	SessionIDMode    string               `yaml:"session_id_mode"`
	TrimInterval     string               `yaml:"trim_interval"`
	Datacenters      upstream.Datacenters `yaml:"datacenters"`
}

func loadFileConfig(path string) (*fileConfig, error) {
	cfg := &fileConfig{}
	if err := config.LoadYAML(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// flagValues returns the settings present in the file keyed by flag name.
func (c *fileConfig) flagValues() map[string]string {
	values := make(map[string]string)
	setString := func(flag, v string) {
		if v != "" {
			values[flag] = v
		}
	}
	setInt := func(flag string, v *int) {
		if v != nil {
			values[flag] = strconv.Itoa(*v)
		}
	}

	setString("secret", c.Secret)
	setString("listen-ip", c.ListenIP)
	setInt("listen-port", c.ListenPort)
	setInt("backlog", c.Backlog)
	setString("dial-timeout", c.DialTimeout)
	setString("handshake-timeout", c.HandshakeTimeout)
	setInt("max-frame", c.MaxFrame)
	setInt("max-connections", c.MaxConnections)
	setInt("max-buffered-bytes", c.MaxBufferedBytes)
	setInt("pool-size", c.PoolSize)
	setString("pool-idle-ttl", c.PoolIdleTTL)
	setString("upstream-socks", c.UpstreamSocks)
	setString("ws-listen", c.WSListen)
	setString("status-listen", c.StatusListen)
	setString("session-id-mode", c.SessionIDMode)
	setString("trim-interval", c.TrimInterval)
	return values
}
