package relay

import (
	"sort"
	"time"
)

const statusHistoryLimit = 60

type statusPayload struct {
	GeneratedAt   time.Time       `json:"generatedAt"`
	Version       string          `json:"version"`
	ListenAddr    string          `json:"listenAddr"`
	WebSocketAddr string          `json:"webSocketAddr,omitempty"`
	Sessions      []statusSession `json:"sessions"`
	Metrics       statusMetrics   `json:"metrics"`
	Pool          statusPool      `json:"pool"`
	Resources     resourceHistory `json:"resources"`
}

type statusMetrics struct {
	ActiveSessions    int   `json:"activeSessions"`
	RunningHandlers   int   `json:"runningHandlers"`
	BufferedBytes     int   `json:"bufferedBytes"`
	SessionsTotal     int64 `json:"sessionsTotal"`
	BytesUp           int64 `json:"bytesUp"`
	BytesDown         int64 `json:"bytesDown"`
	HandshakeFailures int64 `json:"handshakeFailures"`
	DialFailures      int64 `json:"dialFailures"`
	Rejected          int64 `json:"rejected"`
}

type statusPool struct {
	Enabled bool `json:"enabled"`
	Size    int  `json:"size"`
	Idle    int  `json:"idle"`
}

type statusSession struct {
	ID         string    `json:"id"`
	Tag        string    `json:"tag"`
	Remote     string    `json:"remote"`
	Transport  string    `json:"transport"`
	DC         int       `json:"dc"`
	Framing    string    `json:"framing,omitempty"`
	State      string    `json:"state"`
	Upstream   string    `json:"upstream,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	RelayingAt time.Time `json:"relayingAt,omitempty"`
	BytesUp    int64     `json:"bytesUp"`
	BytesDown  int64     `json:"bytesDown"`
}

func (s *relayServer) collectStatus() statusPayload {
	sessions := make([]statusSession, 0, s.sessions.len())
	s.sessions.each(func(session *relaySession) bool {
		sessions = append(sessions, session.snapshot())
		return true
	})
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})

	payload := statusPayload{
		GeneratedAt: time.Now(),
		Version:     s.version,
		ListenAddr:  s.listenAddr(),
		Sessions:    sessions,
		Metrics: statusMetrics{
			ActiveSessions:    s.sessions.len(),
			RunningHandlers:   s.runningHandlers(),
			BufferedBytes:     s.budget.InUse(),
			SessionsTotal:     s.stats.sessionsTotal.Load(),
			BytesUp:           s.stats.bytesUp.Load(),
			BytesDown:         s.stats.bytesDown.Load(),
			HandshakeFailures: s.stats.handshakeFailures.Load(),
			DialFailures:      s.stats.dialFailures.Load(),
			Rejected:          s.stats.rejected.Load(),
		},
		Pool: statusPool{
			Enabled: s.pool != nil,
			Size:    s.opts.poolSize,
			Idle:    s.pool.Idle(),
		},
		Resources: s.resources.history(statusHistoryLimit),
	}
	if s.wsLn != nil {
		payload.WebSocketAddr = s.wsLn.Addr().String()
	}
	return payload
}
