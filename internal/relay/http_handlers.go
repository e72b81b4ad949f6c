package relay

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *relayServer) webSocketMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc(webSocketPath, s.handleWebSocket)
	return mux
}

func (s *relayServer) statusMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/status.json", s.handleStatusJSON)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

func (s *relayServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	s.onAccepted(newWSConn(conn), transportWebSocket)
}

func (s *relayServer) handleStatusJSON(w http.ResponseWriter, r *http.Request) {
	payload := s.collectStatus()
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("status json failed", "error", err)
	}
}
