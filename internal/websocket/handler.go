package websocket

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/rolegraph/rolegraph/internal/logger"
)

// HandleWS upgrades the request and runs the connection's receive loop on
// the request goroutine. Identity is optional: an unauthenticated viewer
// connects anonymously.
func (m *Manager) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := ""
	if m.cfg.Identify != nil {
		userID = m.cfg.Identify(r)
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		logger.Error("WebSocket upgrade failed: %v", err)
		return
	}

	id, err := m.Accept(conn, userID)
	if err != nil {
		logger.Warn("Rejecting WebSocket connection: %v", err)
		conn.Close()
		return
	}
	m.Serve(id)
}

func (m *Manager) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // Allow non-browser clients
	}
	for _, a := range m.cfg.AllowedOrigins {
		if a == "*" || strings.EqualFold(origin, a) {
			return true
		}
	}
	// Same-origin requests are always allowed.
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
