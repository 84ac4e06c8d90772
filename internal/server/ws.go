package server

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/sandboxd/sandboxd/internal/coordinator"
	"github.com/sandboxd/sandboxd/internal/logger"
	"github.com/sandboxd/sandboxd/internal/session"
)

// Terminal dimension bounds. Out-of-range requests are clamped, not
// rejected; a weird client gets a usable terminal instead of an error.
const (
	defaultCols = 80
	defaultRows = 24
	minCols     = 20
	maxCols     = 500
	minRows     = 5
	maxRows     = 200
)

// handleTerminal upgrades the request to a websocket and bridges it onto
// the session's container. Everything that can fail with a meaningful
// status is checked before the upgrade; after it, failures travel as
// websocket close codes.
func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	id, err := s.auth.Identify(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	sessionID := r.PathValue("id")
	sess, err := s.coord.GetSession(sessionID)
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}
	if sess.OwnerKey != id.OwnerKey && !id.IsAdmin() {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if sess.State != session.StateRunning {
		writeError(w, http.StatusConflict, "session is not running")
		return
	}

	// Advisory pre-upgrade probe so the cap surfaces as a plain 429; the
	// authoritative check happens inside Attach after the upgrade.
	if d := s.limiter.CheckConnectionLimit(id.OwnerKey, id.Tier); !d.Allowed {
		writeError(w, http.StatusTooManyRequests, "too many concurrent terminal connections")
		return
	}

	cols := clampDim(r.URL.Query().Get("cols"), defaultCols, minCols, maxCols)
	rows := clampDim(r.URL.Query().Get("rows"), defaultRows, minRows, maxRows)

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logger.Warn().Err(err).Str("session_id", sessionID).Msg("websocket upgrade failed")
		return
	}

	bridge, err := s.coord.Attach(r.Context(), coordinator.AttachRequest{
		SessionID: sessionID,
		OwnerKey:  id.OwnerKey,
		Tier:      id.Tier,
		Cols:      cols,
		Rows:      rows,
		Socket:    conn,
	})
	if err != nil {
		closeUpgraded(conn, err)
		return
	}

	bridge.Run(r.Context())
}

// closeUpgraded reports a post-upgrade attach failure over the socket.
func closeUpgraded(conn *websocket.Conn, err error) {
	code := websocket.CloseInternalServerErr
	msg := "internal error"
	var ce *coordinator.Error
	if errors.As(err, &ce) {
		msg = ce.Message
		if ce.Cause == coordinator.CauseTooManyConnections {
			code = websocket.ClosePolicyViolation
		}
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, msg))
	_ = conn.Close()
}

// checkOrigin enforces the websocket origin policy. Requests without an
// Origin header (native clients, curl) pass. With an empty allow-list,
// browser requests must come from the serving host itself.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}

	if len(s.cfg.AllowedOrigins) == 0 {
		return strings.EqualFold(u.Host, r.Host)
	}

	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" {
			return true
		}
		if strings.EqualFold(origin, allowed) || strings.EqualFold(u.Host, allowed) {
			return true
		}
	}
	return false
}

// clampDim parses a terminal dimension query value, clamping it into
// [min, max] and falling back to def when absent or unparsable.
func clampDim(raw string, def, min, max uint) uint {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	v := uint(n)
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
