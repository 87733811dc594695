package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coltonfrstt/koltbot-control-plane/internal/logx"
	"github.com/coltonfrstt/koltbot-control-plane/internal/metrics"
	"github.com/coltonfrstt/koltbot-control-plane/internal/model"
)

type sessionResponse struct {
	Token     string `json:"token"`
	SessionID string `json:"sessionId"`
}

func (s *Server) handleIssueSession(w http.ResponseWriter, r *http.Request) {
	issued, err := s.gate.IssueSession(r.Context(), clientIP(r))
	if err != nil {
		writeModelError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, sessionResponse{Token: issued.Token, SessionID: issued.SessionID})
}

// handleConnect validates the credential before upgrading, then hands the
// socket to a connection actor for its lifetime.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	connID := newConnectionID()
	ip := clientIP(r)
	conn, err := s.registry.Register(r.Context(), connID, r.URL.Query().Get("token"), ip)
	if err != nil {
		e := model.AsError(err)
		metrics.Default().IncCounter("koltbot_connections_total", map[string]string{"status": strings.ToLower(e.Code)})
		if e.Kind == model.KindInternal {
			logx.FromContext(r.Context()).Error("connect_register_failed", "err", err)
		}
		writeModelError(w, r, e)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		metrics.Default().IncCounter("koltbot_connections_total", map[string]string{"status": "upgrade_failed"})
		s.removeConnection(r.Context(), connID)
		return
	}
	metrics.Default().IncCounter("koltbot_connections_total", map[string]string{"status": "ok"})

	ctx := logx.With(context.WithoutCancel(r.Context()), "connection_id", connID, "session_id", conn.SessionID)
	logx.FromContext(ctx).Info("connection_opened", "credential_expiry", conn.CredentialExpiry)
	newWSConn(ctx, connID, ws, s.orch).run()
	s.removeConnection(ctx, connID)
	logx.FromContext(ctx).Info("connection_closed")
}

func (s *Server) removeConnection(ctx context.Context, connID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.registry.Remove(ctx, connID); err != nil {
		logx.FromContext(ctx).Warn("connection_remove_failed", "connection_id", connID, "err", err)
	}
}
