package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/coltonfrstt/koltbot-control-plane/internal/auth"
	"github.com/coltonfrstt/koltbot-control-plane/internal/model"
)

func TestWebsocketURL(t *testing.T) {
	tests := map[string]string{
		"http://localhost:8080":   "ws://localhost:8080/ws?token=t",
		"https://chat.example/":   "wss://chat.example/ws?token=t",
		"https://chat.example/kb": "wss://chat.example/kb/ws?token=t",
	}
	for in, want := range tests {
		got, err := websocketURL(in, "t")
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestTokenExpiry(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	issuer, err := auth.NewIssuer(auth.IssuerOptions{Secret: "s", Issuer: "koltbot-api", Audience: "koltbot-chat", Now: func() time.Time { return now }})
	require.NoError(t, err)
	token, _, err := issuer.Mint("sess-1", "jti-1")
	require.NoError(t, err)

	exp, err := tokenExpiry(token)
	require.NoError(t, err)
	require.True(t, exp.Equal(now.Add(10*time.Minute)))

	_, err = tokenExpiry("not-a-jwt")
	require.Error(t, err)
}

func TestFetchSession_MapsErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":"TOO_MANY_SESSIONS","message":"too many active sessions for this address"}}`))
	}))
	defer srv.Close()

	tr := NewTransport(TransportOptions{ServerURL: srv.URL}, nil)
	_, err := tr.fetchSession(context.Background())
	require.True(t, errors.Is(err, model.ErrTooManySessions))
}

// TestTransport_EndToEnd serves a session endpoint and a websocket that
// answers every message with two out-of-order deltas and a done.
func TestTransport_EndToEnd(t *testing.T) {
	issuer, err := auth.NewIssuer(auth.IssuerOptions{Secret: "s", Issuer: "koltbot-api", Audience: "koltbot-chat"})
	require.NoError(t, err)

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/session", func(w http.ResponseWriter, _ *http.Request) {
		token, _, err := issuer.Mint("sess-1", "jti-1")
		require.NoError(t, err)
		_ = json.NewEncoder(w).Encode(map[string]string{"token": token, "sessionId": "sess-1"})
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if _, err := issuer.Verify(r.URL.Query().Get("token")); err != nil {
			http.Error(w, "bad token", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var in model.Inbound
			if err := conn.ReadJSON(&in); err != nil {
				return
			}
			for _, ev := range []model.StreamEvent{
				{Type: model.EventStarted, Seq: seq(0)},
				delta(2, "there"),
				delta(1, "hello "),
				{Type: model.EventDone, Seq: seq(3)},
			} {
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			}
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	e := startEngine(t, Options{})
	tr := NewTransport(TransportOptions{ServerURL: srv.URL, ReconnectMin: 10 * time.Millisecond}, e)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = tr.Run(ctx) }()

	e.Submit("hi")
	require.Eventually(t, func() bool {
		snap := e.Snapshot()
		if snap.State != Idle || len(snap.History) != 2 {
			return false
		}
		text, _ := snap.History[1].TextOnly()
		return text == "hello there"
	}, 5*time.Second, 10*time.Millisecond)
}
