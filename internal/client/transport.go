package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/coltonfrstt/koltbot-control-plane/internal/model"
)

const wsWriteWait = 10 * time.Second

type TransportOptions struct {
	ServerURL    string
	HTTPClient   *http.Client
	Dialer       *websocket.Dialer
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	Logger       *slog.Logger
}

// Transport keeps a websocket to the server open for the engine: it obtains
// a session credential, dials, feeds inbound events to the engine and
// reconnects with backoff. A new credential is requested once the current
// one has expired or has been reset.
type Transport struct {
	opts   TransportOptions
	engine *Engine
	log    *slog.Logger

	mu     sync.Mutex
	token  string
	expiry time.Time
	conn   *websocket.Conn
}

func NewTransport(opts TransportOptions, engine *Engine) *Transport {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = 500 * time.Millisecond
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = opts.ReconnectMin
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Transport{opts: opts, engine: engine, log: log}
}

// ResetCredential drops the current credential and closes the connection so
// the next dial starts from a fresh session.
func (t *Transport) ResetCredential() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = ""
	t.expiry = time.Time{}
	if t.conn != nil {
		_ = t.conn.Close()
	}
}

func (t *Transport) Run(ctx context.Context) error {
	delay := t.opts.ReconnectMin
	for {
		conn, err := t.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, model.ErrTooManySessions) {
				t.log.Error("session_rejected", "err", err)
			} else {
				t.log.Warn("connect_failed", "err", err, "retry_in", delay.String())
			}
			if !sleepCtx(ctx, withJitter(delay)) {
				return ctx.Err()
			}
			delay = min(delay*2, t.opts.ReconnectMax)
			continue
		}
		delay = t.opts.ReconnectMin

		t.log.Info("connected")
		t.engine.Connected(&wsOutlet{conn: conn})
		t.readLoop(ctx, conn)
		t.engine.Disconnected()

		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.log.Warn("disconnected")
	}
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	for {
		var ev model.StreamEvent
		if err := conn.ReadJSON(&ev); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				t.log.Warn("event_decode_failed", "err", err)
				continue
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				t.log.Debug("read_failed", "err", err)
			}
			return
		}
		t.engine.Deliver(ev)
	}
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := t.credential(ctx)
	if err != nil {
		return nil, err
	}
	wsURL, err := websocketURL(t.opts.ServerURL, token)
	if err != nil {
		return nil, err
	}
	conn, resp, err := t.opts.Dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			t.ResetCredential()
		}
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	return conn, nil
}

func (t *Transport) credential(ctx context.Context) (string, error) {
	t.mu.Lock()
	if t.token != "" && time.Until(t.expiry) > 5*time.Second {
		token := t.token
		t.mu.Unlock()
		return token, nil
	}
	t.mu.Unlock()

	token, err := t.fetchSession(ctx)
	if err != nil {
		return "", err
	}
	expiry, err := tokenExpiry(token)
	if err != nil {
		return "", err
	}
	t.mu.Lock()
	t.token, t.expiry = token, expiry
	t.mu.Unlock()
	t.log.Debug("credential_issued", "expires_at", expiry)
	return token, nil
}

func (t *Transport) fetchSession(ctx context.Context) (string, error) {
	endpoint := strings.TrimRight(t.opts.ServerURL, "/") + "/api/v1/session"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := t.opts.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request session: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("read session response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(body, &envelope) == nil && envelope.Error.Code != "" {
			return "", &model.Error{Code: envelope.Error.Code, Message: envelope.Error.Message}
		}
		return "", fmt.Errorf("request session: HTTP %d", resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.Token == "" {
		return "", errors.New("request session: response carried no token")
	}
	return out.Token, nil
}

// tokenExpiry reads exp without verifying the signature; the server is the
// only party that can verify it.
func tokenExpiry(raw string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, fmt.Errorf("parse credential: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, errors.New("parse credential: missing exp")
	}
	return exp.Time, nil
}

func websocketURL(serverURL, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/ws"
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String(), nil
}

type wsOutlet struct {
	conn *websocket.Conn
}

func (o *wsOutlet) Send(data []byte) error {
	if err := o.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return o.conn.WriteMessage(websocket.TextMessage, data)
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
