// Package admission issues session credentials subject to a per-IP cap.
package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coltonfrstt/koltbot-control-plane/internal/logx"
	"github.com/coltonfrstt/koltbot-control-plane/internal/metrics"
	"github.com/coltonfrstt/koltbot-control-plane/internal/model"
)

const (
	DefaultMaxSessionsPerIP = 5
	DefaultSessionTTL       = 3 * time.Hour
)

type Store interface {
	// AdmitSession inserts sess unless limit live sessions already exist for
	// sess.IP. The check and insert must be atomic per IP.
	AdmitSession(ctx context.Context, sess model.Session, limit int) (bool, error)
}

type Minter interface {
	Mint(sessionID, jti string) (string, time.Time, error)
}

type Options struct {
	MaxSessionsPerIP int
	SessionTTL       time.Duration
	Now              func() time.Time
	NewID            func() string
}

type Issued struct {
	Token     string    `json:"token"`
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"-"`
}

type Gate struct {
	store  Store
	minter Minter
	max    int
	ttl    time.Duration
	now    func() time.Time
	newID  func() string
}

func New(st Store, m Minter, opts Options) *Gate {
	g := &Gate{
		store:  st,
		minter: m,
		max:    opts.MaxSessionsPerIP,
		ttl:    opts.SessionTTL,
		now:    opts.Now,
		newID:  opts.NewID,
	}
	if g.max <= 0 {
		g.max = DefaultMaxSessionsPerIP
	}
	if g.ttl <= 0 {
		g.ttl = DefaultSessionTTL
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.newID == nil {
		g.newID = func() string { return uuid.NewString() }
	}
	return g
}

// IssueSession mints a credential for a new session and then admits it for
// ip. Nothing is stored when minting fails.
func (g *Gate) IssueSession(ctx context.Context, ip string) (Issued, error) {
	now := g.now().UTC()
	sess := model.Session{
		ID:        g.newID(),
		IP:        ip,
		CreatedAt: now,
		ExpiresAt: now.Add(g.ttl),
	}
	token, exp, err := g.minter.Mint(sess.ID, g.newID())
	if err != nil {
		g.count("error")
		return Issued{}, model.ErrInternal.Wrap(fmt.Errorf("mint credential: %w", err))
	}

	ok, err := g.store.AdmitSession(ctx, sess, g.max)
	if err != nil {
		g.count("error")
		return Issued{}, model.ErrInternal.Wrap(fmt.Errorf("admit session: %w", err))
	}
	if !ok {
		g.count("rejected")
		logx.FromContext(ctx).Info("session_rejected", "ip", ip, "limit", g.max)
		return Issued{}, model.ErrTooManySessions
	}
	g.count("ok")
	logx.FromContext(ctx).Info("session_issued", "session_id", sess.ID, "ip", ip)
	return Issued{Token: token, SessionID: sess.ID, ExpiresAt: exp}, nil
}

func (g *Gate) count(status string) {
	metrics.Default().IncCounter("koltbot_sessions_issued_total", map[string]string{"status": status})
}
