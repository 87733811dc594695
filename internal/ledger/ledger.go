// Package ledger tracks a rolling token quota per session.
//
// Every operation fails open: a storage error is logged and counted, reads
// report zero usage and writes are skipped, so an unavailable store costs
// metering accuracy but never blocks a conversation.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/coltonfrstt/koltbot-control-plane/internal/logx"
	"github.com/coltonfrstt/koltbot-control-plane/internal/metrics"
	"github.com/coltonfrstt/koltbot-control-plane/internal/model"
	"github.com/coltonfrstt/koltbot-control-plane/internal/store"
)

type Store interface {
	GetUsage(ctx context.Context, sessionID string) (*model.UsageRecord, error)
	AddUsage(ctx context.Context, in store.UsageIncrement) (*model.UsageRecord, error)
}

const (
	DefaultLimit  = 50000
	DefaultWindow = 3 * time.Hour
)

type Options struct {
	Limit  int
	Window time.Duration
	// TTL bounds how long an idle record is retained. Defaults to Window.
	TTL time.Duration
	Now func() time.Time
}

type Ledger struct {
	store  Store
	limit  int
	window time.Duration
	ttl    time.Duration
	now    func() time.Time
}

func New(st Store, opts Options) *Ledger {
	l := &Ledger{
		store:  st,
		limit:  opts.Limit,
		window: opts.Window,
		ttl:    opts.TTL,
		now:    opts.Now,
	}
	if l.limit <= 0 {
		l.limit = DefaultLimit
	}
	if l.window <= 0 {
		l.window = DefaultWindow
	}
	if l.ttl <= 0 {
		l.ttl = l.window
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

func (l *Ledger) Limit() int { return l.limit }

// GetUsage returns the tokens used in the current window, or 0 when there is
// no record, the window is stale, or the store fails.
func (l *Ledger) GetUsage(ctx context.Context, sessionID string) int {
	rec, err := l.store.GetUsage(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			l.failOpen(ctx, "get", sessionID, err)
		}
		return 0
	}
	if l.now().Sub(rec.WindowStart) > l.window {
		return 0
	}
	return rec.TokensUsed
}

// Exceeded reports the current usage and whether it has reached the limit.
func (l *Ledger) Exceeded(ctx context.Context, sessionID string) (int, bool) {
	used := l.GetUsage(ctx, sessionID)
	return used, used >= l.limit
}

// AddUsage records tokens against the session and returns the new window
// total. It returns 0 when the update was skipped because the store failed.
func (l *Ledger) AddUsage(ctx context.Context, sessionID string, tokens int) int {
	if tokens < 0 {
		tokens = 0
	}
	rec, err := l.store.AddUsage(ctx, store.UsageIncrement{
		SessionID: sessionID,
		Tokens:    tokens,
		Now:       l.now(),
		Window:    l.window,
		TTL:       l.ttl,
	})
	if err != nil {
		l.failOpen(ctx, "add", sessionID, err)
		return 0
	}
	metrics.Default().AddCounter("koltbot_tokens_metered_total", float64(tokens), nil)
	return rec.TokensUsed
}

func (l *Ledger) failOpen(ctx context.Context, op, sessionID string, err error) {
	metrics.Default().IncCounter("koltbot_ledger_errors_total", map[string]string{"op": op})
	logx.FromContext(ctx).Warn("ledger_fail_open", "op", op, "session_id", sessionID, "err", err)
}
