package store

import (
	"context"
	"sync"
	"time"

	"github.com/coltonfrstt/koltbot-control-plane/internal/model"
)

type usageEntry struct {
	rec       model.UsageRecord
	expiresAt time.Time
}

// Memory is a single-process backend for development and tests. Expiry is
// evaluated lazily against Now.
type Memory struct {
	mu       sync.Mutex
	now      func() time.Time
	sessions map[string][]model.Session
	conns    map[string]model.Connection
	usage    map[string]usageEntry
}

func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		now:      now,
		sessions: make(map[string][]model.Session),
		conns:    make(map[string]model.Connection),
		usage:    make(map[string]usageEntry),
	}
}

func (m *Memory) AdmitSession(_ context.Context, sess model.Session, limit int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.sessions[sess.IP][:0]
	for _, s := range m.sessions[sess.IP] {
		if s.ExpiresAt.After(sess.CreatedAt) {
			live = append(live, s)
		}
	}
	m.sessions[sess.IP] = live
	if len(live) >= limit {
		return false, nil
	}
	m.sessions[sess.IP] = append(live, sess)
	return true, nil
}

func (m *Memory) PutConnection(_ context.Context, conn model.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[conn.ID] = conn
	return nil
}

func (m *Memory) GetConnection(_ context.Context, connectionID string) (*model.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[connectionID]
	if !ok {
		return nil, ErrNotFound
	}
	if !conn.CredentialExpiry.After(m.now()) {
		delete(m.conns, connectionID)
		return nil, ErrNotFound
	}
	return &conn, nil
}

func (m *Memory) DeleteConnection(_ context.Context, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, connectionID)
	return nil
}

func (m *Memory) GetUsage(_ context.Context, sessionID string) (*model.UsageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.usage[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if !e.expiresAt.After(m.now()) {
		delete(m.usage, sessionID)
		return nil, ErrNotFound
	}
	rec := e.rec
	return &rec, nil
}

func (m *Memory) AddUsage(_ context.Context, in UsageIncrement) (*model.UsageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.usage[in.SessionID]
	if !ok || !e.expiresAt.After(in.Now) || in.Now.Sub(e.rec.WindowStart) > in.Window {
		e.rec = model.UsageRecord{SessionID: in.SessionID, TokensUsed: in.Tokens, WindowStart: in.Now}
	} else {
		e.rec.TokensUsed += in.Tokens
	}
	e.rec.LastSeen = in.Now
	e.expiresAt = in.Now.Add(in.TTL)
	m.usage[in.SessionID] = e
	rec := e.rec
	return &rec, nil
}

// SweepExpired drops entries that lazy expiry has not reached yet.
func (m *Memory) SweepExpired(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for ip, sessions := range m.sessions {
		live := sessions[:0]
		for _, s := range sessions {
			if s.ExpiresAt.After(now) {
				live = append(live, s)
			}
		}
		if len(live) == 0 {
			delete(m.sessions, ip)
			continue
		}
		m.sessions[ip] = live
	}
	for id, conn := range m.conns {
		if !conn.CredentialExpiry.After(now) {
			delete(m.conns, id)
		}
	}
	for sid, e := range m.usage {
		if !e.expiresAt.After(now) {
			delete(m.usage, sid)
		}
	}
	return nil
}
