package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/coltonfrstt/koltbot-control-plane/internal/model"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func TestMemoryAdmitSession_LimitAndExpiry(t *testing.T) {
	c := &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewMemory(c.Now)
	ctx := context.Background()

	admit := func(id string) bool {
		ok, err := m.AdmitSession(ctx, model.Session{ID: id, IP: "198.51.100.1", CreatedAt: c.t, ExpiresAt: c.t.Add(3 * time.Hour)}, 5)
		if err != nil {
			t.Fatalf("AdmitSession: %v", err)
		}
		return ok
	}

	if !admit("first") {
		t.Fatal("expected first admission")
	}
	c.t = c.t.Add(time.Minute)
	for i := 0; i < 4; i++ {
		if !admit(fmt.Sprintf("s%d", i)) {
			t.Fatalf("expected admission %d", i)
		}
	}
	if admit("sixth") {
		t.Fatal("expected sixth admission to be rejected")
	}

	other, err := m.AdmitSession(ctx, model.Session{ID: "x", IP: "198.51.100.2", CreatedAt: c.t, ExpiresAt: c.t.Add(3 * time.Hour)}, 5)
	if err != nil || !other {
		t.Fatalf("other ip should be admitted, ok=%v err=%v", other, err)
	}

	c.t = c.t.Add(3*time.Hour - time.Minute)
	if !admit("after-expiry") {
		t.Fatal("expected admission once the first session expired")
	}
	if admit("again") {
		t.Fatal("expected rejection with five live sessions")
	}
}

func TestMemoryConnection_ExpiresWithCredential(t *testing.T) {
	c := &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewMemory(c.Now)
	ctx := context.Background()

	conn := model.Connection{ID: "c1", SessionID: "s1", JTI: "j1", CreatedAt: c.t, CredentialExpiry: c.t.Add(10 * time.Minute)}
	if err := m.PutConnection(ctx, conn); err != nil {
		t.Fatalf("PutConnection: %v", err)
	}
	got, err := m.GetConnection(ctx, "c1")
	if err != nil || got.SessionID != "s1" {
		t.Fatalf("GetConnection = %+v, %v", got, err)
	}

	c.t = c.t.Add(10 * time.Minute)
	if _, err := m.GetConnection(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after credential expiry, got %v", err)
	}
}

func TestMemoryAddUsage_AccumulatesThenResetsWindow(t *testing.T) {
	c := &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewMemory(c.Now)
	ctx := context.Background()
	inc := func(tokens int) *model.UsageRecord {
		rec, err := m.AddUsage(ctx, UsageIncrement{SessionID: "s1", Tokens: tokens, Now: c.t, Window: 3 * time.Hour, TTL: 4 * time.Hour})
		if err != nil {
			t.Fatalf("AddUsage: %v", err)
		}
		return rec
	}

	start := c.t
	if got := inc(100).TokensUsed; got != 100 {
		t.Fatalf("first increment total = %d", got)
	}
	c.t = c.t.Add(time.Hour)
	rec := inc(50)
	if rec.TokensUsed != 150 || !rec.WindowStart.Equal(start) {
		t.Fatalf("unexpected record within window: %+v", rec)
	}

	c.t = start.Add(3*time.Hour + time.Second)
	rec = inc(7)
	if rec.TokensUsed != 7 || !rec.WindowStart.Equal(c.t) {
		t.Fatalf("expected a fresh window, got %+v", rec)
	}
}

func TestMemorySweepExpired(t *testing.T) {
	c := &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewMemory(c.Now)
	ctx := context.Background()

	if _, err := m.AdmitSession(ctx, model.Session{ID: "s1", IP: "198.51.100.1", CreatedAt: c.t, ExpiresAt: c.t.Add(time.Hour)}, 5); err != nil {
		t.Fatalf("AdmitSession: %v", err)
	}
	_ = m.PutConnection(ctx, model.Connection{ID: "c1", SessionID: "s1", CredentialExpiry: c.t.Add(10 * time.Minute)})
	_, _ = m.AddUsage(ctx, UsageIncrement{SessionID: "s1", Tokens: 5, Now: c.t, Window: 3 * time.Hour, TTL: 3 * time.Hour})

	c.t = c.t.Add(2 * time.Hour)
	if err := m.SweepExpired(ctx); err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if len(m.sessions) != 0 || len(m.conns) != 0 {
		t.Fatalf("expected sessions and connections swept, got %d/%d", len(m.sessions), len(m.conns))
	}
	if len(m.usage) != 1 {
		t.Fatalf("expected live usage record to survive, got %d", len(m.usage))
	}
}
