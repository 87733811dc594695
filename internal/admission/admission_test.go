package admission

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/coltonfrstt/koltbot-control-plane/internal/auth"
	"github.com/coltonfrstt/koltbot-control-plane/internal/model"
	"github.com/coltonfrstt/koltbot-control-plane/internal/store"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

type mockStore struct {
	admitFn func(context.Context, model.Session, int) (bool, error)
}

func (m *mockStore) AdmitSession(ctx context.Context, sess model.Session, limit int) (bool, error) {
	return m.admitFn(ctx, sess, limit)
}

func newIssuer(t *testing.T, now func() time.Time) *auth.Issuer {
	t.Helper()
	iss, err := auth.NewIssuer(auth.IssuerOptions{Secret: "test-secret", Issuer: "koltbot-api", Audience: "koltbot-chat", Now: now})
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	return iss
}

func TestIssueSession_SixthRejectedUntilOneExpires(t *testing.T) {
	clk := &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	iss := newIssuer(t, clk.Now)
	g := New(store.NewMemory(clk.Now), iss, Options{Now: clk.Now})

	var first Issued
	for i := 0; i < 5; i++ {
		out, err := g.IssueSession(context.Background(), "203.0.113.9")
		if err != nil {
			t.Fatalf("issue %d: %v", i, err)
		}
		if i == 0 {
			first = out
		}
		clk.t = clk.t.Add(time.Minute)
	}
	if _, err := g.IssueSession(context.Background(), "203.0.113.9"); !errors.Is(err, model.ErrTooManySessions) {
		t.Fatalf("expected TOO_MANY_SESSIONS, got %v", err)
	}
	if _, err := g.IssueSession(context.Background(), "203.0.113.10"); err != nil {
		t.Fatalf("other ip should be admitted: %v", err)
	}

	// The first session was created at 12:00 and expires at 15:00.
	clk.t = time.Date(2025, 3, 1, 15, 0, 30, 0, time.UTC)
	out, err := g.IssueSession(context.Background(), "203.0.113.9")
	if err != nil {
		t.Fatalf("expected admission after expiry: %v", err)
	}
	if out.SessionID == first.SessionID {
		t.Fatal("expected a fresh session id")
	}
}

func TestIssueSession_TokenCarriesSessionAndScope(t *testing.T) {
	clk := &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	iss := newIssuer(t, clk.Now)
	ids := []string{"sess-1", "jti-1"}
	g := New(store.NewMemory(clk.Now), iss, Options{
		Now: clk.Now,
		NewID: func() string {
			id := ids[0]
			ids = ids[1:]
			return id
		},
	})

	out, err := g.IssueSession(context.Background(), "203.0.113.9")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := iss.Verify(out.Token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.SessionID != "sess-1" || claims.ID != "jti-1" || claims.Scope != auth.ScopeChat {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if !out.ExpiresAt.Equal(clk.t.Add(10 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", out.ExpiresAt)
	}
}

func TestIssueSession_StoreErrorIsInternal(t *testing.T) {
	st := &mockStore{admitFn: func(context.Context, model.Session, int) (bool, error) {
		return false, fmt.Errorf("db down")
	}}
	g := New(st, newIssuer(t, nil), Options{})
	_, err := g.IssueSession(context.Background(), "203.0.113.9")
	if !errors.Is(err, model.ErrInternal) {
		t.Fatalf("expected INTERNAL_ERROR, got %v", err)
	}
}

type failingMinter struct{}

func (failingMinter) Mint(string, string) (string, time.Time, error) {
	return "", time.Time{}, errors.New("signing key unavailable")
}

func TestIssueSession_MintFailureStoresNothing(t *testing.T) {
	admitted := 0
	st := &mockStore{admitFn: func(context.Context, model.Session, int) (bool, error) {
		admitted++
		return true, nil
	}}
	g := New(st, failingMinter{}, Options{})
	for i := 0; i < 6; i++ {
		if _, err := g.IssueSession(context.Background(), "203.0.113.9"); !errors.Is(err, model.ErrInternal) {
			t.Fatalf("issue %d: expected INTERNAL_ERROR, got %v", i, err)
		}
	}
	if admitted != 0 {
		t.Fatalf("expected no admissions after mint failures, got %d", admitted)
	}

	mem := store.NewMemory(nil)
	for i := 0; i < 6; i++ {
		_, _ = New(mem, failingMinter{}, Options{}).IssueSession(context.Background(), "203.0.113.9")
	}
	g = New(mem, newIssuer(t, nil), Options{})
	for i := 0; i < 5; i++ {
		if _, err := g.IssueSession(context.Background(), "203.0.113.9"); err != nil {
			t.Fatalf("issue %d after failed mints: %v", i, err)
		}
	}
}

func TestIssueSession_PassesLimitAndTTL(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	var gotSess model.Session
	var gotLimit int
	st := &mockStore{admitFn: func(_ context.Context, sess model.Session, limit int) (bool, error) {
		gotSess, gotLimit = sess, limit
		return true, nil
	}}
	g := New(st, newIssuer(t, func() time.Time { return now }), Options{Now: func() time.Time { return now }})
	if _, err := g.IssueSession(context.Background(), "203.0.113.9"); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if gotLimit != 5 || gotSess.IP != "203.0.113.9" || !gotSess.ExpiresAt.Equal(now.Add(3*time.Hour)) {
		t.Fatalf("unexpected admission args: %+v limit=%d", gotSess, gotLimit)
	}
}
