package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coltonfrstt/koltbot-control-plane/internal/auth"
	"github.com/coltonfrstt/koltbot-control-plane/internal/model"
	"github.com/coltonfrstt/koltbot-control-plane/internal/store"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func newTestRegistry(t *testing.T) (*Registry, *auth.Issuer, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	iss, err := auth.NewIssuer(auth.IssuerOptions{
		Secret:   "test-secret",
		Issuer:   "koltbot-api",
		Audience: "koltbot-chat",
		Now:      clk.Now,
	})
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	return New(iss, store.NewMemory(clk.Now), clk.Now), iss, clk
}

func TestRegisterAndLookup(t *testing.T) {
	reg, iss, clk := newTestRegistry(t)
	token, exp, err := iss.Mint("sess-1", "jti-1")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	conn, err := reg.Register(context.Background(), "conn-1", token, "198.51.100.7")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if conn.SessionID != "sess-1" || conn.JTI != "jti-1" || !conn.CredentialExpiry.Equal(exp.Truncate(time.Second)) {
		t.Fatalf("unexpected connection: %+v", conn)
	}

	sid, err := reg.Lookup(context.Background(), "conn-1")
	if err != nil || sid != "sess-1" {
		t.Fatalf("lookup = %q, %v", sid, err)
	}

	clk.t = clk.t.Add(11 * time.Minute)
	if _, err := reg.Lookup(context.Background(), "conn-1"); !errors.Is(err, model.ErrNoSession) {
		t.Fatalf("expected NO_SESSION after credential expiry, got %v", err)
	}
}

func TestRegister_RejectsBadTokens(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	tests := []struct {
		name  string
		token string
		want  *model.Error
	}{
		{name: "missing", token: "", want: model.ErrMissingToken},
		{name: "garbage", token: "not-a-jwt", want: model.ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Register(context.Background(), "conn-x", tt.token, "198.51.100.7")
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %s, got %v", tt.want.Code, err)
			}
			if got := model.AsError(err).HTTPStatus(); got != tt.want.HTTPStatus() {
				t.Fatalf("status = %d", got)
			}
		})
	}
}

func TestLookupUnknownAndRemoved(t *testing.T) {
	reg, iss, _ := newTestRegistry(t)
	if _, err := reg.Lookup(context.Background(), "nope"); !errors.Is(err, model.ErrNoSession) {
		t.Fatalf("expected NO_SESSION, got %v", err)
	}

	token, _, _ := iss.Mint("sess-2", "jti-2")
	if _, err := reg.Register(context.Background(), "conn-2", token, "198.51.100.7"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Remove(context.Background(), "conn-2"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := reg.Lookup(context.Background(), "conn-2"); !errors.Is(err, model.ErrNoSession) {
		t.Fatalf("expected NO_SESSION after remove, got %v", err)
	}
}
