package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/coltonfrstt/koltbot-control-plane/internal/model"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func testIssuer(t *testing.T, clock *fakeClock) *Issuer {
	t.Helper()
	iss, err := NewIssuer(IssuerOptions{
		Secret:   "test-secret",
		Issuer:   "koltbot-sign",
		Audience: "koltbot-ws",
		TTL:      10 * time.Minute,
		Now:      clock.Now,
	})
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	return iss
}

func TestMintVerify_ValidWithinLifetimeRejectedAfter(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	iss := testIssuer(t, clock)

	token, exp, err := iss.Mint("sess-1", "jti-1")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if !exp.Equal(clock.t.Add(10 * time.Minute)) {
		t.Fatalf("unexpected expiry %s", exp)
	}

	clock.t = clock.t.Add(9 * time.Minute)
	claims, err := iss.Verify(token)
	if err != nil {
		t.Fatalf("Verify within lifetime: %v", err)
	}
	if claims.SessionID != "sess-1" || claims.ID != "jti-1" || claims.Scope != ScopeChat {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	clock.t = clock.t.Add(2 * time.Minute)
	if _, err := iss.Verify(token); !errors.Is(err, model.ErrInvalidToken) {
		t.Fatalf("expected INVALID_TOKEN after expiry, got %v", err)
	}
}

func TestVerify_Failures(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	iss := testIssuer(t, clock)
	now := clock.t

	sign := func(secret string, c Claims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return s
	}
	good := func() Claims {
		return Claims{
			SessionID: "sess-1",
			Scope:     ScopeChat,
			RegisteredClaims: jwt.RegisteredClaims{
				ID:        "jti-1",
				Issuer:    "koltbot-sign",
				Audience:  jwt.ClaimStrings{"koltbot-ws"},
				ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
			},
		}
	}

	wrongAud := good()
	wrongAud.Audience = jwt.ClaimStrings{"someone-else"}
	wrongIss := good()
	wrongIss.Issuer = "elsewhere"
	noSession := good()
	noSession.SessionID = ""
	noJTI := good()
	noJTI.ID = ""
	noExp := good()
	noExp.ExpiresAt = nil
	badScope := good()
	badScope.Scope = "admin"

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{name: "missing", token: "", want: model.ErrMissingToken},
		{name: "garbage", token: "not-a-jwt", want: model.ErrInvalidToken},
		{name: "wrong secret", token: sign("other", good()), want: model.ErrInvalidToken},
		{name: "wrong audience", token: sign("test-secret", wrongAud), want: model.ErrInvalidToken},
		{name: "wrong issuer", token: sign("test-secret", wrongIss), want: model.ErrInvalidToken},
		{name: "no session id", token: sign("test-secret", noSession), want: model.ErrInvalidPayload},
		{name: "no jti", token: sign("test-secret", noJTI), want: model.ErrInvalidPayload},
		{name: "no exp", token: sign("test-secret", noExp), want: model.ErrInvalidPayload},
		{name: "wrong scope", token: sign("test-secret", badScope), want: model.ErrInvalidPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := iss.Verify(tt.token)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}
