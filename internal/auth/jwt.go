package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/coltonfrstt/koltbot-control-plane/internal/model"
)

const ScopeChat = "chat"

type Claims struct {
	SessionID string `json:"sessionId"`
	Scope     string `json:"scope"`
	jwt.RegisteredClaims
}

type IssuerOptions struct {
	Secret   string
	Issuer   string
	Audience string
	TTL      time.Duration
	Now      func() time.Time
}

// Issuer mints and verifies HS256 chat credentials with a fixed issuer and
// audience.
type Issuer struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

func NewIssuer(opts IssuerOptions) (*Issuer, error) {
	if opts.Secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	if opts.Issuer == "" || opts.Audience == "" {
		return nil, fmt.Errorf("jwt issuer and audience are required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Issuer{
		secret:   []byte(opts.Secret),
		issuer:   opts.Issuer,
		audience: opts.Audience,
		ttl:      ttl,
		now:      now,
	}, nil
}

func (i *Issuer) TTL() time.Duration { return i.ttl }

func (i *Issuer) Mint(sessionID, jti string) (string, time.Time, error) {
	now := i.now().UTC()
	exp := now.Add(i.ttl)
	claims := Claims{
		SessionID: sessionID,
		Scope:     ScopeChat,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks signature, expiry, issuer and audience, then requires the
// sessionId, jti, exp and scope claims. Failures are ErrMissingToken,
// ErrInvalidToken or ErrInvalidPayload.
func (i *Issuer) Verify(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, model.ErrMissingToken
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(i.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenRequiredClaimMissing) {
			return nil, model.ErrInvalidPayload.Wrap(err)
		}
		return nil, model.ErrInvalidToken.Wrap(err)
	}
	if !token.Valid {
		return nil, model.ErrInvalidToken
	}
	if claims.SessionID == "" || claims.ID == "" || claims.ExpiresAt == nil {
		return nil, model.ErrInvalidPayload
	}
	if claims.Scope != ScopeChat {
		return nil, model.ErrInvalidPayload.WithMessage("token scope must be " + ScopeChat)
	}
	return claims, nil
}
