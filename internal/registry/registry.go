// Package registry binds live transport connections to sessions.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coltonfrstt/koltbot-control-plane/internal/auth"
	"github.com/coltonfrstt/koltbot-control-plane/internal/model"
	"github.com/coltonfrstt/koltbot-control-plane/internal/store"
)

type Verifier interface {
	Verify(raw string) (*auth.Claims, error)
}

type Store interface {
	PutConnection(ctx context.Context, conn model.Connection) error
	GetConnection(ctx context.Context, connectionID string) (*model.Connection, error)
	DeleteConnection(ctx context.Context, connectionID string) error
}

type Registry struct {
	verifier Verifier
	store    Store
	now      func() time.Time
}

func New(v Verifier, st Store, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{verifier: v, store: st, now: now}
}

// Register verifies token and persists the connection until the credential
// expires. Verification failures are returned as *model.Error.
func (r *Registry) Register(ctx context.Context, connectionID, token, ip string) (*model.Connection, error) {
	claims, err := r.verifier.Verify(token)
	if err != nil {
		return nil, err
	}
	conn := model.Connection{
		ID:               connectionID,
		SessionID:        claims.SessionID,
		JTI:              claims.ID,
		IP:               ip,
		CreatedAt:        r.now().UTC(),
		CredentialExpiry: claims.ExpiresAt.Time,
	}
	if err := r.store.PutConnection(ctx, conn); err != nil {
		return nil, model.ErrInternal.Wrap(fmt.Errorf("put connection: %w", err))
	}
	return &conn, nil
}

// Lookup returns the session bound to connectionID, or ErrNoSession once the
// record is gone or expired.
func (r *Registry) Lookup(ctx context.Context, connectionID string) (string, error) {
	conn, err := r.store.GetConnection(ctx, connectionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", model.ErrNoSession
		}
		return "", model.ErrInternal.Wrap(fmt.Errorf("get connection: %w", err))
	}
	if !conn.CredentialExpiry.After(r.now()) {
		return "", model.ErrNoSession
	}
	return conn.SessionID, nil
}

// Remove deletes the connection record. Missing records are not an error.
func (r *Registry) Remove(ctx context.Context, connectionID string) error {
	if err := r.store.DeleteConnection(ctx, connectionID); err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	return nil
}
