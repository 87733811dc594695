package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/coltonfrstt/koltbot-control-plane/internal/model"
)

var ErrNotFound = errors.New("not found")

//go:embed schema.sql
var schemaSQL string

// UsageIncrement adds Tokens to a session's usage. A record whose window
// started more than Window before Now (or that has expired) restarts at
// Tokens with WindowStart = Now. TTL bounds how long the record lives after
// its last update.
type UsageIncrement struct {
	SessionID string
	Tokens    int
	Now       time.Time
	Window    time.Duration
	TTL       time.Duration
}

// Store is the Postgres backend. Postgres has no native TTL, so every read
// filters on expires_at and SweepExpired removes dead rows.
type Store struct {
	db DB
}

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

func New(db DB) *Store {
	return &Store{db: db}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// AdmitSession inserts sess unless its IP already holds limit live sessions.
// Admissions for one IP are serialized by a transaction-scoped advisory lock.
func (s *Store) AdmitSession(ctx context.Context, sess model.Session, limit int) (bool, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `select pg_advisory_xact_lock(hashtext($1))`, sess.IP); err != nil {
		return false, fmt.Errorf("lock ip: %w", err)
	}

	const countLive = `
select count(*)
from ip_sessions
where ip = $1 and expires_at > $2`
	var live int
	if err := tx.QueryRow(ctx, countLive, sess.IP, sess.CreatedAt).Scan(&live); err != nil {
		return false, fmt.Errorf("count sessions: %w", err)
	}
	if live >= limit {
		return false, nil
	}

	const insertSession = `
insert into ip_sessions (session_id, ip, created_at, expires_at)
values ($1, $2, $3, $4)`
	if _, err := tx.Exec(ctx, insertSession, sess.ID, sess.IP, sess.CreatedAt, sess.ExpiresAt); err != nil {
		return false, fmt.Errorf("insert session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) PutConnection(ctx context.Context, conn model.Connection) error {
	const q = `
insert into connections (connection_id, session_id, jti, ip, created_at, expires_at)
values ($1, $2, $3, $4, $5, $6)
on conflict (connection_id) do update set
  session_id = excluded.session_id,
  jti = excluded.jti,
  ip = excluded.ip,
  created_at = excluded.created_at,
  expires_at = excluded.expires_at`
	_, err := s.db.Exec(ctx, q, conn.ID, conn.SessionID, conn.JTI, conn.IP, conn.CreatedAt, conn.CredentialExpiry)
	return err
}

func (s *Store) GetConnection(ctx context.Context, connectionID string) (*model.Connection, error) {
	const q = `
select connection_id, session_id, jti, ip, created_at, expires_at
from connections
where connection_id = $1 and expires_at > now()`
	var out model.Connection
	if err := s.db.QueryRow(ctx, q, connectionID).Scan(
		&out.ID, &out.SessionID, &out.JTI, &out.IP, &out.CreatedAt, &out.CredentialExpiry,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}

func (s *Store) DeleteConnection(ctx context.Context, connectionID string) error {
	_, err := s.db.Exec(ctx, `delete from connections where connection_id = $1`, connectionID)
	return err
}

func (s *Store) GetUsage(ctx context.Context, sessionID string) (*model.UsageRecord, error) {
	const q = `
select session_id, tokens_used, window_start, last_seen
from session_usage
where session_id = $1 and expires_at > now()`
	var out model.UsageRecord
	if err := s.db.QueryRow(ctx, q, sessionID).Scan(&out.SessionID, &out.TokensUsed, &out.WindowStart, &out.LastSeen); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}

// AddUsage applies in as one conditional upsert, so concurrent increments for
// one session never lose an update.
func (s *Store) AddUsage(ctx context.Context, in UsageIncrement) (*model.UsageRecord, error) {
	const q = `
insert into session_usage (session_id, tokens_used, window_start, last_seen, expires_at)
values ($1, $2, $3, $3, $4)
on conflict (session_id) do update set
  tokens_used = case
    when session_usage.window_start < $5 or session_usage.expires_at <= $3 then excluded.tokens_used
    else session_usage.tokens_used + excluded.tokens_used
  end,
  window_start = case
    when session_usage.window_start < $5 or session_usage.expires_at <= $3 then excluded.window_start
    else session_usage.window_start
  end,
  last_seen = excluded.last_seen,
  expires_at = excluded.expires_at
returning session_id, tokens_used, window_start, last_seen`
	now := in.Now.UTC()
	var out model.UsageRecord
	if err := s.db.QueryRow(ctx, q, in.SessionID, in.Tokens, now, now.Add(in.TTL), now.Add(-in.Window)).Scan(
		&out.SessionID, &out.TokensUsed, &out.WindowStart, &out.LastSeen,
	); err != nil {
		return nil, fmt.Errorf("upsert usage: %w", err)
	}
	return &out, nil
}

// SweepExpired deletes expired rows from every table.
func (s *Store) SweepExpired(ctx context.Context) error {
	for _, table := range []string{"ip_sessions", "connections", "session_usage"} {
		if _, err := s.db.Exec(ctx, "delete from "+table+" where expires_at <= now()"); err != nil {
			return fmt.Errorf("sweep %s: %w", table, err)
		}
	}
	return nil
}
