package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/coltonfrstt/koltbot-control-plane/internal/model"
)

func testSession(ip string, now time.Time) model.Session {
	return model.Session{ID: "sess-new", IP: ip, CreatedAt: now, ExpiresAt: now.Add(3 * time.Hour)}
}

func TestAdmitSession_UnderLimitInserts(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	sess := testSession("203.0.113.7", now)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("select pg_advisory_xact_lock(hashtext($1))")).
		WithArgs("203.0.113.7").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(regexp.QuoteMeta("select count(*)")).
		WithArgs("203.0.113.7", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(4))
	mock.ExpectExec(regexp.QuoteMeta("insert into ip_sessions")).
		WithArgs("sess-new", "203.0.113.7", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	ok, err := New(mock).AdmitSession(context.Background(), sess, 5)
	if err != nil {
		t.Fatalf("AdmitSession returned err: %v", err)
	}
	if !ok {
		t.Fatal("expected admission under the limit")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAdmitSession_AtLimitRejectsWithoutInsert(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("select pg_advisory_xact_lock(hashtext($1))")).
		WithArgs("203.0.113.7").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(regexp.QuoteMeta("select count(*)")).
		WithArgs("203.0.113.7", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(5))
	mock.ExpectRollback()

	ok, err := New(mock).AdmitSession(context.Background(), testSession("203.0.113.7", now), 5)
	if err != nil {
		t.Fatalf("AdmitSession returned err: %v", err)
	}
	if ok {
		t.Fatal("expected rejection at the limit")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAddUsage_SingleConditionalUpsert(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	windowStart := now.Add(-time.Hour)
	mock.ExpectQuery(regexp.QuoteMeta("insert into session_usage")).
		WithArgs("sess-1", 120, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"session_id", "tokens_used", "window_start", "last_seen"}).
			AddRow("sess-1", 1120, windowStart, now))

	rec, err := New(mock).AddUsage(context.Background(), UsageIncrement{
		SessionID: "sess-1",
		Tokens:    120,
		Now:       now,
		Window:    3 * time.Hour,
		TTL:       3 * time.Hour,
	})
	if err != nil {
		t.Fatalf("AddUsage returned err: %v", err)
	}
	if rec.TokensUsed != 1120 || !rec.WindowStart.Equal(windowStart) {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetConnection_NoRowsIsNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("select connection_id, session_id, jti, ip, created_at, expires_at")).
		WithArgs("conn-1").
		WillReturnError(pgx.ErrNoRows)

	_, err = New(mock).GetConnection(context.Background(), "conn-1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSweepExpired(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	for _, table := range []string{"ip_sessions", "connections", "session_usage"} {
		mock.ExpectExec(regexp.QuoteMeta("delete from " + table + " where expires_at <= now()")).
			WillReturnResult(pgxmock.NewResult("DELETE", 2))
	}

	if err := New(mock).SweepExpired(context.Background()); err != nil {
		t.Fatalf("SweepExpired returned err: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMigrate_AppliesEveryStatement(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	for _, prefix := range []string{
		"create table if not exists ip_sessions",
		"create index if not exists ip_sessions_ip_expires_idx",
		"create table if not exists connections",
		"create index if not exists connections_expires_idx",
		"create table if not exists session_usage",
		"create index if not exists session_usage_expires_idx",
	} {
		mock.ExpectExec(regexp.QuoteMeta(prefix)).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}

	if err := New(mock).Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate returned err: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
