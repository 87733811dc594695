package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coltonfrstt/koltbot-control-plane/internal/model"
)

type RedisConfig struct {
	Client    *redis.Client
	KeyPrefix string
}

// Redis keeps sessions in a per-IP sorted set scored by expiry, connections
// as plain keys with a TTL, and usage as a hash. Admission and usage updates
// run as Lua scripts so each is atomic on the server.
type Redis struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "koltbot:"
	}
	return &Redis{client: cfg.Client, keyPrefix: cfg.KeyPrefix}, nil
}

func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) ipKey(ip string) string      { return r.keyPrefix + "ip:" + ip }
func (r *Redis) sessionKey(id string) string { return r.keyPrefix + "session:" + id }
func (r *Redis) connKey(id string) string    { return r.keyPrefix + "conn:" + id }
func (r *Redis) usageKey(sid string) string  { return r.keyPrefix + "usage:" + sid }

// KEYS[1]=ip set, KEYS[2]=session key
// ARGV: now ms, limit, expires ms, session id, ip, ttl ms
var admitScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[2]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
redis.call('PEXPIREAT', KEYS[1], ARGV[3])
redis.call('SET', KEYS[2], ARGV[5], 'PX', ARGV[6])
return 1
`)

// KEYS[1]=usage hash
// ARGV: now ms, window ms, tokens, ttl ms
var addUsageScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local start = redis.call('HGET', KEYS[1], 'window_start')
local total
if (not start) or (now - tonumber(start) > tonumber(ARGV[2])) then
  start = now
  total = tonumber(ARGV[3])
  redis.call('HSET', KEYS[1], 'tokens_used', total, 'window_start', start)
else
  start = tonumber(start)
  total = redis.call('HINCRBY', KEYS[1], 'tokens_used', ARGV[3])
end
redis.call('HSET', KEYS[1], 'last_seen', now)
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return {total, start}
`)

func (r *Redis) AdmitSession(ctx context.Context, sess model.Session, limit int) (bool, error) {
	ttl := sess.ExpiresAt.Sub(sess.CreatedAt)
	res, err := admitScript.Run(ctx, r.client,
		[]string{r.ipKey(sess.IP), r.sessionKey(sess.ID)},
		sess.CreatedAt.UnixMilli(), limit, sess.ExpiresAt.UnixMilli(), sess.ID, sess.IP, positiveMillis(ttl),
	).Int()
	if err != nil {
		return false, fmt.Errorf("admit session: %w", err)
	}
	return res == 1, nil
}

type storedConnection struct {
	SessionID        string    `json:"session_id"`
	JTI              string    `json:"jti"`
	IP               string    `json:"ip"`
	CreatedAt        time.Time `json:"created_at"`
	CredentialExpiry time.Time `json:"credential_expiry"`
}

func (r *Redis) PutConnection(ctx context.Context, conn model.Connection) error {
	data, err := json.Marshal(storedConnection{
		SessionID:        conn.SessionID,
		JTI:              conn.JTI,
		IP:               conn.IP,
		CreatedAt:        conn.CreatedAt,
		CredentialExpiry: conn.CredentialExpiry,
	})
	if err != nil {
		return fmt.Errorf("marshal connection: %w", err)
	}
	ttl := time.Duration(positiveMillis(time.Until(conn.CredentialExpiry))) * time.Millisecond
	if err := r.client.Set(ctx, r.connKey(conn.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("set connection %s: %w", conn.ID, err)
	}
	return nil
}

func (r *Redis) GetConnection(ctx context.Context, connectionID string) (*model.Connection, error) {
	raw, err := r.client.Get(ctx, r.connKey(connectionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get connection %s: %w", connectionID, err)
	}
	var sc storedConnection
	if err := json.Unmarshal(raw, &sc); err != nil {
		return nil, fmt.Errorf("unmarshal connection: %w", err)
	}
	return &model.Connection{
		ID:               connectionID,
		SessionID:        sc.SessionID,
		JTI:              sc.JTI,
		IP:               sc.IP,
		CreatedAt:        sc.CreatedAt,
		CredentialExpiry: sc.CredentialExpiry,
	}, nil
}

func (r *Redis) DeleteConnection(ctx context.Context, connectionID string) error {
	return r.client.Del(ctx, r.connKey(connectionID)).Err()
}

func (r *Redis) GetUsage(ctx context.Context, sessionID string) (*model.UsageRecord, error) {
	vals, err := r.client.HGetAll(ctx, r.usageKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get usage %s: %w", sessionID, err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	tokens, err := strconv.Atoi(vals["tokens_used"])
	if err != nil {
		return nil, fmt.Errorf("parse tokens_used: %w", err)
	}
	start, err := strconv.ParseInt(vals["window_start"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse window_start: %w", err)
	}
	lastSeen, _ := strconv.ParseInt(vals["last_seen"], 10, 64)
	return &model.UsageRecord{
		SessionID:   sessionID,
		TokensUsed:  tokens,
		WindowStart: time.UnixMilli(start).UTC(),
		LastSeen:    time.UnixMilli(lastSeen).UTC(),
	}, nil
}

func (r *Redis) AddUsage(ctx context.Context, in UsageIncrement) (*model.UsageRecord, error) {
	res, err := addUsageScript.Run(ctx, r.client, []string{r.usageKey(in.SessionID)},
		in.Now.UnixMilli(), in.Window.Milliseconds(), in.Tokens, positiveMillis(in.TTL),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("add usage: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("add usage: unexpected reply length %d", len(res))
	}
	return &model.UsageRecord{
		SessionID:   in.SessionID,
		TokensUsed:  int(res[0]),
		WindowStart: time.UnixMilli(res[1]).UTC(),
		LastSeen:    in.Now.UTC(),
	}, nil
}

func positiveMillis(d time.Duration) int64 {
	if ms := d.Milliseconds(); ms > 0 {
		return ms
	}
	return 1
}
