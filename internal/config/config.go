package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"

	InferenceFake      = "fake"
	InferenceAnthropic = "anthropic"
	InferenceBedrock   = "bedrock"
)

type Config struct {
	ListenAddr string `env:"KOLTBOT_LISTEN_ADDR,default=:8080"`
	Env        string `env:"KOLTBOT_ENV,default=development"`
	LogLevel   string `env:"KOLTBOT_LOG_LEVEL,default=info"`
	LogFormat  string `env:"KOLTBOT_LOG_FORMAT,default=json"`

	// TrustedProxies is a comma list of IPs or CIDRs whose forwarding
	// headers are honored. Empty means the socket peer is the client.
	TrustedProxies string `env:"KOLTBOT_TRUSTED_PROXIES"`

	JWTSecret     string        `env:"KOLTBOT_JWT_SECRET"`
	JWTIssuer     string        `env:"KOLTBOT_JWT_ISSUER,default=koltbot-api"`
	JWTAudience   string        `env:"KOLTBOT_JWT_AUDIENCE,default=koltbot-chat"`
	CredentialTTL time.Duration `env:"KOLTBOT_CREDENTIAL_TTL,default=10m"`

	SessionTTL             time.Duration `env:"KOLTBOT_SESSION_TTL,default=3h"`
	MaxSessionsPerIP       int           `env:"KOLTBOT_MAX_SESSIONS_PER_IP,default=5"`
	AdmissionRatePerMinute int           `env:"KOLTBOT_ADMISSION_RATE_PER_MINUTE,default=10"`

	TokenLimit  int           `env:"KOLTBOT_TOKEN_LIMIT,default=50000"`
	QuotaWindow time.Duration `env:"KOLTBOT_QUOTA_WINDOW,default=3h"`

	Store          string `env:"KOLTBOT_STORE,default=memory"`
	DatabaseURL    string `env:"KOLTBOT_DATABASE_URL"`
	RedisAddr      string `env:"KOLTBOT_REDIS_ADDR,default=localhost:6379"`
	RedisKeyPrefix string `env:"KOLTBOT_REDIS_KEY_PREFIX,default=koltbot:"`

	Inference         string        `env:"KOLTBOT_INFERENCE,default=fake"`
	Model             string        `env:"KOLTBOT_MODEL,default=claude-3-7-sonnet-20250219"`
	SystemPrompt      string        `env:"KOLTBOT_SYSTEM_PROMPT,default=You are a helpful assistant."`
	MaxTokens         int           `env:"KOLTBOT_MAX_TOKENS,default=1024"`
	HistoryWindow     int           `env:"KOLTBOT_HISTORY_WINDOW,default=12"`
	InvocationTimeout time.Duration `env:"KOLTBOT_INVOCATION_TIMEOUT,default=2m"`
	AnthropicAPIKey   string        `env:"ANTHROPIC_API_KEY"`
	AnthropicBaseURL  string        `env:"ANTHROPIC_BASE_URL"`
	AWSRegion         string        `env:"KOLTBOT_AWS_REGION,default=us-east-1"`

	SweepInterval time.Duration `env:"KOLTBOT_SWEEP_INTERVAL,default=1m"`
}

func LoadFromEnv() (Config, error) {
	var cfg Config
	if err := decode(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) Validate() error {
	if cfg.JWTSecret == "" {
		return fmt.Errorf("KOLTBOT_JWT_SECRET is required")
	}
	switch cfg.Store {
	case StoreMemory, StoreRedis:
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("KOLTBOT_DATABASE_URL is required for postgres store")
		}
	default:
		return fmt.Errorf("KOLTBOT_STORE must be one of memory|postgres|redis")
	}
	switch cfg.Inference {
	case InferenceFake:
	case InferenceAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY is required for anthropic inference")
		}
	case InferenceBedrock:
		if cfg.AWSRegion == "" {
			return fmt.Errorf("KOLTBOT_AWS_REGION is required for bedrock inference")
		}
	default:
		return fmt.Errorf("KOLTBOT_INFERENCE must be one of fake|anthropic|bedrock")
	}
	if cfg.MaxSessionsPerIP <= 0 || cfg.TokenLimit <= 0 || cfg.MaxTokens <= 0 {
		return fmt.Errorf("session, token and max-token limits must be positive")
	}
	if _, err := cfg.TrustedProxyPrefixes(); err != nil {
		return err
	}
	return nil
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address becomes a
// single-host prefix.
func (cfg Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, part := range strings.Split(cfg.TrustedProxies, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			p, err := netip.ParsePrefix(part)
			if err != nil {
				return nil, fmt.Errorf("KOLTBOT_TRUSTED_PROXIES: %w", err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(part)
		if err != nil {
			return nil, fmt.Errorf("KOLTBOT_TRUSTED_PROXIES: %w", err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

type ClientConfig struct {
	ServerURL     string        `env:"KOLTBOT_SERVER_URL,default=http://localhost:8080"`
	ToolEndpoints string        `env:"KOLTBOT_TOOL_ENDPOINTS"`
	HistoryWindow int           `env:"KOLTBOT_HISTORY_WINDOW,default=12"`
	Debounce      time.Duration `env:"KOLTBOT_DEBOUNCE,default=30ms"`
	AckTimeout    time.Duration `env:"KOLTBOT_ACK_TIMEOUT,default=10s"`
	ToolTimeout   time.Duration `env:"KOLTBOT_TOOL_TIMEOUT,default=30s"`
	ReconnectMin  time.Duration `env:"KOLTBOT_RECONNECT_MIN,default=500ms"`
	ReconnectMax  time.Duration `env:"KOLTBOT_RECONNECT_MAX,default=10s"`
	LogLevel      string        `env:"KOLTBOT_LOG_LEVEL,default=warn"`
}

var DefaultToolEndpoints = map[string]string{
	"github_search":   "http://localhost:8090/tools/github_search",
	"github_get_file": "http://localhost:8090/tools/github_get_file",
}

func LoadClientFromEnv() (ClientConfig, error) {
	var cfg ClientConfig
	if err := decode(&cfg); err != nil {
		return ClientConfig{}, err
	}
	if cfg.ServerURL == "" {
		return ClientConfig{}, fmt.Errorf("KOLTBOT_SERVER_URL is required")
	}
	return cfg, nil
}

// Endpoints returns the tool endpoint map, falling back to
// DefaultToolEndpoints for tools that are not configured.
func (cfg ClientConfig) Endpoints() map[string]string {
	out := make(map[string]string, len(DefaultToolEndpoints))
	for k, v := range DefaultToolEndpoints {
		out[k] = v
	}
	for k, v := range parseKVMap(cfg.ToolEndpoints) {
		out[k] = v
	}
	return out
}

func decode(target any) error {
	if err := envdecode.Decode(target); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("decode env: %w", err)
	}
	return nil
}

func parseKVMap(v string) map[string]string {
	out := make(map[string]string)
	if strings.TrimSpace(v) == "" {
		return out
	}
	pairs := strings.Split(v, ",")
	for _, p := range pairs {
		parts := strings.SplitN(strings.TrimSpace(p), "=", 2)
		if len(parts) != 2 {
			continue
		}
		k := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if k != "" && val != "" {
			out[k] = val
		}
	}
	return out
}
