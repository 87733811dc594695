package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/coltonfrstt/koltbot-control-plane/internal/admission"
	"github.com/coltonfrstt/koltbot-control-plane/internal/config"
	"github.com/coltonfrstt/koltbot-control-plane/internal/logx"
	"github.com/coltonfrstt/koltbot-control-plane/internal/metrics"
	"github.com/coltonfrstt/koltbot-control-plane/internal/model"
	"github.com/coltonfrstt/koltbot-control-plane/internal/orchestrator"
)

type Admitter interface {
	IssueSession(ctx context.Context, ip string) (admission.Issued, error)
}

type ConnRegistry interface {
	Register(ctx context.Context, connectionID, token, ip string) (*model.Connection, error)
	Remove(ctx context.Context, connectionID string) error
}

type Invoker interface {
	Handle(ctx context.Context, connectionID string, raw []byte, send orchestrator.Sender)
}

type Deps struct {
	Gate         Admitter
	Registry     ConnRegistry
	Orchestrator Invoker
	Logger       *slog.Logger
}

type Server struct {
	cfg      config.Config
	gate     Admitter
	registry ConnRegistry
	orch     Invoker
	upgrader websocket.Upgrader
}

func NewRouter(cfg config.Config, deps Deps) http.Handler {
	s := &Server{
		cfg:      cfg,
		gate:     deps.Gate,
		registry: deps.Registry,
		orch:     deps.Orchestrator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Validate has already rejected malformed entries.
	trusted, _ := cfg.TrustedProxyPrefixes()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(trustedRealIP(trusted))
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Get("/metrics", metrics.Default().Handler().ServeHTTP)
	r.Get("/ws", s.handleConnect)

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.Use(middleware.Timeout(30 * time.Second))
		v1.With(rateLimitByIP(cfg.AdmissionRatePerMinute, time.Minute)).Post("/session", s.handleIssueSession)
	})

	return r
}

// requestLogger attaches a request-scoped logger to the context and logs one
// line per request. The wrapped writer keeps http.Hijacker for upgrades.
func requestLogger(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			logger := base.With(
				"req_id", middleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", clientIP(r),
			)
			r = r.WithContext(logx.WithContext(r.Context(), logger))

			next.ServeHTTP(ww, r)

			logger.Info("http_request",
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
				"user_agent", r.UserAgent(),
			)
		})
	}
}

// clientIP returns the host part of RemoteAddr, which trustedRealIP rewrites
// for requests arriving through a trusted proxy.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type apiError struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

func writeAPIError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	var payload apiError
	payload.Error.Code = code
	payload.Error.Message = message
	payload.Error.RequestID = middleware.GetReqID(r.Context())
	writeJSON(w, status, payload)
}

func writeModelError(w http.ResponseWriter, r *http.Request, err error) {
	e := model.AsError(err)
	writeAPIError(w, r, e.HTTPStatus(), e.Code, e.Message)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
