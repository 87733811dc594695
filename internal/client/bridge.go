package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coltonfrstt/koltbot-control-plane/internal/metrics"
)

const maxToolResponseBytes = 4 << 20

// ToolExecutor runs one tool call and returns the formatted result.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, input json.RawMessage) (string, error)
}

// HTTPExecutor posts tool input as JSON to the endpoint configured for the
// tool name.
type HTTPExecutor struct {
	client    *http.Client
	endpoints map[string]string
}

func NewHTTPExecutor(endpoints map[string]string, timeout time.Duration) *HTTPExecutor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPExecutor{client: &http.Client{Timeout: timeout}, endpoints: endpoints}
}

func (x *HTTPExecutor) Execute(ctx context.Context, name string, input json.RawMessage) (out string, err error) {
	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		metrics.Default().IncCounter("koltbot_tool_calls_total", map[string]string{"tool": name, "status": status})
		metrics.Default().ObserveHistogram("koltbot_tool_latency_ms", float64(time.Since(start).Milliseconds()), map[string]string{"tool": name})
	}()

	endpoint, ok := x.endpoints[name]
	if !ok || endpoint == "" {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	if len(bytes.TrimSpace(input)) == 0 {
		input = json.RawMessage("{}")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(input))
	if err != nil {
		return "", fmt.Errorf("build tool request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := x.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("tool request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("tool HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxToolResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read tool response: %w", err)
	}
	return FormatResult(body), nil
}

// FormatResult renders a tool response for tool_result content: arrays and
// objects are re-indented as written, strings are unquoted, anything else is
// the trimmed raw body.
func FormatResult(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return string(trimmed)
	}
	switch trimmed[0] {
	case '[', '{':
		var buf bytes.Buffer
		if err := json.Indent(&buf, trimmed, "", "  "); err != nil {
			return string(trimmed)
		}
		return buf.String()
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return string(trimmed)
		}
		return s
	default:
		return string(trimmed)
	}
}
