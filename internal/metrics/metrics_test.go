package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func render(t *testing.T, r *Registry) string {
	t.Helper()
	rr := httptest.NewRecorder()
	r.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics handler status %d", rr.Code)
	}
	return rr.Body.String()
}

func TestHandlerIncludesCounterAndHistogramSeries(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("koltbot_job_runs_total", map[string]string{"job": "ttl_sweep", "status": "ok"})
	r.ObserveHistogram("koltbot_job_duration_ms", 42, map[string]string{"job": "ttl_sweep"})
	r.AddCounter("koltbot_tokens_metered_total", 250, nil)

	out := render(t, r)
	if !strings.Contains(out, `koltbot_job_runs_total{job="ttl_sweep",status="ok"} 1`) {
		t.Fatalf("missing counter sample: %s", out)
	}
	if !strings.Contains(out, `koltbot_job_duration_ms_count{job="ttl_sweep"} 1`) {
		t.Fatalf("missing histogram count sample: %s", out)
	}
	if !strings.Contains(out, "koltbot_tokens_metered_total 250") {
		t.Fatalf("missing tokens sample: %s", out)
	}
}

func TestMismatchedLabelsAreDropped(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("koltbot_job_runs_total", map[string]string{"job": "ttl_sweep"})
	r.IncCounter("koltbot_unknown_total", nil)

	out := render(t, r)
	if strings.Contains(out, `koltbot_job_runs_total{`) {
		t.Fatalf("expected no series for incomplete labels: %s", out)
	}
}
