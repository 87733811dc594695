package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is a name-keyed facade over a Prometheus registry. Label names are
// fixed at registration; observations whose labels do not match are dropped.
type Registry struct {
	mu         sync.RWMutex
	reg        *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

func NewRegistry() *Registry {
	r := &Registry{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
	r.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.registerDefaults()
	return r
}

func (r *Registry) registerDefaults() {
	r.RegisterCounter("koltbot_job_runs_total", "Total background job runs by job and status.", "job", "status")
	r.RegisterHistogram("koltbot_job_duration_ms", "Background job duration in milliseconds by job.", []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}, "job")
	r.RegisterCounter("koltbot_sessions_issued_total", "Session admission attempts by status.", "status")
	r.RegisterCounter("koltbot_connections_total", "Connection handshakes by status.", "status")
	r.RegisterCounter("koltbot_invocations_total", "Stream invocations by kind and outcome.", "kind", "outcome")
	r.RegisterCounter("koltbot_events_sent_total", "Protocol events sent by type and delivery result.", "type", "result")
	r.RegisterHistogram("koltbot_inference_latency_ms", "Inference stream latency in milliseconds by provider and status.", []float64{100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000}, "provider", "status")
	r.RegisterCounter("koltbot_tokens_metered_total", "Tokens added to session usage.")
	r.RegisterCounter("koltbot_ledger_errors_total", "Usage ledger storage failures by operation.", "op")
	r.RegisterCounter("koltbot_aws_retries_total", "Total AWS retries by operation, region, and error code.", "op", "region", "reason")
	r.RegisterCounter("koltbot_aws_retry_exhausted_total", "Total AWS operations that exhausted retry attempts by operation and region.", "op", "region")
	r.RegisterCounter("koltbot_tool_calls_total", "Client tool executions by tool and status.", "tool", "status")
	r.RegisterHistogram("koltbot_tool_latency_ms", "Client tool execution latency in milliseconds by tool.", []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000}, "tool")
}

func (r *Registry) RegisterCounter(name, help string, labels ...string) {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.counters[name]; ok {
		return
	}
	r.reg.MustRegister(vec)
	r.counters[name] = vec
}

func (r *Registry) RegisterHistogram(name, help string, buckets []float64, labels ...string) {
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.histograms[name]; ok {
		return
	}
	r.reg.MustRegister(vec)
	r.histograms[name] = vec
}

func (r *Registry) IncCounter(name string, labels map[string]string) {
	r.AddCounter(name, 1, labels)
}

func (r *Registry) AddCounter(name string, v float64, labels map[string]string) {
	r.mu.RLock()
	vec, ok := r.counters[name]
	r.mu.RUnlock()
	if !ok || v < 0 {
		return
	}
	c, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	c.Add(v)
}

func (r *Registry) ObserveHistogram(name string, value float64, labels map[string]string) {
	r.mu.RLock()
	vec, ok := r.histograms[name]
	r.mu.RUnlock()
	if !ok {
		return
	}
	h, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	h.Observe(value)
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

var (
	defaultMu       sync.Mutex
	defaultRegistry = NewRegistry()
)

func Default() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultRegistry
}

func ResetDefaultForTest() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultRegistry = NewRegistry()
}
