package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Counter names shared by the services.
const (
	DecisionsTotal      = "decisions_total"
	EvaluationsTotal    = "evaluations_total"
	EvaluationFailures  = "evaluation_failures_total"
	HandlerFailures     = "handler_failures_total"
	PublishFailures     = "publish_failures_total"
	AuditAppended       = "audit_records_total"
	AuditDuplicates     = "audit_duplicates_total"
	AuditUndecodable    = "audit_undecodable_total"
	AuditStoreRetries   = "audit_store_retries_total"
	AuditLagGauge       = "audit_lag_ms"
	AuditSeqGauge       = "audit_chain_seq"
	EvaluationHistogram = "evaluate"
)

// Registry is an in-process metrics store exposed as JSON and Prometheus text.
type Registry struct {
	mu         sync.RWMutex
	endpoint   map[string]*EndpointStat
	counters   map[string]map[string]int64
	gauges     map[string]float64
	Histograms *HistogramRegistry
	now        func() time.Time
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt string                      `json:"generated_at"`
	Endpoints   map[string]EndpointStat     `json:"endpoints"`
	Counters    map[string]map[string]int64 `json:"counters"`
	Gauges      map[string]float64          `json:"gauges"`
	Histograms  []HistogramSnapshot         `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:   map[string]*EndpointStat{},
		counters:   map[string]map[string]int64{},
		gauges:     map[string]float64{},
		Histograms: NewHistogramRegistry(),
		now:        time.Now,
	}
}

func (r *Registry) ObserveLatency(name string, d time.Duration) {
	r.Histograms.ObserveDuration(name, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// Inc adds one to counter name under label. An empty label is recorded as "all".
func (r *Registry) Inc(name, label string) {
	r.Add(name, label, 1)
}

func (r *Registry) Add(name, label string, delta int64) {
	name = strings.TrimSpace(name)
	if name == "" || delta <= 0 {
		return
	}
	label = strings.TrimSpace(label)
	if label == "" {
		label = "all"
	}
	r.mu.Lock()
	byLabel, ok := r.counters[name]
	if !ok {
		byLabel = map[string]int64{}
		r.counters[name] = byLabel
	}
	byLabel[label] += delta
	r.mu.Unlock()
}

// Counter returns the current value of name/label.
func (r *Registry) Counter(name, label string) int64 {
	if label == "" {
		label = "all"
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[name][label]
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt: r.now().UTC().Format(time.RFC3339),
		Endpoints:   make(map[string]EndpointStat, len(r.endpoint)),
		Counters:    make(map[string]map[string]int64, len(r.counters)),
		Gauges:      make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for name, byLabel := range r.counters {
		cp := make(map[string]int64, len(byLabel))
		for k, v := range byLabel {
			cp[k] = v
		}
		out.Counters[name] = cp
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

// Middleware records count, status and latency per route name.
func (r *Registry) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := r.now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, req)
			elapsed := r.now().Sub(start)
			r.Observe(route, rec.status, elapsed)
			r.ObserveLatency(route, elapsed)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if strings.Contains(req.Header.Get("Accept"), "text/plain") || req.URL.Query().Get("format") == "prometheus" {
			r.PrometheusHandler()(w, req)
			return
		}
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP guardrails_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE guardrails_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "guardrails_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP guardrails_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE guardrails_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "guardrails_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		for _, name := range SortedKeys(snap.Counters) {
			fmt.Fprintf(b, "# TYPE guardrails_%s counter\n", name)
			for _, label := range SortedKeys(snap.Counters[name]) {
				fmt.Fprintf(b, "guardrails_%s{label=%q} %d\n", name, label, snap.Counters[name][label])
			}
		}
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "# TYPE guardrails_%s gauge\n", name)
			fmt.Fprintf(b, "guardrails_%s %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP guardrails_latency_seconds latency histogram\n")
			b.WriteString("# TYPE guardrails_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "guardrails_latency_seconds_bucket{name=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "guardrails_latency_seconds_bucket{name=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "guardrails_latency_seconds_sum{name=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "guardrails_latency_seconds_count{name=%q} %d\n", h.Name, h.Count)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
