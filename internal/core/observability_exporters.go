package core

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"stockroom/pkg/domain"
)

var expvarSeq uint64

// OperationStats aggregates the outcomes of one operation.
type OperationStats struct {
	Calls   int64   `json:"calls"`
	Errors  int64   `json:"errors"`
	TotalMS float64 `json:"total_ms"`
	MaxMS   float64 `json:"max_ms"`
}

// ExpvarMetricsRecorder publishes per-operation stats under one expvar name.
// It suits single-process deployments that do not scrape Prometheus.
type ExpvarMetricsRecorder struct {
	name string
	mu   sync.Mutex
	ops  map[string]*OperationStats
}

// NewExpvarMetricsRecorder publishes a recorder under name. When name is
// empty a unique name is generated.
func NewExpvarMetricsRecorder(name string) *ExpvarMetricsRecorder {
	if name == "" {
		name = fmt.Sprintf("stockroom_engine_%d", atomic.AddUint64(&expvarSeq, 1))
	}
	rec := &ExpvarMetricsRecorder{name: name, ops: make(map[string]*OperationStats)}
	expvar.Publish(name, expvar.Func(func() any { return rec.Snapshot() }))
	return rec
}

// Name returns the expvar export name.
func (r *ExpvarMetricsRecorder) Name() string { return r.name }

// Snapshot copies the current stats keyed by operation.
func (r *ExpvarMetricsRecorder) Snapshot() map[string]OperationStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]OperationStats, len(r.ops))
	for op, stats := range r.ops {
		out[op] = *stats
	}
	return out
}

// Observe implements MetricsRecorder.
func (r *ExpvarMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	ms := float64(duration) / float64(time.Millisecond)
	r.mu.Lock()
	defer r.mu.Unlock()
	stats, ok := r.ops[operation]
	if !ok {
		stats = &OperationStats{}
		r.ops[operation] = stats
	}
	stats.Calls++
	if !success {
		stats.Errors++
	}
	stats.TotalMS += ms
	stats.MaxMS = max(stats.MaxMS, ms)
}

// SpanRecord is one finished span written by JSONTracer.
type SpanRecord struct {
	Operation  string      `json:"operation"`
	Actor      string      `json:"actor"`
	Code       domain.Code `json:"code,omitempty"`
	Error      string      `json:"error,omitempty"`
	DurationMS float64     `json:"duration_ms"`
	StartedAt  time.Time   `json:"started_at"`
}

// JSONTracer writes finished spans as JSON lines and keeps the most recent
// ones in memory.
type JSONTracer struct {
	mu     sync.Mutex
	enc    *json.Encoder
	keep   int
	recent []SpanRecord
}

// NewJSONTracer writes spans to w, which may be nil, and retains up to keep
// spans for Recent.
func NewJSONTracer(w io.Writer, keep int) *JSONTracer {
	t := &JSONTracer{keep: keep}
	if w != nil {
		t.enc = json.NewEncoder(w)
	}
	return t
}

// Recent returns the retained spans, oldest first.
func (t *JSONTracer) Recent() []SpanRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SpanRecord, len(t.recent))
	copy(out, t.recent)
	return out
}

// Start implements Tracer.
func (t *JSONTracer) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	return ctx, &jsonSpan{tracer: t, record: SpanRecord{
		Operation: operation,
		Actor:     actorFrom(ctx),
		StartedAt: time.Now().UTC(),
	}}
}

type jsonSpan struct {
	tracer *JSONTracer
	record SpanRecord
}

func (s *jsonSpan) End(err error) {
	rec := s.record
	rec.DurationMS = float64(time.Since(rec.StartedAt)) / float64(time.Millisecond)
	if err != nil {
		rec.Code = domain.CodeOf(err)
		rec.Error = err.Error()
	}
	t := s.tracer
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.keep > 0 {
		t.recent = append(t.recent, rec)
		if len(t.recent) > t.keep {
			t.recent = t.recent[len(t.recent)-t.keep:]
		}
	}
	if t.enc != nil {
		_ = t.enc.Encode(rec)
	}
}
