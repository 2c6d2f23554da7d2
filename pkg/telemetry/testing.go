// ABOUTME: Telemetry doubles for engine and gRPC tests: a no-op provider and an in-memory Recorder
// ABOUTME: Recorder keeps counter sums, histogram sample counts and span names for assertions

package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// NewForTesting returns telemetry that drops everything, for tests that
// only need a non-nil provider.
func NewForTesting() Telemetry {
	return NewNoop()
}

// Recorder is an in-memory Telemetry. It is safe for concurrent use.
type Recorder struct {
	mu         sync.Mutex
	counters   map[string]int64
	attrs      map[string][]attribute.KeyValue
	histograms map[string]int
	spans      []string
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		counters:   make(map[string]int64),
		attrs:      make(map[string][]attribute.KeyValue),
		histograms: make(map[string]int),
	}
}

func (r *Recorder) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	r.mu.Lock()
	r.histograms[name]++
	r.mu.Unlock()
}

func (r *Recorder) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
	r.mu.Lock()
	r.counters[name] += value
	r.attrs[name] = attrs
	r.mu.Unlock()
}

func (r *Recorder) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	r.mu.Lock()
	r.spans = append(r.spans, name)
	r.mu.Unlock()
	return ctx, trace.SpanFromContext(ctx)
}

func (r *Recorder) Shutdown(ctx context.Context) error { return nil }

// Counter returns the sum of every value recorded under name.
func (r *Recorder) Counter(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[name]
}

// CounterAttrs returns the attributes of the last sample recorded under name.
func (r *Recorder) CounterAttrs(name string) []attribute.KeyValue {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attrs[name]
}

// Histogram returns how many samples were recorded under name.
func (r *Recorder) Histogram(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.histograms[name]
}

// HistogramTotal returns the sample count across all histograms.
func (r *Recorder) HistogramTotal() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.histograms {
		n += c
	}
	return n
}

// Spans returns the names of started spans in order.
func (r *Recorder) Spans() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.spans...)
}
