package rpc

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// dispatchMetrics records per-operation call counts, error counts, and
// latency, via the otel metric API. steveyegge-beads hand-rolls this
// bookkeeping in internal/rpc/metrics.go; since beads' own go.mod already
// vendors the full otel SDK, this substitutes the library the corpus
// already ships for the teacher's bespoke struct.
type dispatchMetrics struct {
	calls    metric.Int64Counter
	errors   metric.Int64Counter
	latency  metric.Float64Histogram

	mu      sync.Mutex
	counts  map[string]int64
	errs    map[string]int64
	lastDur map[string]time.Duration
}

func newDispatchMetrics(meter metric.Meter) (*dispatchMetrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("agentcore")
	}
	calls, err := meter.Int64Counter("agentcore.rpc.calls",
		metric.WithDescription("RPC calls handled, by operation"))
	if err != nil {
		return nil, err
	}
	errs, err := meter.Int64Counter("agentcore.rpc.errors",
		metric.WithDescription("RPC calls that returned a failure envelope, by operation"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("agentcore.rpc.latency_ms",
		metric.WithDescription("RPC handler latency in milliseconds, by operation"))
	if err != nil {
		return nil, err
	}
	return &dispatchMetrics{
		calls:   calls,
		errors:  errs,
		latency: latency,
		counts:  map[string]int64{},
		errs:    map[string]int64{},
		lastDur: map[string]time.Duration{},
	}, nil
}

func (m *dispatchMetrics) record(ctx context.Context, operation string, success bool, dur time.Duration) {
	attrs := metric.WithAttributes(attribute.String("operation", operation))
	m.calls.Add(ctx, 1, attrs)
	m.latency.Record(ctx, float64(dur.Microseconds())/1000.0, attrs)
	if !success {
		m.errors.Add(ctx, 1, attrs)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[operation]++
	if !success {
		m.errs[operation]++
	}
	m.lastDur[operation] = dur
}

// OpSnapshot is one operation's accumulated call counters, returned by the
// "metrics" RPC op.
type OpSnapshot struct {
	Operation     string `json:"operation"`
	Calls         int64  `json:"calls"`
	Errors        int64  `json:"errors"`
	LastLatencyUs int64  `json:"last_latency_us"`
}

func (m *dispatchMetrics) snapshot() []OpSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OpSnapshot, 0, len(m.counts))
	for op, n := range m.counts {
		out = append(out, OpSnapshot{
			Operation:     op,
			Calls:         n,
			Errors:        m.errs[op],
			LastLatencyUs: m.lastDur[op].Microseconds(),
		})
	}
	return out
}
