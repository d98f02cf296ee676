package output

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/anti-koerper/antikoerper/internal/models"
	"github.com/anti-koerper/antikoerper/internal/stats"
)

// recordingSink keeps every batch it receives.
type recordingSink struct {
	name string
	err  error

	mu      sync.Mutex
	batches [][]models.Metric
	closed  bool
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Write(_ context.Context, batch []models.Metric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
	return s.err
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.err
}

func (s *recordingSink) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for _, b := range s.batches {
		for _, m := range b {
			keys = append(keys, m.Key)
		}
	}
	return keys
}

var tickTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func resultWith(metrics ...models.Metric) models.Result {
	return models.Result{
		ItemKey:   "os.loadavg",
		Metrics:   metrics,
		Raw:       "0.52 0.61 0.70",
		Timestamp: tickTime,
	}
}

func metric(key string, v float64) models.Metric {
	return models.Metric{Key: key, Value: models.Number(v), Timestamp: tickTime}
}

func TestBatch_Policies(t *testing.T) {
	parsed := resultWith(metric("os.loadavg.load1m", 0.52))
	empty := resultWith()

	tests := []struct {
		name   string
		res    models.Result
		policy RawPolicy
		want   []string
	}{
		{"metrics only", parsed, RawPolicy{}, []string{"os.loadavg.load1m"}},
		{"fallback with metrics", parsed, RawPolicy{UseRawAsFallback: true}, []string{"os.loadavg.load1m"}},
		{"fallback without metrics", empty, RawPolicy{UseRawAsFallback: true}, []string{"os.loadavg.raw"}},
		{"always raw with metrics", parsed, RawPolicy{AlwaysWriteRaw: true}, []string{"os.loadavg.load1m", "os.loadavg.raw"}},
		{"always raw without metrics", empty, RawPolicy{AlwaysWriteRaw: true}, []string{"os.loadavg.raw"}},
		{"nothing to write", empty, RawPolicy{}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var keys []string
			for _, m := range Batch(tt.res, tt.policy) {
				keys = append(keys, m.Key)
			}
			assert.Equal(t, tt.want, keys)
		})
	}
}

func TestBatch_RawCarriesOutputAndTimestamp(t *testing.T) {
	batch := Batch(resultWith(), RawPolicy{UseRawAsFallback: true})
	require.Len(t, batch, 1)
	assert.True(t, batch[0].Value.IsRaw())
	assert.Equal(t, "0.52 0.61 0.70", batch[0].Value.Text())
	assert.Equal(t, tickTime, batch[0].Timestamp)
}

func TestDispatch_FallbackPerSink(t *testing.T) {
	fallback := &recordingSink{name: "fallback"}
	plain := &recordingSink{name: "plain"}
	d := NewDispatcher([]Target{
		{Sink: fallback, Policy: RawPolicy{UseRawAsFallback: true}},
		{Sink: plain},
	}, nil, zaptest.NewLogger(t))

	d.Dispatch(context.Background(), resultWith())
	assert.Equal(t, []string{"os.loadavg.raw"}, fallback.keys())
	assert.Empty(t, plain.batches, "empty batches are not written")

	d.Dispatch(context.Background(), resultWith(metric("os.loadavg.load1m", 0.52)))
	assert.Equal(t, []string{"os.loadavg.raw", "os.loadavg.load1m"}, fallback.keys())
	assert.Equal(t, []string{"os.loadavg.load1m"}, plain.keys())
}

func TestDispatch_SinkFailureIsIsolated(t *testing.T) {
	st := stats.New()
	broken := &recordingSink{name: "broken", err: errors.New("disk full")}
	full := &recordingSink{name: "full", err: &SinkError{Sink: "full", Err: ErrQueueFull}}
	healthy := &recordingSink{name: "healthy"}

	d := NewDispatcher([]Target{{Sink: broken}, {Sink: full}, {Sink: healthy}}, st, zaptest.NewLogger(t))
	d.Dispatch(context.Background(), resultWith(metric("os.loadavg.load1m", 0.52)))

	assert.Len(t, healthy.batches, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(st.SinkWrites().WithLabelValues("broken", stats.ResultError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(st.SinkWrites().WithLabelValues("full", stats.ResultDropped)))
	assert.Equal(t, 1.0, testutil.ToFloat64(st.SinkWrites().WithLabelValues("healthy", stats.ResultOK)))
}

func TestDispatcher_CloseJoinsErrors(t *testing.T) {
	a := &recordingSink{name: "a", err: errors.New("boom")}
	b := &recordingSink{name: "b"}
	d := NewDispatcher([]Target{{Sink: a}, {Sink: b}}, nil, zaptest.NewLogger(t))

	err := d.Close()
	require.Error(t, err)
	var se *SinkError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "a", se.Sink)
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}
