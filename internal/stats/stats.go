// Package stats counts what the daemon does: collections, overruns, emitted
// metrics and sink writes. Counters are Prometheus collectors on a private
// registry that can be exposed over HTTP. A nil *Stats is valid and counts
// nothing.
package stats

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "antikoerper"

// Result label values.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultDropped = "dropped"
	ResultSpooled = "spooled"
)

// Stats holds the daemon's own counters.
type Stats struct {
	registry *prometheus.Registry

	collections        *prometheus.CounterVec
	collectionDuration *prometheus.HistogramVec
	overruns           *prometheus.CounterVec
	metricsEmitted     *prometheus.CounterVec
	sinkWrites         *prometheus.CounterVec
	sinkDeliveries     *prometheus.CounterVec
}

// New creates and registers all counters.
func New() *Stats {
	s := &Stats{
		registry: prometheus.NewRegistry(),
		collections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collections_total",
			Help:      "Collections per item by result.",
		}, []string{"item", "result"}),
		collectionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "collection_duration_seconds",
			Help:      "Time spent acquiring an item's raw output.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"item"}),
		overruns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overruns_total",
			Help:      "Ticks skipped because the previous collection was still running.",
		}, []string{"item"}),
		metricsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metrics_emitted_total",
			Help:      "Metrics produced by digestion.",
		}, []string{"item"}),
		sinkWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_writes_total",
			Help:      "Batches handed to sinks by result.",
		}, []string{"sink", "result"}),
		sinkDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_deliveries_total",
			Help:      "Batches delivered by asynchronous sinks by result.",
		}, []string{"sink", "result"}),
	}
	s.registry.MustRegister(
		s.collections,
		s.collectionDuration,
		s.overruns,
		s.metricsEmitted,
		s.sinkWrites,
		s.sinkDeliveries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return s
}

// Registry returns the registry the counters live on.
func (s *Stats) Registry() *prometheus.Registry {
	return s.registry
}

// Collections returns the collections_total vector, labelled item and result.
func (s *Stats) Collections() *prometheus.CounterVec { return s.collections }

// Overruns returns the overruns_total vector, labelled item.
func (s *Stats) Overruns() *prometheus.CounterVec { return s.overruns }

// SinkWrites returns the sink_writes_total vector, labelled sink and result.
func (s *Stats) SinkWrites() *prometheus.CounterVec { return s.sinkWrites }

// SinkDeliveries returns the sink_deliveries_total vector, labelled sink
// and result.
func (s *Stats) SinkDeliveries() *prometheus.CounterVec { return s.sinkDeliveries }

// CollectionSucceeded records a successful collection and the number of
// metrics its digestion produced.
func (s *Stats) CollectionSucceeded(itemKey string, took time.Duration, metrics int) {
	if s == nil {
		return
	}
	s.collections.WithLabelValues(itemKey, ResultOK).Inc()
	s.collectionDuration.WithLabelValues(itemKey).Observe(took.Seconds())
	s.metricsEmitted.WithLabelValues(itemKey).Add(float64(metrics))
}

// CollectionFailed records a failed collection.
func (s *Stats) CollectionFailed(itemKey string, took time.Duration) {
	if s == nil {
		return
	}
	s.collections.WithLabelValues(itemKey, ResultError).Inc()
	s.collectionDuration.WithLabelValues(itemKey).Observe(took.Seconds())
}

// Overrun records a skipped tick.
func (s *Stats) Overrun(itemKey string) {
	if s == nil {
		return
	}
	s.overruns.WithLabelValues(itemKey).Inc()
}

// SinkWrite records the outcome of handing a batch to a sink.
func (s *Stats) SinkWrite(sink, result string) {
	if s == nil {
		return
	}
	s.sinkWrites.WithLabelValues(sink, result).Inc()
}

// SinkDelivery records the outcome of an asynchronous sink transmitting a
// batch it accepted earlier.
func (s *Stats) SinkDelivery(sink, result string) {
	if s == nil {
		return
	}
	s.sinkDeliveries.WithLabelValues(sink, result).Inc()
}

// Serve exposes the counters at /metrics on addr until ctx is done.
func (s *Stats) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Serving internal metrics", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
