// Package digest turns the raw output of an item into zero or more metrics.
// Digesting never fails: output that does not fit the configured strategy
// yields fewer (possibly zero) metrics and a log entry.
package digest

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/anti-koerper/antikoerper/internal/item"
	"github.com/anti-koerper/antikoerper/internal/models"
)

// Engine applies digest strategies. It holds no per-item state and is safe
// for concurrent use.
type Engine struct {
	logger *zap.Logger
}

// New creates a digest engine that reports dropped values to logger.
func New(logger *zap.Logger) *Engine {
	return &Engine{logger: logger}
}

// Digest reduces raw to metrics according to d. Every returned metric is
// keyed "<itemKey>.<suffix>", stamped with ts, and keys are unique within
// the returned slice.
func (e *Engine) Digest(itemKey string, d item.Digest, raw string, ts time.Time) []models.Metric {
	set := newMetricSet(itemKey, ts, e.logger)
	switch d := d.(type) {
	case item.Raw:
		e.digestRaw(set, raw)
	case item.Regex:
		e.digestRegex(set, d, raw)
	case item.MonitoringPlugin:
		e.digestPlugin(set, raw)
	default:
		panic(fmt.Sprintf("digest: unhandled digest kind %T", d))
	}
	return set.metrics
}

func (e *Engine) digestRaw(set *metricSet, raw string) {
	text := strings.TrimSpace(raw)
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		e.logger.Debug("Output is not a number",
			zap.String("item", set.itemKey),
			zap.String("output", truncate(text)))
		return
	}
	set.add(f, models.SuffixParsed)
}

// metricSet accumulates metrics for one digestion, keeping insertion order
// and dropping duplicate keys. The "<item>.raw" key is never produced.
type metricSet struct {
	itemKey string
	ts      time.Time
	logger  *zap.Logger
	seen    map[string]struct{}
	metrics []models.Metric
}

func newMetricSet(itemKey string, ts time.Time, logger *zap.Logger) *metricSet {
	return &metricSet{
		itemKey: itemKey,
		ts:      ts,
		logger:  logger,
		seen:    make(map[string]struct{}),
	}
}

func (s *metricSet) add(value float64, suffix ...string) {
	key := models.Key(s.itemKey, suffix...)
	if !models.HasItemPrefix(key, s.itemKey) {
		return
	}
	if key == models.RawKey(s.itemKey) {
		s.logger.Warn("Dropping metric that would shadow the raw output", zap.String("key", key))
		return
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		s.logger.Warn("Dropping non-finite value",
			zap.String("key", key),
			zap.Float64("value", value))
		return
	}
	if _, dup := s.seen[key]; dup {
		s.logger.Warn("Dropping duplicate metric key", zap.String("key", key))
		return
	}
	s.seen[key] = struct{}{}
	s.metrics = append(s.metrics, models.Metric{
		Key:       key,
		Value:     models.Number(value),
		Timestamp: s.ts,
	})
}

const maxLoggedOutput = 256

func truncate(s string) string {
	if len(s) <= maxLoggedOutput {
		return s
	}
	return s[:maxLoggedOutput] + "..."
}
