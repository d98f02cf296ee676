package output

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/anti-koerper/antikoerper/internal/models"
	"github.com/anti-koerper/antikoerper/internal/stats"
)

// Dispatcher routes the result of one tick to every configured sink.
// The target list is fixed at construction and read-only afterwards, so
// Dispatch may be called from any number of item tasks at once.
type Dispatcher struct {
	targets []Target
	stats   *stats.Stats
	logger  *zap.Logger
}

// NewDispatcher creates a dispatcher over the given targets. stats may be nil.
func NewDispatcher(targets []Target, st *stats.Stats, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		targets: targets,
		stats:   st,
		logger:  logger.Named("output"),
	}
}

// Dispatch writes the result to each sink according to its raw policy.
// Sink failures are logged and counted, never returned: a broken sink
// must not affect the item that produced the result or the other sinks.
func (d *Dispatcher) Dispatch(ctx context.Context, res models.Result) {
	for _, t := range d.targets {
		batch := Batch(res, t.Policy)
		if len(batch) == 0 {
			continue
		}

		name := t.Sink.Name()
		err := t.Sink.Write(ctx, batch)
		switch {
		case err == nil:
			d.stats.SinkWrite(name, stats.ResultOK)
		case errors.Is(err, ErrQueueFull):
			d.stats.SinkWrite(name, stats.ResultDropped)
			d.logger.Warn("Sink queue full, dropping batch",
				zap.String("sink", name),
				zap.String("item", res.ItemKey),
				zap.Int("metrics", len(batch)))
		default:
			d.stats.SinkWrite(name, stats.ResultError)
			d.logger.Error("Sink write failed",
				zap.String("sink", name),
				zap.String("item", res.ItemKey),
				zap.Error(err))
		}
	}
}

// Close closes every sink and returns the joined errors.
func (d *Dispatcher) Close() error {
	var errs []error
	for _, t := range d.targets {
		if err := t.Sink.Close(); err != nil {
			errs = append(errs, &SinkError{Sink: t.Sink.Name(), Err: err})
		}
	}
	return errors.Join(errs...)
}

// Batch builds what a sink with the given policy receives for one result:
// the digested metrics, followed by the raw output when the policy asks
// for it.
func Batch(res models.Result, policy RawPolicy) []models.Metric {
	withRaw := policy.wantsRaw(len(res.Metrics))
	n := len(res.Metrics)
	if withRaw {
		n++
	}
	if n == 0 {
		return nil
	}

	batch := make([]models.Metric, 0, n)
	batch = append(batch, res.Metrics...)
	if withRaw {
		batch = append(batch, res.RawMetric())
	}
	return batch
}
