// Package output fans digestion results out to the configured sinks.
// A Sink persists or transmits batches of metrics; the Dispatcher decides per
// sink which metrics of a result (parsed values, raw output or both) go into
// the batch, and keeps one sink's failure away from the others and from the
// scheduler.
package output

import (
	"context"
	"errors"
	"fmt"

	"github.com/anti-koerper/antikoerper/internal/models"
)

// ErrQueueFull is returned by asynchronous sinks when their send queue has
// no room for another batch. The batch is dropped.
var ErrQueueFull = errors.New("sink queue full")

// Sink is the uniform contract every destination implements. Write must be
// safe for concurrent use by multiple item tasks and must not block longer
// than the sink's own bounded timeout.
type Sink interface {
	// Name identifies the sink in logs and counters.
	Name() string
	// Write persists or enqueues one batch.
	Write(ctx context.Context, batch []models.Metric) error
	// Close flushes pending data and releases resources.
	Close() error
}

// SinkError is a write or connection failure of a single sink.
type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink %s: %v", e.Sink, e.Err)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}

// RawPolicy controls when a sink receives the raw output of an item under
// the key "<item>.raw".
type RawPolicy struct {
	// AlwaysWriteRaw sends the raw output on every tick.
	AlwaysWriteRaw bool
	// UseRawAsFallback sends the raw output only when digestion produced
	// no metrics.
	UseRawAsFallback bool
}

// wantsRaw reports whether a result with the given number of digested
// metrics should carry its raw output to the sink.
func (p RawPolicy) wantsRaw(digested int) bool {
	return p.AlwaysWriteRaw || (p.UseRawAsFallback && digested == 0)
}

// Target pairs a sink with its raw output policy.
type Target struct {
	Sink   Sink
	Policy RawPolicy
}
