// Package collector acquires the raw output of an item: it reads a file, runs
// a script through the shell, or runs a command directly. Every collection is
// bounded by a timeout; a process that outlives it is killed together with
// its children.
package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anti-koerper/antikoerper/internal/item"
)

// Collector is the interface the scheduler uses to acquire raw output.
type Collector interface {
	// Collect runs the input of it once. The context allows for
	// cancellation on shutdown; the implementation applies its own timeout
	// on top of it.
	Collect(ctx context.Context, it *item.Item) (*RawResult, error)
}

// RawResult holds the output of one successful collection.
type RawResult struct {
	Output string
	// ExitCode is the exit status of Shell and Command inputs and -1 for
	// File inputs. A non-zero exit code is not a collection failure.
	ExitCode int
	Duration time.Duration
}

// ErrTimeout is wrapped by collection errors caused by the timeout.
var ErrTimeout = errors.New("collection timed out")

// CollectionError reports that an item's input could not be acquired.
type CollectionError struct {
	Item  string
	Input string
	Err   error
}

func (e *CollectionError) Error() string {
	return fmt.Sprintf("item %s: %s input: %v", e.Item, e.Input, e.Err)
}

func (e *CollectionError) Unwrap() error { return e.Err }
