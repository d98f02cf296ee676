// Package scheduler runs every item on its own timer. Each tick collects the
// item's raw output, digests it and hands the result to the dispatcher.
// Items never share state: a slow, failing or panicking item affects only
// its own ticks.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/anti-koerper/antikoerper/internal/collector"
	"github.com/anti-koerper/antikoerper/internal/digest"
	"github.com/anti-koerper/antikoerper/internal/item"
	"github.com/anti-koerper/antikoerper/internal/models"
	"github.com/anti-koerper/antikoerper/internal/stats"
)

const (
	// DefaultShutdownGrace is how long in-flight ticks may run after
	// shutdown begins before their context is cancelled.
	DefaultShutdownGrace = 5 * time.Second

	// warnEvery and warnBurst throttle the warnings a single item can log.
	warnEvery = time.Minute
	warnBurst = 3
)

// Dispatcher receives the result of every successful tick.
type Dispatcher interface {
	Dispatch(ctx context.Context, res models.Result)
}

// State is a snapshot of one item's scheduling history.
type State struct {
	Key          string
	Runs         uint64
	Failures     uint64
	Overruns     uint64
	LastRun      time.Time
	LastSuccess  time.Time
	LastDuration time.Duration
	LastMetrics  int
	LastError    string
}

// task is the scheduling state owned by one item.
type task struct {
	item     *item.Item
	inFlight atomic.Bool
	limiter  *rate.Limiter

	mu         sync.Mutex
	state      State
	consecFail uint64
	suppressed uint64
}

// Scheduler owns one periodic task per item.
type Scheduler struct {
	tasks      []*task
	collector  collector.Collector
	engine     *digest.Engine
	dispatcher Dispatcher
	stats      *stats.Stats
	logger     *zap.Logger
	grace      time.Duration
}

// New creates a scheduler for items. Nothing runs until Start.
func New(items []*item.Item, c collector.Collector, e *digest.Engine, d Dispatcher, st *stats.Stats, logger *zap.Logger) *Scheduler {
	tasks := make([]*task, 0, len(items))
	for _, it := range items {
		tasks = append(tasks, &task{
			item:    it,
			limiter: rate.NewLimiter(rate.Every(warnEvery), warnBurst),
			state:   State{Key: it.Key},
		})
	}
	return &Scheduler{
		tasks:      tasks,
		collector:  c,
		engine:     e,
		dispatcher: d,
		stats:      st,
		logger:     logger.Named("scheduler"),
		grace:      DefaultShutdownGrace,
	}
}

// SetShutdownGrace changes the grace period. Must be called before Start.
func (s *Scheduler) SetShutdownGrace(d time.Duration) {
	if d >= 0 {
		s.grace = d
	}
}

// Start runs all items until ctx is cancelled. Every item ticks once
// immediately and then every interval. On cancellation no further ticks
// are issued; ticks still running get the grace period to finish before
// their context is cancelled, which kills their subprocesses. Start
// returns once every tick has returned.
func (s *Scheduler) Start(ctx context.Context) {
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRun()

	s.logger.Info("Starting scheduler", zap.Int("items", len(s.tasks)))

	var loops, inFlight sync.WaitGroup
	for _, t := range s.tasks {
		loops.Add(1)
		go func(t *task) {
			defer loops.Done()
			s.loop(ctx, runCtx, t, &inFlight)
		}(t)
		s.logger.Debug("Item scheduled",
			zap.String("item", t.item.Key),
			zap.Duration("interval", t.item.Interval))
	}

	<-ctx.Done()
	loops.Wait()

	drained := make(chan struct{})
	go func() {
		inFlight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(s.grace):
		s.logger.Warn("Shutdown grace period expired, cancelling running collections",
			zap.Duration("grace", s.grace))
		cancelRun()
		<-drained
	}
	s.logger.Info("Scheduler stopped")
}

// Status returns a snapshot of every item's state in configuration order.
func (s *Scheduler) Status() []State {
	out := make([]State, 0, len(s.tasks))
	for _, t := range s.tasks {
		t.mu.Lock()
		out = append(out, t.state)
		t.mu.Unlock()
	}
	return out
}

func (s *Scheduler) loop(ctx, runCtx context.Context, t *task, inFlight *sync.WaitGroup) {
	ticker := time.NewTicker(t.item.Interval)
	defer ticker.Stop()

	if ctx.Err() != nil {
		return
	}
	s.tick(runCtx, t, inFlight)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// select picks randomly when both are ready.
			if ctx.Err() != nil {
				return
			}
			s.tick(runCtx, t, inFlight)
		}
	}
}

// tick starts a collection unless the previous one is still running, in
// which case the tick is skipped and counted as an overrun.
func (s *Scheduler) tick(ctx context.Context, t *task, inFlight *sync.WaitGroup) {
	if !t.inFlight.CompareAndSwap(false, true) {
		s.stats.Overrun(t.item.Key)
		t.mu.Lock()
		t.state.Overruns++
		t.mu.Unlock()
		if t.limiter.Allow() {
			s.logger.Warn("Collection overrun, skipping tick",
				zap.String("item", t.item.Key),
				zap.Duration("interval", t.item.Interval))
		}
		return
	}

	inFlight.Add(1)
	go func() {
		defer inFlight.Done()
		defer t.inFlight.Store(false)
		s.run(ctx, t)
	}()
}

// run performs one collect, digest and dispatch cycle.
func (s *Scheduler) run(ctx context.Context, t *task) {
	it := t.item
	ts := time.Now()

	defer func() {
		if r := recover(); r != nil {
			s.stats.CollectionFailed(it.Key, time.Since(ts))
			s.fail(t, ts, time.Since(ts), fmt.Errorf("panic: %v", r))
		}
	}()

	raw, err := s.collector.Collect(ctx, it)
	if err != nil {
		took := time.Since(ts)
		s.stats.CollectionFailed(it.Key, took)
		s.fail(t, ts, took, err)
		return
	}

	metrics := s.engine.Digest(it.Key, it.Digest, raw.Output, ts)
	s.stats.CollectionSucceeded(it.Key, raw.Duration, len(metrics))

	s.logger.Debug("Collected item",
		zap.String("item", it.Key),
		zap.Int("exit_code", raw.ExitCode),
		zap.Int("metrics", len(metrics)),
		zap.Duration("took", raw.Duration))

	s.dispatcher.Dispatch(ctx, models.Result{
		ItemKey:   it.Key,
		Metrics:   metrics,
		Raw:       strings.TrimSpace(raw.Output),
		Timestamp: ts,
	})

	t.mu.Lock()
	recovered := t.consecFail
	t.consecFail = 0
	t.state.Runs++
	t.state.LastRun = ts
	t.state.LastSuccess = ts
	t.state.LastDuration = raw.Duration
	t.state.LastMetrics = len(metrics)
	t.state.LastError = ""
	t.mu.Unlock()

	if recovered > 0 {
		s.logger.Info("Item recovered",
			zap.String("item", it.Key),
			zap.Uint64("failed_ticks", recovered))
	}
}

// fail records a failed tick and logs it unless the item has exhausted
// its warning budget.
func (s *Scheduler) fail(t *task, ts time.Time, took time.Duration, err error) {
	t.mu.Lock()
	t.consecFail++
	t.state.Runs++
	t.state.Failures++
	t.state.LastRun = ts
	t.state.LastDuration = took
	t.state.LastError = err.Error()
	allow := t.limiter.Allow()
	suppressed := t.suppressed
	if allow {
		t.suppressed = 0
	} else {
		t.suppressed++
	}
	t.mu.Unlock()

	if allow {
		s.logger.Warn("Collection failed",
			zap.String("item", t.item.Key),
			zap.Uint64("suppressed", suppressed),
			zap.Error(err))
	}
}
