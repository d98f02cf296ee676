package output

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"sync"
	"time"

	client "github.com/influxdata/influxdb1-client/v2"
	"github.com/shirou/gopsutil/v3/host"
	"go.uber.org/zap"

	"github.com/anti-koerper/antikoerper/internal/buffer"
	"github.com/anti-koerper/antikoerper/internal/models"
	"github.com/anti-koerper/antikoerper/internal/stats"
)

// InfluxSinkName is the name InfluxDB sinks report in logs and counters.
const InfluxSinkName = "influxdb"

const (
	// maxRetries is the number of retries after a failed write before the
	// batch is spooled or dropped.
	maxRetries = 3

	// baseRetryDelay is the base delay for exponential backoff between retries.
	baseRetryDelay = 2 * time.Second

	// requestTimeout bounds each HTTP write.
	requestTimeout = 10 * time.Second

	// maxReplays is how many times the server may reject a spooled batch
	// before it is dropped.
	maxReplays = 3

	// drainTimeout is how long Close waits for queued batches to be sent
	// before spooling the rest.
	drainTimeout = 15 * time.Second

	// DefaultQueueSize is the number of batches that may wait for the writer.
	DefaultQueueSize = 256
)

var errSinkClosed = errors.New("sink closed")

// InfluxConfig configures an InfluxDB sink.
type InfluxConfig struct {
	URL      string
	Database string
	Username string
	Password string
	// Tags are added to every point, after the host tag.
	Tags map[string]string
	// QueueSize defaults to DefaultQueueSize.
	QueueSize int
	// SpoolDir enables on-disk spooling of batches that exhausted their
	// retries. Empty disables spooling.
	SpoolDir   string
	SpoolMaxMB int
}

// InfluxSink transmits batches to an InfluxDB 1.x HTTP endpoint. Write only
// enqueues; a single writer goroutine owns the connection and sends one
// request per batch with bounded retries.
type InfluxSink struct {
	client     client.Client
	database   string
	tags       map[string]string
	spool      *buffer.Buffer
	stats      *stats.Stats
	logger     *zap.Logger
	retryDelay time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan []models.Metric

	done      chan struct{}
	abort     chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewInfluxSink connects the sink and starts its writer. Batches left in
// the spool by a previous run are sent first.
func NewInfluxSink(ctx context.Context, cfg InfluxConfig, st *stats.Stats, logger *zap.Logger) (*InfluxSink, error) {
	return newInfluxSink(ctx, cfg, st, logger, baseRetryDelay)
}

func newInfluxSink(ctx context.Context, cfg InfluxConfig, st *stats.Stats, logger *zap.Logger, retryDelay time.Duration) (*InfluxSink, error) {
	logger = logger.Named("influxdb")

	c, err := client.NewHTTPClient(client.HTTPConfig{
		Addr:     cfg.URL,
		Username: cfg.Username,
		Password: cfg.Password,
		Timeout:  requestTimeout,
	})
	if err != nil {
		return nil, &SinkError{Sink: InfluxSinkName, Err: fmt.Errorf("creating client: %w", err)}
	}

	var spool *buffer.Buffer
	if cfg.SpoolDir != "" {
		spool, err = buffer.New(cfg.SpoolDir, cfg.SpoolMaxMB, logger.Named("spool"))
		if err != nil {
			c.Close()
			return nil, &SinkError{Sink: InfluxSinkName, Err: err}
		}
	}

	size := cfg.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}

	s := &InfluxSink{
		client:     c,
		database:   cfg.Database,
		tags:       pointTags(ctx, cfg.Tags, logger),
		spool:      spool,
		stats:      st,
		logger:     logger,
		retryDelay: retryDelay,
		queue:      make(chan []models.Metric, size),
		done:       make(chan struct{}),
		abort:      make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// pointTags resolves the host tag and merges the configured tags over it.
func pointTags(ctx context.Context, extra map[string]string, logger *zap.Logger) map[string]string {
	tags := make(map[string]string, len(extra)+1)

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if info, err := host.InfoWithContext(lookupCtx); err == nil && info.Hostname != "" {
		tags["host"] = info.Hostname
	} else if name, herr := os.Hostname(); herr == nil {
		tags["host"] = name
	} else {
		logger.Warn("Could not determine hostname", zap.Error(err))
	}

	for k, v := range extra {
		tags[k] = v
	}
	return tags
}

// Name implements Sink.
func (s *InfluxSink) Name() string { return InfluxSinkName }

// Write enqueues the batch without blocking. It fails with ErrQueueFull
// when the writer is behind by more than the queue size.
func (s *InfluxSink) Write(_ context.Context, batch []models.Metric) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return &SinkError{Sink: InfluxSinkName, Err: errSinkClosed}
	}
	select {
	case s.queue <- batch:
		return nil
	default:
		s.stats.SinkDelivery(InfluxSinkName, stats.ResultDropped)
		return &SinkError{Sink: InfluxSinkName, Err: ErrQueueFull}
	}
}

// Close stops accepting batches and waits for the queue to drain. Batches
// still queued after the drain timeout are spooled, or dropped when no
// spool is configured.
func (s *InfluxSink) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()

		select {
		case <-s.done:
		case <-time.After(drainTimeout):
			s.logger.Warn("Drain timeout reached, spooling remaining batches",
				zap.Int("queued", len(s.queue)))
			close(s.abort)
			<-s.done
		}
		s.closeErr = s.client.Close()
	})
	return s.closeErr
}

func (s *InfluxSink) run() {
	defer close(s.done)

	s.flushSpool()

	for batch := range s.queue {
		if s.aborted() {
			s.spoolBatch(batch)
			continue
		}
		if err := s.send(batch); err != nil {
			s.logger.Error("All retries exhausted", zap.Int("metrics", len(batch)), zap.Error(err))
			s.spoolBatch(batch)
			continue
		}
		s.stats.SinkDelivery(InfluxSinkName, stats.ResultOK)
		s.flushSpool()
	}
}

// send writes one batch, retrying with exponential backoff.
func (s *InfluxSink) send(batch []models.Metric) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(2, float64(attempt-1))) * s.retryDelay
			s.logger.Warn("Retrying write",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
			select {
			case <-time.After(delay):
			case <-s.abort:
				return fmt.Errorf("aborted: %w", err)
			}
		}

		if err = s.write(batch); err == nil {
			s.logger.Debug("Batch written", zap.Int("metrics", len(batch)))
			return nil
		}
	}
	return err
}

// write performs a single request carrying the whole batch.
func (s *InfluxSink) write(batch []models.Metric) error {
	bp, err := client.NewBatchPoints(client.BatchPointsConfig{
		Database:  s.database,
		Precision: "ms",
	})
	if err != nil {
		return err
	}

	for _, m := range batch {
		p, err := client.NewPoint(m.Key, s.tags, map[string]interface{}{"value": m.Value.Interface()}, m.Timestamp)
		if err != nil {
			s.logger.Warn("Skipping metric that cannot be encoded",
				zap.String("key", m.Key),
				zap.Error(err))
			continue
		}
		bp.AddPoint(p)
	}
	if len(bp.Points()) == 0 {
		return nil
	}
	return s.client.Write(bp)
}

// flushSpool replays spooled batches. A batch the server rejects stays
// spooled and the replay moves on to the next one; after maxReplays
// rejections it is dropped. The replay stops early only when the server
// cannot be reached at all.
func (s *InfluxSink) flushSpool() {
	if s.spool == nil || s.spool.Count() == 0 {
		return
	}

	batches, err := s.spool.RetrieveAll()
	if err != nil {
		s.logger.Error("Failed to read spool", zap.Error(err))
		return
	}
	s.logger.Info("Replaying spooled batches", zap.Int("batches", len(batches)))

	for i, batch := range batches {
		if s.aborted() {
			s.respool(batches[i:]...)
			return
		}
		err := s.write(batch.Metrics)
		if err == nil {
			s.stats.SinkDelivery(InfluxSinkName, stats.ResultOK)
			continue
		}
		if unreachable(err) {
			s.logger.Warn("Server unreachable, keeping batches spooled",
				zap.Int("remaining", len(batches)-i),
				zap.Error(err))
			s.respool(batches[i:]...)
			return
		}

		batch.Replays++
		if batch.Replays >= maxReplays {
			s.logger.Error("Giving up on spooled batch",
				zap.Int("metrics", len(batch.Metrics)),
				zap.Int("replays", batch.Replays),
				zap.Error(err))
			s.stats.SinkDelivery(InfluxSinkName, stats.ResultError)
			continue
		}
		s.logger.Warn("Spooled batch rejected",
			zap.Int("metrics", len(batch.Metrics)),
			zap.Int("replays", batch.Replays),
			zap.Error(err))
		s.respool(batch)
	}
}

// unreachable reports whether err means the request never got a response.
// The client does not expose the status code of a rejected write, so every
// answered request counts as a rejection.
func unreachable(err error) bool {
	var uerr *url.Error
	return errors.As(err, &uerr)
}

func (s *InfluxSink) respool(batches ...buffer.Batch) {
	for _, b := range batches {
		if err := s.spool.StoreBatch(b); err != nil {
			s.logger.Error("Failed to spool batch", zap.Error(err))
			s.stats.SinkDelivery(InfluxSinkName, stats.ResultDropped)
		}
	}
}

func (s *InfluxSink) spoolBatch(batch []models.Metric) {
	if s.spool == nil {
		s.logger.Warn("No spool configured, dropping batch", zap.Int("metrics", len(batch)))
		s.stats.SinkDelivery(InfluxSinkName, stats.ResultError)
		return
	}
	if err := s.spool.Store(batch); err != nil {
		s.logger.Error("Failed to spool batch", zap.Error(err))
		s.stats.SinkDelivery(InfluxSinkName, stats.ResultError)
		return
	}
	s.stats.SinkDelivery(InfluxSinkName, stats.ResultSpooled)
}

func (s *InfluxSink) aborted() bool {
	select {
	case <-s.abort:
		return true
	default:
		return false
	}
}
