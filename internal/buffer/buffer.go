// Package buffer spools metric batches to disk when a network sink cannot
// deliver them. Each batch is one JSON file named so that lexical order is
// chronological. Spooled data survives restarts; a size cap drops the oldest
// batches first.
package buffer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anti-koerper/antikoerper/internal/models"
)

const spoolExt = ".json"

// Batch is one spooled batch. Replays counts the delivery attempts made
// from the spool so far.
type Batch struct {
	Metrics []models.Metric `json:"metrics"`
	Replays int             `json:"replays,omitempty"`
}

// Buffer is a directory of spooled batches. It is safe for concurrent use.
type Buffer struct {
	dir       string
	maxSizeMB int
	logger    *zap.Logger

	mu  sync.Mutex
	seq uint64
}

// New creates a buffer in dir, creating the directory if needed. A
// maxSizeMB of zero or less disables the size cap.
func New(dir string, maxSizeMB int, logger *zap.Logger) (*Buffer, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating spool directory: %w", err)
	}
	return &Buffer{
		dir:       dir,
		maxSizeMB: maxSizeMB,
		logger:    logger,
	}, nil
}

// Store spools one batch that has not been replayed yet.
func (b *Buffer) Store(batch []models.Metric) error {
	return b.StoreBatch(Batch{Metrics: batch})
}

// StoreBatch spools batch keeping its replay count. When the spool is over
// its size cap the oldest batch is dropped first.
func (b *Buffer) StoreBatch(batch Batch) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.maxSizeMB > 0 && b.currentSizeMB() >= b.maxSizeMB {
		b.logger.Warn("Spool full, dropping oldest batch", zap.String("dir", b.dir))
		b.dropOldest()
	}

	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encoding batch: %w", err)
	}

	b.seq++
	name := fmt.Sprintf("%s-%06d%s", time.Now().UTC().Format("20060102T150405.000000000"), b.seq%1000000, spoolExt)
	return os.WriteFile(filepath.Join(b.dir, name), data, 0o640)
}

// RetrieveAll returns every spooled batch in chronological order and
// removes the files. Unreadable files are removed and logged.
func (b *Buffer) RetrieveAll() ([]Batch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	names, err := b.list()
	if err != nil {
		return nil, err
	}

	var batches []Batch
	for _, name := range names {
		path := filepath.Join(b.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			b.logger.Warn("Failed to read spool file",
				zap.String("file", path),
				zap.Error(err))
			continue
		}

		batch, err := decodeBatch(data)
		if err != nil {
			b.logger.Warn("Removing corrupted spool file",
				zap.String("file", path),
				zap.Error(err))
			_ = os.Remove(path)
			continue
		}

		batches = append(batches, batch)
		_ = os.Remove(path)
	}
	return batches, nil
}

// Count returns the number of spooled batches.
func (b *Buffer) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	names, err := b.list()
	if err != nil {
		return 0
	}
	return len(names)
}

// list returns spool file names in chronological order.
// Must be called with b.mu held.
func (b *Buffer) list() ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), spoolExt) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// currentSizeMB returns the total size of the spool in megabytes.
// Must be called with b.mu held.
func (b *Buffer) currentSizeMB() int {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return 0
	}
	var total int64
	for _, e := range entries {
		if info, err := e.Info(); err == nil {
			total += info.Size()
		}
	}
	return int(total / (1024 * 1024))
}

// dropOldest removes the oldest spooled batch.
// Must be called with b.mu held.
func (b *Buffer) dropOldest() {
	names, err := b.list()
	if err != nil || len(names) == 0 {
		return
	}
	path := filepath.Join(b.dir, names[0])
	if err := os.Remove(path); err != nil {
		b.logger.Warn("Failed to remove oldest spool file",
			zap.String("file", path),
			zap.Error(err))
	}
}

// decodeBatch reads a spool file. Files written before replay counts were
// kept hold a bare metric array.
func decodeBatch(data []byte) (Batch, error) {
	var batch Batch
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		err := json.Unmarshal(trimmed, &batch.Metrics)
		return batch, err
	}
	err := json.Unmarshal(trimmed, &batch)
	return batch, err
}
