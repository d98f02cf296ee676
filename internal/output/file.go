package output

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/anti-koerper/antikoerper/internal/models"
)

// FileSinkName is the name file sinks report in logs and counters.
const FileSinkName = "file"

// rawEscaper keeps a raw value on a single line.
var rawEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, "\r", `\r`)

// pathLocks serializes appends per file path across all file sinks of the
// process, so two sinks sharing a base path cannot interleave either.
var pathLocks sync.Map // map[string]*sync.Mutex

func lockPath(path string) func() {
	v, _ := pathLocks.LoadOrStore(path, new(sync.Mutex))
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// FileSink appends metrics to one file per metric key below a base
// directory. Every line is "<unix seconds> <value>\n".
type FileSink struct {
	basePath string
	logger   *zap.Logger
}

// NewFileSink creates the base directory if necessary and returns a sink
// writing below it.
func NewFileSink(basePath string, logger *zap.Logger) (*FileSink, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, &SinkError{Sink: FileSinkName, Err: fmt.Errorf("creating base path: %w", err)}
	}
	return &FileSink{
		basePath: basePath,
		logger:   logger.Named("file"),
	}, nil
}

// Name implements Sink.
func (s *FileSink) Name() string { return FileSinkName }

// Path returns the file that holds the values of key. Path separators in
// the key are replaced so every key maps to a file directly in the base
// directory.
func (s *FileSink) Path(key string) string {
	return filepath.Join(s.basePath, strings.ReplaceAll(key, "/", "_"))
}

// Write appends the batch. All lines for one file are written with a
// single write call while holding that file's lock.
func (s *FileSink) Write(ctx context.Context, batch []models.Metric) error {
	if err := ctx.Err(); err != nil {
		return &SinkError{Sink: FileSinkName, Err: err}
	}

	var order []string
	lines := make(map[string][]byte)
	for _, m := range batch {
		p := s.Path(m.Key)
		if _, ok := lines[p]; !ok {
			order = append(order, p)
		}
		lines[p] = appendLine(lines[p], m)
	}

	var errs []error
	for _, p := range order {
		if err := appendFile(p, lines[p]); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return &SinkError{Sink: FileSinkName, Err: errors.Join(errs...)}
	}
	s.logger.Debug("Wrote metrics", zap.Int("metrics", len(batch)), zap.Int("files", len(order)))
	return nil
}

// Close implements Sink. Files are opened per write, so there is nothing
// to release.
func (s *FileSink) Close() error { return nil }

func appendLine(buf []byte, m models.Metric) []byte {
	buf = strconv.AppendInt(buf, m.Timestamp.Unix(), 10)
	buf = append(buf, ' ')
	if m.Value.IsRaw() {
		buf = append(buf, rawEscaper.Replace(m.Value.Text())...)
	} else {
		buf = append(buf, m.Value.String()...)
	}
	return append(buf, '\n')
}

func appendFile(path string, data []byte) error {
	unlock := lockPath(path)
	defer unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}
