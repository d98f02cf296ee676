package collector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/anti-koerper/antikoerper/internal/item"
)

const (
	// DefaultTimeout bounds a collection when neither the item nor the
	// runner configures one.
	DefaultTimeout = 30 * time.Second

	// waitDelay is how long a killed process may keep its output pipes open
	// before they are closed forcibly.
	waitDelay = 2 * time.Second

	// maxStderr caps the stderr kept for logging.
	maxStderr = 4096
)

// Runner is the Collector for File, Shell and Command inputs.
type Runner struct {
	shell   string
	timeout time.Duration
	environ func() []string
	logger  *zap.Logger
}

// NewRunner creates a Runner that executes Shell inputs with shell and
// applies timeout to items that do not set their own.
func NewRunner(shell string, timeout time.Duration, logger *zap.Logger) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{
		shell:   shell,
		timeout: timeout,
		environ: os.Environ,
		logger:  logger,
	}
}

// Collect acquires the raw output of it.
func (r *Runner) Collect(ctx context.Context, it *item.Item) (*RawResult, error) {
	timeout := it.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var (
		out  string
		code = -1
		err  error
	)
	switch in := it.Input.(type) {
	case item.File:
		out, err = readFile(ctx, in.Path)
	case item.Shell:
		out, code, err = r.run(ctx, it, r.shell, []string{"-c", in.Script})
	case item.Command:
		out, code, err = r.run(ctx, it, in.Path, in.Args)
	default:
		panic(fmt.Sprintf("collector: unhandled input kind %T", in))
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return nil, &CollectionError{Item: it.Key, Input: it.Input.Kind(), Err: err}
	}

	return &RawResult{
		Output:   out,
		ExitCode: code,
		Duration: time.Since(start),
	}, nil
}

// readFile reads the whole file, giving up when ctx is done. A read stuck
// in the kernel is left to finish in the background.
func readFile(ctx context.Context, path string) (string, error) {
	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := os.ReadFile(path)
		done <- result{data, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return "", res.err
		}
		return string(res.data), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// run executes a program and returns its stdout and exit code. A non-zero
// exit is reported through the exit code, not as an error.
func (r *Runner) run(ctx context.Context, it *item.Item, path string, args []string) (string, int, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = mergeEnv(r.environ(), it.Env)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &limitedWriter{buf: &stderr, limit: maxStderr}
	cmd.WaitDelay = waitDelay
	configureProcess(cmd)

	err := cmd.Run()
	if ctx.Err() != nil {
		return "", -1, ctx.Err()
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.Is(err, exec.ErrWaitDelay):
		// The program exited but something it started kept stdout open.
		r.logger.Debug("Output pipe held open after exit",
			zap.String("item", it.Key))
	case errors.As(err, &exitErr):
		r.logger.Debug("Program exited with non-zero status",
			zap.String("item", it.Key),
			zap.Int("exit_code", exitErr.ExitCode()),
			zap.String("stderr", strings.TrimSpace(stderr.String())))
	default:
		return "", -1, err
	}
	return stdout.String(), cmd.ProcessState.ExitCode(), nil
}

// mergeEnv returns base with overrides appended in key order. exec uses the
// last value of a duplicated key, so overrides win.
func mergeEnv(base []string, overrides map[string]string) []string {
	env := make([]string, 0, len(base)+len(overrides))
	env = append(env, base...)
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

// limitedWriter keeps the first limit bytes and discards the rest.
type limitedWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if room := w.limit - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}
