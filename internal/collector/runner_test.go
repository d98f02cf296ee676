package collector

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/anti-koerper/antikoerper/internal/item"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
}

func newTestRunner(t *testing.T) *Runner {
	return NewRunner("/bin/sh", 5*time.Second, zaptest.NewLogger(t))
}

func TestCollect_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loadavg")
	require.NoError(t, os.WriteFile(path, []byte("0.52 0.61 0.70 1/123 4567\n"), 0o644))

	r := newTestRunner(t)
	res, err := r.Collect(context.Background(), &item.Item{Key: "os.loadavg", Input: item.File{Path: path}})
	require.NoError(t, err)
	assert.Equal(t, "0.52 0.61 0.70 1/123 4567\n", res.Output)
	assert.Equal(t, -1, res.ExitCode)
}

func TestCollect_FileMissing(t *testing.T) {
	r := newTestRunner(t)
	_, err := r.Collect(context.Background(), &item.Item{
		Key:   "missing",
		Input: item.File{Path: filepath.Join(t.TempDir(), "nope")},
	})
	require.Error(t, err)

	var ce *CollectionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "missing", ce.Item)
	assert.Equal(t, "file", ce.Input)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestCollect_ShellWithEnv(t *testing.T) {
	requireShell(t)
	t.Setenv("ANTIKOERPER_INHERITED", "from-parent")

	r := newTestRunner(t)
	res, err := r.Collect(context.Background(), &item.Item{
		Key:   "env",
		Env:   map[string]string{"GREETING": "hello", "HOME": "/override"},
		Input: item.Shell{Script: `echo "$GREETING $ANTIKOERPER_INHERITED $HOME"`},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello from-parent /override", strings.TrimSpace(res.Output))
	assert.Equal(t, 0, res.ExitCode)
}

func TestCollect_CommandNonZeroExitIsNotFailure(t *testing.T) {
	requireShell(t)

	r := newTestRunner(t)
	res, err := r.Collect(context.Background(), &item.Item{
		Key:   "plugin",
		Input: item.Command{Path: "/bin/sh", Args: []string{"-c", "echo 'DISK CRITICAL | used=99'; echo oops >&2; exit 2"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.ExitCode)
	assert.Equal(t, "DISK CRITICAL | used=99\n", res.Output)
}

func TestCollect_CommandNotFound(t *testing.T) {
	r := newTestRunner(t)
	_, err := r.Collect(context.Background(), &item.Item{
		Key:   "ghost",
		Input: item.Command{Path: filepath.Join(t.TempDir(), "does-not-exist")},
	})
	var ce *CollectionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "command", ce.Input)
	assert.False(t, errors.Is(err, ErrTimeout))
}

func TestCollect_Timeout(t *testing.T) {
	requireShell(t)

	r := newTestRunner(t)
	start := time.Now()
	_, err := r.Collect(context.Background(), &item.Item{
		Key:     "slow",
		Timeout: 200 * time.Millisecond,
		// The background sleep holds stdout open; only a process group kill
		// releases it before waitDelay.
		Input: item.Shell{Script: "sleep 10 & sleep 10"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout), "got %v", err)
	assert.Less(t, time.Since(start), waitDelay)
}

func TestCollect_ParentCancelled(t *testing.T) {
	requireShell(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	r := newTestRunner(t)
	_, err := r.Collect(ctx, &item.Item{Key: "slow", Input: item.Shell{Script: "sleep 10"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, errors.Is(err, ErrTimeout))
}

func TestMergeEnv(t *testing.T) {
	got := mergeEnv([]string{"A=1", "B=2"}, map[string]string{"C": "3", "A": "9"})
	assert.Equal(t, []string{"A=1", "B=2", "A=9", "C=3"}, got)
}

func TestLimitedWriter(t *testing.T) {
	w := &limitedWriter{buf: new(bytes.Buffer), limit: 4}
	n, err := w.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	_, _ = w.Write([]byte("gh"))
	assert.Equal(t, "abcd", w.buf.String())
}
