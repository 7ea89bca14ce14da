package reactor

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/require"
)

// logBuffer is an io.Writer safe for concurrent use.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (x *logBuffer) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.Write(p)
}

func (x *logBuffer) String() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.String()
}

func newTestLogger(w io.Writer) *Logger {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w), stumpy.WithTimeField(``)),
	).Logger()
}

// newTestRuntime returns a single core runtime, without thread affinity or
// logging, unless overridden by opts.
func newTestRuntime(t *testing.T, opts ...Option) *Runtime {
	t.Helper()
	rt, err := NewRuntime(append([]Option{
		WithSMP(1),
		WithThreadAffinity(false),
		WithNoHandleInterrupt(true),
		WithLogger(nil),
	}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

// runMain runs rt until main resolves, failing the test on error, non-zero
// exit code, or timeout.
func runMain(t *testing.T, rt *Runtime, main MainFunc) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	code, err := rt.Run(ctx, main)
	require.NoError(t, err)
	require.Zero(t, code)
}

// runUntilIdle runs the tasks of a reactor that is not running, from the
// test goroutine, until there are none left.
func runUntilIdle(r *Reactor) {
	for r.haveMoreTasks() {
		r.runSomeTasks()
	}
}

// done resolves main with exit code zero once f resolves, or fails it.
func done[T any](f *Future[T]) *Future[int] {
	return Map(f, func(T) (int, error) { return 0, nil })
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
