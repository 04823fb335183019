// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"bytes"
	"io"
	"os"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/invowk/appscope/internal/scope"
)

type (
	// Stopper is implemented by servers.
	Stopper interface {
		Stop() error
	}

	// SyncBuffer is a bytes.Buffer safe for concurrent writers, for
	// capturing streams that launched applications write from their own
	// goroutines.
	SyncBuffer struct {
		mu  sync.Mutex
		buf bytes.Buffer
	}

	// CapturedScope is a Scope whose output streams are buffered.
	CapturedScope struct {
		*scope.Scope
		Out *SyncBuffer
		Err *SyncBuffer
	}
)

// Write implements io.Writer.
func (b *SyncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// String returns everything written so far.
func (b *SyncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Len returns the number of bytes written so far.
func (b *SyncBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

// NewCapturedScope creates a Scope named name with props and buffered
// streams. The Scope is closed when the test ends.
func NewCapturedScope(t testing.TB, name string, props map[string]string, opts ...scope.Option) *CapturedScope {
	t.Helper()
	c := &CapturedScope{Out: &SyncBuffer{}, Err: &SyncBuffer{}}
	opts = append([]scope.Option{
		scope.WithProperties(props),
		scope.WithStdout(c.Out),
		scope.WithStderr(c.Err),
	}, opts...)
	c.Scope = scope.New(name, nil, nil, opts...)
	t.Cleanup(func() { c.Close() })
	return c
}

// Eventually polls cond until it holds or timeout elapses, then fails the
// test with msg.
func Eventually(t testing.TB, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s: %s", timeout, msg)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// MustClose closes c and fails the test on error.
func MustClose(t testing.TB, c io.Closer) {
	t.Helper()
	if err := c.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}
}

// MustStop stops s, logging rather than failing on error: shutdown errors
// during cleanup are not test failures.
func MustStop(t testing.TB, s Stopper) {
	t.Helper()
	if err := s.Stop(); err != nil {
		t.Logf("warning: stop returned error: %v", err)
	}
}

// ContainerSemaphore limits concurrent container tests. Acquire a slot by
// sending and release it by receiving:
//
//	sem := testutil.ContainerSemaphore()
//	sem <- struct{}{}
//	defer func() { <-sem }()
//
// The capacity is APPSCOPE_TEST_CONTAINER_PARALLEL when set, otherwise
// min(GOMAXPROCS, 2).
var ContainerSemaphore = sync.OnceValue(func() chan struct{} {
	return make(chan struct{}, containerParallelism())
})

func containerParallelism() int {
	if v := os.Getenv("APPSCOPE_TEST_CONTAINER_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return min(runtime.GOMAXPROCS(0), 2)
}
