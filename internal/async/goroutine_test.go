package async

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Error(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *recordingLogger) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

func TestGoRecoversPanic(t *testing.T) {
	log := &recordingLogger{}
	done := make(chan struct{})
	Go(log, "boom", func() {
		defer close(done)
		panic("kaboom")
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not finish")
	}
	require.Eventually(t, func() bool { return len(log.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
	require.Contains(t, log.snapshot()[0], "boom")
	require.Contains(t, log.snapshot()[0], "kaboom")
}

func TestRecoverWithNilLoggerIsSilent(t *testing.T) {
	require.NotPanics(t, func() {
		defer Recover(nil, "quiet")
		panic("swallowed")
	})
}
