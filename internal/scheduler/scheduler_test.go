package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/alexjbarnes/readwise-sync/internal/errors"
	"github.com/alexjbarnes/readwise-sync/internal/logging"
)

type fakeRunner struct {
	mu     sync.Mutex
	calls  []string
	runErr error
	onRun  func()
}

func (f *fakeRunner) RunOnce(ctx context.Context) error {
	f.mu.Lock()
	f.calls = append(f.calls, "run")
	onRun := f.onRun
	err := f.runErr
	f.mu.Unlock()

	if onRun != nil {
		onRun()
	}

	return err
}

func (f *fakeRunner) Resume(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "resume")

	return nil
}

func (f *fakeRunner) callList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.calls...)
}

func (f *fakeRunner) runCount() int {
	n := 0
	for _, c := range f.callList() {
		if c == "run" {
			n++
		}
	}

	return n
}

func TestRun_ResumeHappensBeforeFirstCycle(t *testing.T) {
	runner := &fakeRunner{}
	ctx, cancel := context.WithCancel(context.Background())
	runner.onRun = cancel

	s := New(runner, 0, logging.NewLogger("test"))

	err := s.Run(ctx, true)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, []string{"resume", "run"}, runner.callList())
}

func TestRun_NoStartupCycleWhenDisabled(t *testing.T) {
	runner := &fakeRunner{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(runner, 0, logging.NewLogger("test"))

	err := s.Run(ctx, false)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, []string{"resume"}, runner.callList())
}

func TestRun_PeriodicCycles(t *testing.T) {
	runner := &fakeRunner{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(runner, 1, logging.NewLogger("test"))
	s.interval = 10 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, false) }()

	assert.Eventually(t, func() bool {
		return runner.runCount() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestRun_SyncInProgressIsNotFatal(t *testing.T) {
	runner := &fakeRunner{runErr: apperrors.ErrSyncInProgress}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(runner, 1, logging.NewLogger("test"))
	s.interval = 10 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, false) }()

	// The loop keeps ticking through rejections.
	assert.Eventually(t, func() bool {
		return runner.runCount() >= 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestRun_CycleFailureKeepsLoopAlive(t *testing.T) {
	runner := &fakeRunner{runErr: errors.New("export failed")}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(runner, 1, logging.NewLogger("test"))
	s.interval = 10 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, false) }()

	assert.Eventually(t, func() bool {
		return runner.runCount() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestReschedule_StopsPeriodicSync(t *testing.T) {
	runner := &fakeRunner{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(runner, 1, logging.NewLogger("test"))
	s.interval = 10 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, false) }()

	assert.Eventually(t, func() bool {
		return runner.runCount() >= 1
	}, 2*time.Second, 5*time.Millisecond)

	s.Reschedule(0)

	// Give the loop time to absorb the reset, then confirm the tick
	// stream has stopped.
	time.Sleep(50 * time.Millisecond)
	settled := runner.runCount()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, settled, runner.runCount())

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestReschedule_NeverBlocksWithoutRunningLoop(t *testing.T) {
	s := New(&fakeRunner{}, 0, logging.NewLogger("test"))

	// Repeated calls must not deadlock on the buffered channel; the
	// latest value simply replaces the undelivered one.
	s.Reschedule(5)
	s.Reschedule(10)
	s.Reschedule(0)
}
