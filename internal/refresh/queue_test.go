package refresh

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/readwise-sync/internal/state"
)

type fakePoster struct {
	mu    sync.Mutex
	calls [][]string
	err   error
}

func (p *fakePoster) RefreshBooks(ctx context.Context, ids []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return p.err
	}

	p.calls = append(p.calls, append([]string(nil), ids...))

	return nil
}

func (p *fakePoster) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testQueue(t *testing.T, delay time.Duration) (*Queue, *fakePoster, *state.Store) {
	t.Helper()

	st, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	p := &fakePoster{}
	q := NewQueue(st, p, delay, discardLogger())
	t.Cleanup(q.Close)

	return q, p, st
}

func TestEnqueue_Dedup(t *testing.T) {
	q, _, _ := testQueue(t, time.Hour)

	require.NoError(t, q.Enqueue("42"))
	require.NoError(t, q.Enqueue("42"))

	assert.Equal(t, []string{"42"}, q.Pending())
}

func TestFlush_PostsAllQueuedAndClears(t *testing.T) {
	q, p, _ := testQueue(t, time.Hour)

	require.NoError(t, q.Enqueue("1"))
	require.NoError(t, q.Enqueue("2"))

	require.NoError(t, q.Flush(context.Background()))

	require.Equal(t, 1, p.callCount())
	assert.ElementsMatch(t, []string{"1", "2"}, p.calls[0])
	assert.Empty(t, q.Pending())
}

func TestFlush_EmptyQueueMakesNoCall(t *testing.T) {
	q, p, _ := testQueue(t, time.Hour)

	require.NoError(t, q.Flush(context.Background()))
	assert.Equal(t, 0, p.callCount())
}

func TestFlush_FailureKeepsIdsQueued(t *testing.T) {
	q, p, _ := testQueue(t, time.Hour)
	p.err = errors.New("boom")

	require.NoError(t, q.Enqueue("1"))
	require.Error(t, q.Flush(context.Background()))

	assert.Equal(t, []string{"1"}, q.Pending(), "failed flush must not drop ids")

	p.err = nil
	require.NoError(t, q.Flush(context.Background()))
	assert.Empty(t, q.Pending())
}

func TestFlush_ExplicitSubsetRemovesOnlyThose(t *testing.T) {
	q, _, _ := testQueue(t, time.Hour)

	require.NoError(t, q.Enqueue("1"))
	require.NoError(t, q.Enqueue("2"))

	require.NoError(t, q.Flush(context.Background(), "1"))
	assert.Equal(t, []string{"2"}, q.Pending())
}

func TestEnqueue_BurstCoalescesIntoOneFlush(t *testing.T) {
	q, p, _ := testQueue(t, 50*time.Millisecond)

	for _, id := range []string{"1", "2", "3", "4", "5"} {
		require.NoError(t, q.Enqueue(id))
	}

	assert.Eventually(t, func() bool {
		return p.callCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// No further calls arrive after the batch.
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, 1, p.callCount())

	p.mu.Lock()
	batch := p.calls[0]
	p.mu.Unlock()
	assert.ElementsMatch(t, []string{"1", "2", "3", "4", "5"}, batch)
	assert.Empty(t, q.Pending())
}

func TestClose_StopsTimer(t *testing.T) {
	q, p, _ := testQueue(t, 20*time.Millisecond)

	require.NoError(t, q.Enqueue("1"))
	q.Close()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, p.callCount())
	assert.Equal(t, []string{"1"}, q.Pending(), "ids persist across Close for the next run")
}

func TestQueue_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "state.db")

	st, err := state.Open(dbPath)
	require.NoError(t, err)

	q := NewQueue(st, &fakePoster{}, time.Hour, discardLogger())
	require.NoError(t, q.Enqueue("7"))
	q.Close()
	require.NoError(t, st.Close())

	st2, err := state.Open(dbPath)
	require.NoError(t, err)
	defer st2.Close()

	q2 := NewQueue(st2, &fakePoster{}, time.Hour, discardLogger())
	defer q2.Close()

	assert.Equal(t, []string{"7"}, q2.Pending())
}
