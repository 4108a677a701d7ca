package refresh

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/readwise-sync/internal/state"
)

const (
	// defaultFlushDelay is how long the queue waits after an enqueue
	// before posting. A burst of deletions (emptying a folder) lands
	// inside one window and produces a single network call.
	defaultFlushDelay = 2 * time.Second

	// flushTimeout bounds the background flush request.
	flushTimeout = 30 * time.Second
)

// poster is the subset of the API client the queue needs.
type poster interface {
	RefreshBooks(ctx context.Context, ids []string) error
}

// Queue tracks book ids whose local files were deleted or failed to
// write, and asks the server to regenerate exactly those books into the
// next export. Ids are persisted immediately on enqueue (the set
// survives restarts) and flushed after a coalescing delay. A failed
// flush leaves the ids queued: at-least-once, never silently dropped.
type Queue struct {
	store  *state.Store
	client poster
	logger *slog.Logger
	delay  time.Duration

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
}

// NewQueue creates a refresh queue. delay <= 0 selects the default
// coalescing window.
func NewQueue(store *state.Store, client poster, delay time.Duration, logger *slog.Logger) *Queue {
	if delay <= 0 {
		delay = defaultFlushDelay
	}

	return &Queue{
		store:  store,
		client: client,
		logger: logger,
		delay:  delay,
	}
}

// Enqueue adds a book id to the pending set (deduplicated) and arms the
// flush timer. Re-arming on every enqueue keeps a burst of deletions in
// one batch.
func (q *Queue) Enqueue(id string) error {
	if err := q.store.EnqueueRefresh(id); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}

	if q.timer != nil {
		q.timer.Stop()
	}

	q.timer = time.AfterFunc(q.delay, q.flushTimerFired)

	return nil
}

func (q *Queue) flushTimerFired() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if err := q.Flush(ctx); err != nil {
		// Ids stay queued; the next enqueue or sync cycle retries.
		q.logger.Warn("refresh flush failed", slog.String("error", err.Error()))
	}
}

// Flush posts the given ids (default: all queued) to the refresh
// endpoint. On success exactly the flushed ids are removed from the
// queue; on failure they remain for the next attempt.
func (q *Queue) Flush(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		ids = q.store.PendingRefresh()
	}

	if len(ids) == 0 {
		return nil
	}

	if err := q.client.RefreshBooks(ctx, ids); err != nil {
		return err
	}

	if err := q.store.RemoveRefresh(ids); err != nil {
		return err
	}

	q.logger.Info("refresh requested", slog.Int("books", len(ids)))

	return nil
}

// Pending returns the queued ids.
func (q *Queue) Pending() []string {
	return q.store.PendingRefresh()
}

// Close stops the flush timer. Queued ids stay persisted for the next
// process.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true

	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}
