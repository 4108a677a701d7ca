package vault

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// renamePairWindow is how long a rename's old path waits for the
	// matching create of the new path. fsnotify reports a rename as two
	// unlinked events; an old path left unpaired past this window is
	// treated as a delete.
	renamePairWindow = 600 * time.Millisecond

	// watchTickInterval drives expiry of unpaired renames.
	watchTickInterval = 200 * time.Millisecond

	// maxPendingRenames caps the unpaired-rename buffer so a pathological
	// event storm cannot grow it without bound.
	maxPendingRenames = 256
)

// tracker is the subset of the state store the watcher needs to keep
// the path index consistent with local file events.
type tracker interface {
	BookID(path string) string
	MovePath(oldPath, newPath string) error
	RemovePath(path string) error
	SetRootMissing(v bool) error
}

// enqueuer accepts book ids whose local files were removed and need
// server-side regeneration.
type enqueuer interface {
	Enqueue(id string) error
}

type pendingRename struct {
	path string
	at   time.Time
}

// Watcher observes the base directory and reconciles local deletes and
// renames back into the path index and the refresh queue. Renames keep
// the index entry (moved, not copied); deletes drop the entry and, when
// auto-refresh is enabled, queue the book for regeneration.
type Watcher struct {
	vault       *Vault
	tracker     tracker
	queue       enqueuer
	logger      *slog.Logger
	autoRefresh bool

	pairWindow time.Duration
	pending    []pendingRename
}

// NewWatcher creates a watcher over the vault for the given tracker and
// refresh queue.
func NewWatcher(v *Vault, tr tracker, q enqueuer, autoRefresh bool, logger *slog.Logger) *Watcher {
	return &Watcher{
		vault:       v,
		tracker:     tr,
		queue:       q,
		logger:      logger,
		autoRefresh: autoRefresh,
		pairWindow:  renamePairWindow,
	}
}

// Watch blocks until the context is cancelled, feeding filesystem
// events through HandleDelete and HandleRename. The base directory is
// created if missing; fsnotify cannot watch a nonexistent path.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	// A missing base directory means the user deleted everything; the
	// observation is persisted before the directory is recreated for
	// watching, so the next export request still asks for a rebuild.
	if !w.vault.RootExists() {
		if err := w.tracker.SetRootMissing(true); err != nil {
			return fmt.Errorf("recording missing base dir: %w", err)
		}

		w.logger.Info("base directory missing, next sync will request a rebuild",
			slog.String("dir", w.vault.Dir()))
	}

	if err := os.MkdirAll(w.vault.Dir(), vaultDirPerm); err != nil {
		return fmt.Errorf("creating base dir: %w", err)
	}

	if err := w.addRecursive(watcher, w.vault.Dir()); err != nil {
		return fmt.Errorf("watching base dir: %w", err)
	}

	w.logger.Info("file watcher started", slog.String("dir", w.vault.Dir()))

	ticker := time.NewTicker(watchTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			w.handleEvent(watcher, event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			w.expirePending(time.Now())
		}
	}
}

func (w *Watcher) handleEvent(watcher *fsnotify.Watcher, event fsnotify.Event) {
	if w.shouldIgnore(event.Name) {
		return
	}

	if event.Has(fsnotify.Create) {
		// New directory: watch it so files created inside are seen. The
		// create may also be the second half of a directory rename.
		if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
			_ = w.addRecursive(watcher, event.Name)

			if w.vault.IsSelfWrite(event.Name) {
				return
			}

			if old, ok := w.popPending(); ok {
				w.HandleRename(old, event.Name)
			}

			return
		}

		// Creates from the merge engine's own writes must not pair with
		// a user rename that happens to be pending.
		if w.vault.IsSelfWrite(event.Name) {
			return
		}

		// A create shortly after a rename's old-path event is the other
		// half of that rename.
		if old, ok := w.popPending(); ok {
			w.HandleRename(old, event.Name)
			return
		}

		return
	}

	if event.Has(fsnotify.Rename) {
		w.pushPending(event.Name)
		_ = watcher.Remove(event.Name)

		return
	}

	if event.Has(fsnotify.Remove) {
		_ = watcher.Remove(event.Name)
		w.HandleDelete(event.Name)
	}
}

// HandleRename moves the index entry for oldPath to newPath. No-op when
// oldPath is untracked.
func (w *Watcher) HandleRename(oldPath, newPath string) {
	if err := w.tracker.MovePath(oldPath, newPath); err != nil {
		w.logger.Warn("moving index entry",
			slog.String("from", oldPath),
			slog.String("to", newPath),
			slog.String("error", err.Error()),
		)

		return
	}

	w.logger.Debug("rename reconciled",
		slog.String("from", oldPath),
		slog.String("to", newPath),
	)
}

// HandleDelete drops the index entry for a deleted path and, when
// auto-refresh is enabled, queues its book id for regeneration on the
// next sync.
func (w *Watcher) HandleDelete(path string) {
	id := w.tracker.BookID(path)
	if id == "" {
		return
	}

	if err := w.tracker.RemovePath(path); err != nil {
		w.logger.Warn("removing index entry",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return
	}

	if !w.autoRefresh {
		w.logger.Debug("tracked file deleted, refresh disabled", slog.String("path", path))
		return
	}

	if err := w.queue.Enqueue(id); err != nil {
		w.logger.Warn("queueing refresh",
			slog.String("book_id", id),
			slog.String("error", err.Error()),
		)

		return
	}

	w.logger.Info("tracked file deleted, book queued for refresh",
		slog.String("path", path),
		slog.String("book_id", id),
	)
}

func (w *Watcher) pushPending(path string) {
	if len(w.pending) >= maxPendingRenames {
		// Oldest entry degrades to a delete rather than being dropped.
		w.HandleDelete(w.pending[0].path)
		w.pending = w.pending[1:]
	}

	w.pending = append(w.pending, pendingRename{path: path, at: time.Now()})
}

// popPending returns the oldest unexpired pending rename, if any.
func (w *Watcher) popPending() (string, bool) {
	now := time.Now()

	for len(w.pending) > 0 {
		p := w.pending[0]
		w.pending = w.pending[1:]

		if now.Sub(p.at) > w.pairWindow {
			w.HandleDelete(p.path)
			continue
		}

		return p.path, true
	}

	return "", false
}

// expirePending converts pending renames older than the pair window
// into deletes.
func (w *Watcher) expirePending(now time.Time) {
	kept := w.pending[:0]

	for _, p := range w.pending {
		if now.Sub(p.at) > w.pairWindow {
			w.HandleDelete(p.path)
			continue
		}

		kept = append(kept, p)
	}

	w.pending = kept
}

// addRecursive walks dir and adds all non-hidden directories to the
// fsnotify watcher.
func (w *Watcher) addRecursive(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		if name := d.Name(); strings.HasPrefix(name, ".") && path != dir {
			return filepath.SkipDir
		}

		return watcher.Add(path)
	})
}

// shouldIgnore returns true for paths that are not synced content.
func (w *Watcher) shouldIgnore(absPath string) bool {
	name := filepath.Base(absPath)

	// Hidden files and directories.
	if strings.HasPrefix(name, ".") {
		return true
	}

	// Temp files from editors.
	if strings.HasSuffix(name, "~") || strings.HasSuffix(name, ".swp") {
		return true
	}

	return false
}
