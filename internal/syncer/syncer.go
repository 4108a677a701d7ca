package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/alexjbarnes/readwise-sync/internal/errors"
	"github.com/alexjbarnes/readwise-sync/internal/readwise"
	"github.com/alexjbarnes/readwise-sync/internal/state"
	"github.com/alexjbarnes/readwise-sync/internal/vault"
)

//go:generate mockgen -source=syncer.go -destination=mock_api_test.go -package=syncer

const (
	// pollInterval is the delay between export-status polls. The job's
	// own completion bounds the loop; context cancellation bounds it
	// from our side.
	pollInterval = time.Second

	// defaultArchiveRoot is the fixed first path segment of every
	// archive entry, replaced by the configured base directory.
	defaultArchiveRoot = "Readwise"
)

// API is the remote surface the sync engine drives. *readwise.Client
// satisfies it.
type API interface {
	InitExport(ctx context.Context, parentPageDeleted bool, statusID int64) (*readwise.ExportInit, error)
	GetExportStatus(ctx context.Context, jobID int64) (*readwise.ExportStatus, error)
	DownloadArtifact(ctx context.Context, jobID int64) ([]byte, error)
	AckSync(ctx context.Context) error
}

// flusher is the subset of the refresh queue the engine needs: flushing
// pending regeneration requests before an export is built, and queueing
// books whose entries failed to merge.
type flusher interface {
	Flush(ctx context.Context, ids ...string) error
	Enqueue(id string) error
}

// Notifier receives user-facing status messages: transient progress
// during polling and merging, and terminal success/failure lines.
type Notifier interface {
	Notify(message string)
}

// logNotifier is the default Notifier, writing messages to the logger.
type logNotifier struct {
	logger *slog.Logger
}

func (n logNotifier) Notify(message string) {
	n.logger.Info(message)
}

// Config holds the collaborators for New.
type Config struct {
	API   API
	Store *state.Store
	Vault *vault.Vault

	// Queue is optional; without it, failed entries are only logged.
	Queue flusher

	// Notifier is optional and defaults to logging.
	Notifier Notifier

	// ArchiveRoot overrides the expected archive root segment.
	ArchiveRoot string

	// PollInterval overrides the status poll delay.
	PollInterval time.Duration
}

// Syncer runs the export synchronization cycle: request an export, poll
// until the server finishes building it, download the archive, and
// merge it into the local vault. The persisted syncing flag makes
// cycles mutually exclusive; every exit path clears it.
type Syncer struct {
	api      API
	store    *state.Store
	vault    *vault.Vault
	queue    flusher
	notifier Notifier
	logger   *slog.Logger

	archiveRoot  string
	pollInterval time.Duration

	// sleep is the poll delay, injectable so tests drive the loop
	// deterministically.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Syncer from its collaborators.
func New(cfg Config, logger *slog.Logger) *Syncer {
	s := &Syncer{
		api:          cfg.API,
		store:        cfg.Store,
		vault:        cfg.Vault,
		queue:        cfg.Queue,
		notifier:     cfg.Notifier,
		logger:       logger,
		archiveRoot:  cfg.ArchiveRoot,
		pollInterval: cfg.PollInterval,
		sleep:        sleepCtx,
	}

	if s.notifier == nil {
		s.notifier = logNotifier{logger: logger}
	}

	if s.archiveRoot == "" {
		s.archiveRoot = defaultArchiveRoot
	}

	if s.pollInterval <= 0 {
		s.pollInterval = pollInterval
	}

	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Syncer) notify(message string) {
	s.notifier.Notify(message)
}

// RunOnce performs one full sync cycle. A cycle already in flight is
// rejected, not queued: interleaved cycles would corrupt the refresh
// queue and the path index.
func (s *Syncer) RunOnce(ctx context.Context) error {
	if s.store.Syncing() {
		s.notify("Sync already in progress")
		return apperrors.ErrSyncInProgress
	}

	// The flag is persisted before the first network call so a crash
	// mid-cycle is visible (and recoverable) at next startup.
	if err := s.store.SetSyncing(true); err != nil {
		return fmt.Errorf("persisting sync flag: %w", err)
	}

	return s.runCycle(ctx, 0)
}

// Resume continues a cycle interrupted by a crash or shutdown. A
// syncing flag with no job id is an orphan from an unclean shutdown and
// is cleared; with a job id, polling picks up where it left off.
func (s *Syncer) Resume(ctx context.Context) error {
	if !s.store.Syncing() {
		return nil
	}

	jobID := s.store.CurrentJob()
	if jobID == 0 {
		s.logger.Warn("clearing orphaned sync flag from unclean shutdown")
		return s.store.SetSyncing(false)
	}

	s.logger.Info("resuming interrupted sync", slog.Int64("job_id", jobID))

	return s.runCycle(ctx, jobID)
}

// runCycle drives request → poll → download → merge. resumeJob != 0
// skips the request phase and polls that job directly. The syncing flag
// is already set when this is called and is cleared on every return
// path by fail or succeed.
func (s *Syncer) runCycle(ctx context.Context, resumeJob int64) error {
	jobID := resumeJob
	needPoll := true

	if resumeJob == 0 {
		if s.queue != nil {
			// Best effort: a failed flush leaves ids queued for next time
			// and must not block the export.
			if err := s.queue.Flush(ctx); err != nil {
				s.logger.Warn("pre-sync refresh flush failed", slog.String("error", err.Error()))
			}
		}

		s.notify("Requesting Readwise export...")

		// The watcher recreates a deleted base directory at startup, so a
		// live stat alone can miss the deletion; the persisted observation
		// covers that window.
		parentDeleted := !s.vault.RootExists() || s.store.RootMissing()

		init, err := s.api.InitExport(ctx, parentDeleted, s.store.LastCompletedJob())
		if err != nil {
			return s.fail(fmt.Errorf("requesting export: %w", err))
		}

		if parentDeleted {
			// The server has heard about the deletion; the observation is
			// spent.
			if err := s.store.SetRootMissing(false); err != nil {
				s.logger.Warn("clearing root-missing flag", slog.String("error", err.Error()))
			}
		}

		if init.LatestID <= s.store.LastCompletedJob() {
			// Another client already produced this export and we applied
			// it; nothing to do.
			s.logger.Info("already up to date",
				slog.Int64("latest_id", init.LatestID),
				slog.Int64("last_completed", s.store.LastCompletedJob()),
			)

			return s.succeed(ctx, init.LatestID, false)
		}

		if err := s.store.SetCurrentJob(init.LatestID); err != nil {
			return s.fail(fmt.Errorf("persisting job id: %w", err))
		}

		jobID = init.LatestID

		// A plain 2xx (not 201) means an already-built export satisfies
		// the request; skip straight to download.
		needPoll = init.Created
	}

	if needPoll {
		if err := s.pollUntilReady(ctx, jobID); err != nil {
			return s.fail(err)
		}
	}

	if err := s.downloadAndMerge(ctx, jobID); err != nil {
		return s.fail(err)
	}

	return s.succeed(ctx, jobID, true)
}

// pollUntilReady polls the export status until the job is ready,
// failed, or the context is cancelled. Transport errors are terminal
// for the cycle: retrying a dead link in a tight loop helps nobody, the
// next scheduled cycle is the retry.
func (s *Syncer) pollUntilReady(ctx context.Context, jobID int64) error {
	for {
		status, err := s.api.GetExportStatus(ctx, jobID)
		if err != nil {
			return fmt.Errorf("polling export status: %w", err)
		}

		switch status.Class() {
		case readwise.StatusReady:
			return nil

		case readwise.StatusWaiting:
			if status.TotalBooks > 0 {
				s.notify(fmt.Sprintf("Building export (%d/%d)...", status.BooksExported, status.TotalBooks))
			}

			if err := s.sleep(ctx, s.pollInterval); err != nil {
				return fmt.Errorf("waiting for export: %w", err)
			}

		default:
			return fmt.Errorf("%w: job %d reported status %q",
				apperrors.ErrExportFailed, jobID, status.TaskStatus)
		}
	}
}

// fail is the terminal failure transition: mutex and job cursor reset,
// failure indicator set, reason reported. The returned error is the
// reason, so callers propagate it unchanged.
func (s *Syncer) fail(reason error) error {
	if err := s.store.SetSyncing(false); err != nil {
		s.logger.Error("clearing sync flag", slog.String("error", err.Error()))
	}

	if err := s.store.SetCurrentJob(0); err != nil {
		s.logger.Error("clearing job id", slog.String("error", err.Error()))
	}

	if err := s.store.SetLastSyncFailed(true); err != nil {
		s.logger.Error("persisting failure flag", slog.String("error", err.Error()))
	}

	s.notify("Readwise sync failed: " + reason.Error())

	return reason
}

// succeed is the terminal success transition. withAck acknowledges the
// completed sync to the server; the ack is best effort and never rolls
// back the cycle.
func (s *Syncer) succeed(ctx context.Context, jobID int64, withAck bool) error {
	// Monotonic: the setter ignores ids at or below the stored cursor.
	if err := s.store.SetLastCompletedJob(jobID); err != nil {
		s.logger.Error("advancing completed job cursor", slog.String("error", err.Error()))
	}

	if err := s.store.SetCurrentJob(0); err != nil {
		s.logger.Error("clearing job id", slog.String("error", err.Error()))
	}

	if err := s.store.SetLastSyncFailed(false); err != nil {
		s.logger.Error("clearing failure flag", slog.String("error", err.Error()))
	}

	if err := s.store.SetSyncing(false); err != nil {
		s.logger.Error("clearing sync flag", slog.String("error", err.Error()))
	}

	s.notify("Readwise sync complete")

	if withAck {
		if err := s.api.AckSync(ctx); err != nil {
			s.logger.Warn("sync ack failed", slog.String("error", err.Error()))
		}
	}

	return nil
}
