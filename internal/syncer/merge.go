package syncer

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/alexjbarnes/readwise-sync/internal/vault"
)

// bookIDPattern matches the trailing book id delimiter in archive entry
// names: `--<digits>` just before an optional extension.
var bookIDPattern = regexp.MustCompile(`--(\d+)(\.[^./]*)?$`)

// splitBookID extracts the book id embedded in an entry name and
// returns the de-suffixed name. Names without the delimiter (the
// top-level sync log, for example) come back unchanged with an empty id.
func splitBookID(name string) (desuffixed, bookID string) {
	loc := bookIDPattern.FindStringSubmatchIndex(name)
	if loc == nil {
		return name, ""
	}

	desuffixed = name[:loc[0]]
	if loc[4] >= 0 {
		desuffixed += name[loc[4]:loc[5]]
	}

	return desuffixed, name[loc[2]:loc[3]]
}

// entryTarget maps an archive entry name to a vault-relative target
// path and the entry's book id. The fixed root segment is replaced by
// the base directory (i.e. dropped from the relative path).
func (s *Syncer) entryTarget(name string) (relPath, bookID string, err error) {
	normalized := vault.NormalizePath(name)
	if normalized == "" {
		return "", "", fmt.Errorf("empty entry name: %q", name)
	}

	rel := normalized
	if i := strings.IndexByte(normalized, '/'); i >= 0 {
		// Only the fixed root segment is remapped; an entry rooted
		// elsewhere keeps its full path under the base directory.
		if normalized[:i] == s.archiveRoot {
			rel = normalized[i+1:]
		}
	} else if normalized == s.archiveRoot {
		// The bare root directory entry maps to the base dir itself.
		return "", "", nil
	}

	if rel == "" {
		return "", "", nil
	}

	rel, bookID = splitBookID(rel)

	return rel, bookID, nil
}

// downloadAndMerge fetches the archive for a completed job and merges
// every entry into the vault. Jobs at or below the completed cursor are
// skipped entirely: re-applying an archive would double its appends.
func (s *Syncer) downloadAndMerge(ctx context.Context, jobID int64) error {
	if jobID <= s.store.LastCompletedJob() {
		s.logger.Info("export already applied, skipping download",
			slog.Int64("job_id", jobID),
			slog.Int64("last_completed", s.store.LastCompletedJob()),
		)

		return nil
	}

	s.notify("Downloading Readwise export...")

	data, err := s.api.DownloadArtifact(ctx, jobID)
	if err != nil {
		return fmt.Errorf("downloading artifact for job %d: %w", jobID, err)
	}

	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("opening archive for job %d: %w", jobID, err)
	}

	var failed int

	// Entries merge strictly in archive order; multi-part records rely
	// on it. A failed entry never aborts the batch: its book is queued
	// for regeneration and the rest of the archive still applies.
	for _, entry := range reader.File {
		if err := s.mergeEntry(entry); err != nil {
			failed++

			s.logger.Warn("archive entry failed",
				slog.String("entry", entry.Name),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.Info("archive merged",
		slog.Int64("job_id", jobID),
		slog.Int("entries", len(reader.File)),
		slog.Int("failed", failed),
	)

	return nil
}

// mergeEntry applies a single archive entry: remap the path, make sure
// the directory exists, append-or-create the content, and record the
// book id in the path index. The index write persists immediately so
// progress survives a crash mid-archive.
func (s *Syncer) mergeEntry(entry *zip.File) error {
	if strings.HasSuffix(entry.Name, "/") {
		rel, _, err := s.entryTarget(entry.Name)
		if err != nil || rel == "" {
			return err
		}

		return s.vault.EnsureDir(rel)
	}

	rel, bookID, err := s.entryTarget(entry.Name)
	if err != nil {
		return err
	}

	if rel == "" {
		return nil
	}

	content, err := readEntry(entry)
	if err != nil {
		s.queueRefresh(bookID)
		return fmt.Errorf("reading entry %q: %w", entry.Name, err)
	}

	if err := s.vault.Append(rel, content); err != nil {
		s.queueRefresh(bookID)
		return fmt.Errorf("writing %q: %w", rel, err)
	}

	if bookID != "" {
		if err := s.store.SetBookID(s.vault.Abs(rel), bookID); err != nil {
			s.logger.Warn("recording book id",
				slog.String("path", rel),
				slog.String("book_id", bookID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.Debug("entry merged",
		slog.String("path", rel),
		slog.String("book_id", bookID),
	)

	return nil
}

// queueRefresh asks for server-side regeneration of a book whose entry
// failed to merge. Entries without a book id have nothing to regenerate.
func (s *Syncer) queueRefresh(bookID string) {
	if bookID == "" || s.queue == nil {
		return
	}

	if err := s.queue.Enqueue(bookID); err != nil {
		s.logger.Warn("queueing refresh after failed entry",
			slog.String("book_id", bookID),
			slog.String("error", err.Error()),
		)
	}
}

func readEntry(entry *zip.File) ([]byte, error) {
	rc, err := entry.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	return io.ReadAll(rc)
}
