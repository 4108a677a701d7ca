package state

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory
	// (~/.readwise-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket     = []byte("app")
	refreshBucket = []byte("refresh")
	indexBucket   = []byte("index")

	tokenKey            = []byte("token")
	clientIDKey         = []byte("client_id")
	syncingKey          = []byte("is_syncing")
	currentJobKey       = []byte("current_job")
	lastCompletedJobKey = []byte("last_completed_job")
	lastSyncFailedKey   = []byte("last_sync_failed")
	rootMissingKey      = []byte("root_missing")
)

// Store wraps a bbolt database holding all persistent sync state: the
// access token, the client identifier, the in-flight/completed export
// job cursors, the pending-refresh set, and the path to book id index.
//
// Every mutator is a single write transaction, so on-disk state is
// durable before the caller reaches its next suspension point. Boolean
// flags are stored as presence of "1"; absent means false. Job ids are
// stored as decimal strings.
type Store struct {
	db *bolt.DB
}

// Open opens the state database at the given path, creating it and any
// parent directories if they do not exist.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		if _, err := tx.CreateBucketIfNotExists(refreshBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(indexBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- app bucket accessors ---

func (s *Store) getString(key []byte) string {
	var val string

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(key)
		if v != nil {
			val = string(v)
		}

		return nil
	})

	return val
}

func (s *Store) putString(key []byte, val string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(key, []byte(val))
	})
}

func (s *Store) getBool(key []byte) bool {
	return s.getString(key) == "1"
}

func (s *Store) putBool(key []byte, val bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		if !val {
			return b.Delete(key)
		}

		return b.Put(key, []byte("1"))
	})
}

func (s *Store) getInt64(key []byte) int64 {
	v := s.getString(key)
	if v == "" {
		return 0
	}

	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}

	return n
}

func (s *Store) putInt64(key []byte, val int64) error {
	return s.putString(key, strconv.FormatInt(val, 10))
}

// Token returns the cached access token, or empty string.
func (s *Store) Token() string {
	return s.getString(tokenKey)
}

// SetToken persists the access token.
func (s *Store) SetToken(token string) error {
	return s.putString(tokenKey, token)
}

// ClientID returns the persisted client identifier, or empty string.
func (s *Store) ClientID() string {
	return s.getString(clientIDKey)
}

// SetClientID persists the client identifier. Called once, on first
// generation, so repeated auth attempts reuse the same correlation id.
func (s *Store) SetClientID(id string) error {
	return s.putString(clientIDKey, id)
}

// Syncing reports whether a sync cycle is marked in flight.
func (s *Store) Syncing() bool {
	return s.getBool(syncingKey)
}

// SetSyncing persists the sync-in-flight flag.
func (s *Store) SetSyncing(v bool) error {
	return s.putBool(syncingKey, v)
}

// CurrentJob returns the export job currently being awaited, or 0.
func (s *Store) CurrentJob() int64 {
	return s.getInt64(currentJobKey)
}

// SetCurrentJob persists the in-flight export job id. Pass 0 on every
// terminal transition.
func (s *Store) SetCurrentJob(id int64) error {
	return s.putInt64(currentJobKey, id)
}

// LastCompletedJob returns the id of the newest export applied locally.
func (s *Store) LastCompletedJob() int64 {
	return s.getInt64(lastCompletedJobKey)
}

// SetLastCompletedJob advances the completed-job cursor. The cursor is
// monotonic: an id at or below the stored value is ignored.
func (s *Store) SetLastCompletedJob(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)

		if v := b.Get(lastCompletedJobKey); v != nil {
			if cur, err := strconv.ParseInt(string(v), 10, 64); err == nil && id <= cur {
				return nil
			}
		}

		return b.Put(lastCompletedJobKey, []byte(strconv.FormatInt(id, 10)))
	})
}

// LastSyncFailed reports whether the most recent sync cycle failed.
func (s *Store) LastSyncFailed() bool {
	return s.getBool(lastSyncFailedKey)
}

// SetLastSyncFailed persists the last-sync-failed indicator.
func (s *Store) SetLastSyncFailed(v bool) error {
	return s.putBool(lastSyncFailedKey, v)
}

// RootMissing reports whether the base directory was observed missing
// since the last export request. The file watcher records the
// observation before it recreates the directory for watching, so the
// next export request still tells the server to rebuild.
func (s *Store) RootMissing() bool {
	return s.getBool(rootMissingKey)
}

// SetRootMissing persists the missing-base-directory observation.
// Cleared once an export request has carried it to the server.
func (s *Store) SetRootMissing(v bool) error {
	return s.putBool(rootMissingKey, v)
}

// --- refresh queue ---

// PendingRefresh returns all queued book ids in key order.
func (s *Store) PendingRefresh() []string {
	var ids []string

	_ = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(refreshBucket).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})

	return ids
}

// EnqueueRefresh adds a book id to the pending-refresh set. Adding an
// id already present is a no-op, so the set never holds duplicates.
func (s *Store) EnqueueRefresh(id string) error {
	if id == "" {
		return nil
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(refreshBucket).Put([]byte(id), []byte{})
	})
}

// RemoveRefresh removes exactly the given ids from the pending set.
// Ids not present are ignored.
func (s *Store) RemoveRefresh(ids []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(refreshBucket)

		for _, id := range ids {
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
		}

		return nil
	})
}

// --- path to book id index ---

// BookID returns the book id tracked for a local path, or empty string.
func (s *Store) BookID(path string) string {
	var id string

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(indexBucket).Get([]byte(path))
		if v != nil {
			id = string(v)
		}

		return nil
	})

	return id
}

// SetBookID records the book id for a local path. Called by the merge
// engine after a successful write.
func (s *Store) SetBookID(path, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(indexBucket).Put([]byte(path), []byte(id))
	})
}

// MovePath moves the index entry for oldPath to newPath in one
// transaction. When oldPath is a directory, every tracked path beneath
// it is re-keyed under newPath as well, so a directory rename keeps the
// whole subtree reachable. No-op if nothing under oldPath is tracked.
func (s *Store) MovePath(oldPath, newPath string) error {
	type rekey struct {
		oldKey, newKey string
		id             []byte
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(indexBucket)

		var moves []rekey

		// Copy values: slices are only valid inside this transaction.
		if v := b.Get([]byte(oldPath)); v != nil {
			moves = append(moves, rekey{oldPath, newPath, append([]byte(nil), v...)})
		}

		prefix := oldPath + string(filepath.Separator)
		c := b.Cursor()

		for k, v := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			moves = append(moves, rekey{
				oldKey: string(k),
				newKey: newPath + string(k)[len(oldPath):],
				id:     append([]byte(nil), v...),
			})
		}

		for _, m := range moves {
			if err := b.Delete([]byte(m.oldKey)); err != nil {
				return err
			}

			if err := b.Put([]byte(m.newKey), m.id); err != nil {
				return err
			}
		}

		return nil
	})
}

// RemovePath drops the index entry for a path. No-op if untracked.
func (s *Store) RemovePath(path string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(indexBucket).Delete([]byte(path))
	})
}

// TrackedPaths returns the number of paths in the index.
func (s *Store) TrackedPaths() int {
	var n int

	_ = s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(indexBucket).Stats().KeyN
		return nil
	})

	return n
}
