package vault

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"
)

const (
	// vaultDirPerm is the permission mode for directories created inside
	// the vault.
	vaultDirPerm = fs.FileMode(0o755)

	// vaultFilePerm is the permission mode for files written inside the
	// vault.
	vaultFilePerm = fs.FileMode(0o644)

	// selfWriteWindow is how long a path written through the Vault is
	// remembered, so the file watcher can tell the echo of our own write
	// apart from user activity.
	selfWriteWindow = 2 * time.Second
)

// Vault provides filesystem operations on the base directory all synced
// highlight files live under. Writes are serialized by an exclusive
// lock so the merge engine and any future writer cannot interleave
// partial writes; reads take a shared lock.
//
// The root directory is not created on construction: whether it exists
// is meaningful to the sync protocol (a missing root tells the server
// the user deleted everything and the export must be rebuilt).
type Vault struct {
	dir string
	mu  sync.RWMutex

	// selfWrites records paths this process wrote recently, keyed by
	// absolute path. Guarded by its own mutex so watcher lookups never
	// contend with file I/O.
	swMu       sync.Mutex
	selfWrites map[string]time.Time
}

// New creates a Vault rooted at the given directory. The directory must
// be an absolute path (resolved at config load time) and is not created.
func New(dir string) (*Vault, error) {
	if dir == "" {
		return nil, fmt.Errorf("vault directory must not be empty")
	}

	if !filepath.IsAbs(dir) {
		return nil, fmt.Errorf("vault directory must be absolute: %q", dir)
	}

	return &Vault{
		dir:        filepath.Clean(dir),
		selfWrites: make(map[string]time.Time),
	}, nil
}

// markSelfWrite records that this process just wrote absPath. Stale
// entries are pruned on the way in so the map stays small.
func (v *Vault) markSelfWrite(absPath string) {
	v.swMu.Lock()
	defer v.swMu.Unlock()

	now := time.Now()
	for p, at := range v.selfWrites {
		if now.Sub(at) > selfWriteWindow {
			delete(v.selfWrites, p)
		}
	}

	v.selfWrites[absPath] = now
}

// IsSelfWrite reports whether a filesystem event for absPath is an echo
// of this process's own recent write rather than user activity.
func (v *Vault) IsSelfWrite(absPath string) bool {
	v.swMu.Lock()
	defer v.swMu.Unlock()

	at, ok := v.selfWrites[absPath]
	if !ok {
		return false
	}

	if time.Since(at) > selfWriteWindow {
		delete(v.selfWrites, absPath)
		return false
	}

	return true
}

// Dir returns the root directory of the vault.
func (v *Vault) Dir() string {
	return v.dir
}

// RootExists reports whether the base directory currently exists.
func (v *Vault) RootExists() bool {
	info, err := os.Stat(v.dir)
	return err == nil && info.IsDir()
}

// Exists reports whether a file exists at the given relative path.
func (v *Vault) Exists(relPath string) bool {
	absPath, err := v.resolve(relPath)
	if err != nil {
		return false
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	_, err = os.Stat(absPath)

	return err == nil
}

// Abs returns the absolute path a relative vault path maps to. Used as
// the key into the path index and for matching watcher events.
func (v *Vault) Abs(relPath string) string {
	return filepath.Join(v.dir, filepath.FromSlash(NormalizePath(relPath)))
}

// ReadFile reads a file by relative path.
func (v *Vault) ReadFile(relPath string) ([]byte, error) {
	absPath, err := v.resolve(relPath)
	if err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	return os.ReadFile(absPath) //nolint:gosec // G304: absPath validated by Vault.resolve
}

// Append writes data to the file at relPath, concatenated after any
// existing content. Parent directories are created as needed. This is
// the merge engine's write primitive: multi-part records arrive as
// several archive entries targeting the same logical file, and the
// parts are joined in archive order.
func (v *Vault) Append(relPath string, data []byte) error {
	absPath, err := v.resolve(relPath)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(absPath), vaultDirPerm); err != nil {
		return fmt.Errorf("creating directory for %s: %w", relPath, err)
	}

	existing, err := os.ReadFile(absPath) //nolint:gosec // G304: absPath validated by Vault.resolve
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading existing %s: %w", relPath, err)
	}

	combined := make([]byte, 0, len(existing)+len(data))
	combined = append(combined, existing...)
	combined = append(combined, data...)

	if err := os.WriteFile(absPath, combined, vaultFilePerm); err != nil {
		return fmt.Errorf("writing %s: %w", relPath, err)
	}

	// The parent is marked too: MkdirAll may have just created it, and
	// its create event must not pair with a user rename.
	v.markSelfWrite(absPath)
	v.markSelfWrite(filepath.Dir(absPath))

	return nil
}

// EnsureDir creates a directory (and parents) at the given relative
// path. Used for explicit directory entries in downloaded archives.
func (v *Vault) EnsureDir(relPath string) error {
	absPath, err := v.resolve(relPath)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := os.MkdirAll(absPath, vaultDirPerm); err != nil {
		return fmt.Errorf("creating directory %s: %w", relPath, err)
	}

	v.markSelfWrite(absPath)

	return nil
}

// resolve maps a vault-relative path to an absolute one, rejecting
// anything that would escape the base directory. Archive entry names
// come from the server, so traversal sequences are treated as hostile.
func (v *Vault) resolve(relPath string) (string, error) {
	relPath = NormalizePath(relPath)

	if relPath == "" {
		return "", fmt.Errorf("empty path")
	}

	if strings.ContainsRune(relPath, 0) {
		return "", fmt.Errorf("path contains null byte: %q", relPath)
	}

	for _, seg := range strings.Split(relPath, "/") {
		if seg == ".." {
			return "", fmt.Errorf("path contains ..: %q", relPath)
		}
	}

	absPath := filepath.Join(v.dir, filepath.FromSlash(relPath))
	if !strings.HasPrefix(absPath, v.dir+string(os.PathSeparator)) {
		return "", fmt.Errorf("path traversal blocked: %q resolves outside base dir", relPath)
	}

	return absPath, nil
}

// NormalizePath normalizes a vault-relative path: backslashes become
// forward slashes, non-breaking spaces become regular spaces, repeated
// slashes collapse, leading/trailing slashes are trimmed, and the
// result is Unicode NFC. Applied to every path entering the system:
// archive entry names and watcher events.
func NormalizePath(path string) string {
	path = strings.ReplaceAll(path, "\\", "/")
	path = strings.ReplaceAll(path, "\u00A0", " ")
	path = strings.ReplaceAll(path, "\u202F", " ")

	var b strings.Builder

	prevSlash := false

	for _, r := range path {
		if r == '/' {
			if prevSlash {
				continue
			}

			prevSlash = true
		} else {
			prevSlash = false
		}

		b.WriteRune(r)
	}

	path = strings.Trim(b.String(), "/")

	return norm.NFC.String(path)
}
