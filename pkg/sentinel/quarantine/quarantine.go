package quarantine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelsec/sentinel/pkg/sentinel/logging"
)

// ManifestName is the manifest document inside the quarantine root. The
// leading dot keeps it out of directory listings and event dispatch.
const ManifestName = ".manifest"

// Errors returned by engine operations.
var (
	// ErrNotFound means no manifest entry exists for the given id.
	ErrNotFound = errors.New("quarantine entry not found")
	// ErrOriginalExists means restore would overwrite a file that has
	// since appeared at the original path.
	ErrOriginalExists = errors.New("file already exists at original path")
)

// Engine moves infected files into the quarantine root and owns the
// manifest. All operations serialise on a single lock; List returns an
// owned snapshot safe to read outside it.
type Engine struct {
	root         string
	manifestPath string

	mu      sync.Mutex
	entries []Entry
}

// Open creates the quarantine root if missing (mode 0700) and loads the
// manifest. A corrupt manifest is replaced with an empty one and logged;
// isolated content on disk is never touched by recovery.
func Open(root string) (*Engine, error) {
	logger := logging.Get("quarantine")

	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("creating quarantine root: %w", err)
	}
	// MkdirAll leaves an existing directory's mode alone; enforce it.
	if err := os.Chmod(root, 0o700); err != nil {
		return nil, fmt.Errorf("restricting quarantine root: %w", err)
	}

	e := &Engine{
		root:         root,
		manifestPath: filepath.Join(root, ManifestName),
	}

	data, err := os.ReadFile(e.manifestPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		e.entries = []Entry{}
	case err != nil:
		return nil, fmt.Errorf("reading manifest: %w", err)
	default:
		if jsonErr := json.Unmarshal(data, &e.entries); jsonErr != nil {
			logger.Warn("corrupt manifest, reinitialising", "path", e.manifestPath, "error", jsonErr)
			e.entries = []Entry{}
		}
	}

	logger.Info("quarantine initialised", "root", root, "entries", len(e.entries))
	return e, nil
}

// Root returns the quarantine root directory.
func (e *Engine) Root() string { return e.root }

// Quarantine relocates an infected file into the quarantine root and
// records it in the manifest. It returns the new entry's id.
func (e *Engine) Quarantine(path, threatName string) (string, error) {
	logger := logging.Get("quarantine")

	e.mu.Lock()
	defer e.mu.Unlock()

	// Neutralise the source first. Best-effort: the relocation below is
	// what actually removes the file from reach.
	if err := os.Chmod(path, 0o000); err != nil {
		logger.Error("chmod 000 failed on source", "path", path, "error", err)
	}

	id := uuid.New().String()
	dest := filepath.Join(e.root, id+"_"+filepath.Base(path))

	if err := e.relocate(path, dest); err != nil {
		logger.Error("failed to move file into quarantine", "path", path, "dest", dest, "error", err)
		return "", err
	}

	if err := os.Chmod(dest, 0o000); err != nil {
		// The content is inside the 0700 root but the entry is not
		// committed; undo the relocation artifact and report failure.
		logger.Error("chmod 000 failed on quarantined file", "dest", dest, "error", err)
		_ = os.Remove(dest)
		return "", err
	}

	entry := Entry{
		ID:             id,
		OriginalPath:   path,
		QuarantinePath: dest,
		ThreatName:     threatName,
		Timestamp:      time.Now().Unix(),
	}
	e.entries = append(e.entries, entry)

	if err := e.saveLocked(); err != nil {
		e.entries = e.entries[:len(e.entries)-1]
		_ = os.Remove(dest)
		return "", err
	}

	logger.Info("quarantined", "path", path, "dest", dest, "threat", threatName, "id", id)
	return id, nil
}

// Restore returns a quarantined file to its original path with mode 0644
// and removes the manifest entry. It refuses to overwrite a file that
// has appeared at the original path since isolation.
func (e *Engine) Restore(id string) error {
	logger := logging.Get("quarantine")

	e.mu.Lock()
	defer e.mu.Unlock()

	idx := e.findLocked(id)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	entry := e.entries[idx]

	if _, err := os.Lstat(entry.OriginalPath); err == nil {
		return fmt.Errorf("%w: %s", ErrOriginalExists, entry.OriginalPath)
	}

	// Widen temporarily so the content can be read during a copy fallback.
	if err := os.Chmod(entry.QuarantinePath, 0o400); err != nil {
		logger.Error("cannot widen quarantined file for restore", "path", entry.QuarantinePath, "error", err)
		return err
	}

	if err := e.relocate(entry.QuarantinePath, entry.OriginalPath); err != nil {
		logger.Error("restore relocation failed", "from", entry.QuarantinePath, "to", entry.OriginalPath, "error", err)
		_ = os.Chmod(entry.QuarantinePath, 0o000)
		return err
	}

	if err := os.Chmod(entry.OriginalPath, 0o644); err != nil {
		logger.Warn("failed to set restored file permissions", "path", entry.OriginalPath, "error", err)
	}

	e.removeLocked(idx)
	if err := e.saveLocked(); err != nil {
		return err
	}

	logger.Info("restored", "id", id, "path", entry.OriginalPath)
	return nil
}

// Delete permanently removes a quarantined file and its manifest entry.
// On unlink failure the entry stays and the file is re-locked.
func (e *Engine) Delete(id string) error {
	logger := logging.Get("quarantine")

	e.mu.Lock()
	defer e.mu.Unlock()

	idx := e.findLocked(id)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	entry := e.entries[idx]

	// Unlinking needs no permissions on the file itself, but widen it
	// anyway so a dead manifest entry never strands an unreadable file.
	_ = os.Chmod(entry.QuarantinePath, 0o600)

	if err := os.Remove(entry.QuarantinePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Error("failed to delete quarantined file", "path", entry.QuarantinePath, "error", err)
		_ = os.Chmod(entry.QuarantinePath, 0o000)
		return err
	}

	e.removeLocked(idx)
	if err := e.saveLocked(); err != nil {
		return err
	}

	logger.Info("deleted", "id", id, "path", entry.QuarantinePath)
	return nil
}

// List returns a snapshot of the manifest at the moment of the call.
func (e *Engine) List() []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()

	snapshot := make([]Entry, len(e.entries))
	copy(snapshot, e.entries)
	return snapshot
}

// Len returns the number of quarantined entries.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}

// Close flushes the manifest.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.saveLocked()
}

// findLocked returns the index of the entry with the given id, or -1.
func (e *Engine) findLocked(id string) int {
	for i := range e.entries {
		if e.entries[i].ID == id {
			return i
		}
	}
	return -1
}

func (e *Engine) removeLocked(idx int) {
	e.entries = append(e.entries[:idx], e.entries[idx+1:]...)
}

// saveLocked flushes the manifest to disk with a temp-file + rename so a
// crash mid-write never leaves a torn document.
func (e *Engine) saveLocked() error {
	data, err := json.MarshalIndent(e.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling manifest: %w", err)
	}
	data = append(data, '\n')

	tmpPath := e.manifestPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	if err := os.Rename(tmpPath, e.manifestPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("committing manifest: %w", err)
	}
	return nil
}

// relocate moves src to dest, preferring an atomic rename and falling
// back to copy + unlink when the paths sit on different filesystems.
// During the fallback the source is widened to owner-read and
// re-restricted if the copy fails.
func (e *Engine) relocate(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}

	if err := os.Chmod(src, 0o400); err != nil {
		return fmt.Errorf("widening source for copy: %w", err)
	}
	if err := copyFile(src, dest); err != nil {
		_ = os.Chmod(src, 0o000)
		return err
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("unlinking source after copy: %w", err)
	}
	return nil
}

// copyFile copies src to dest byte-for-byte. dest is created 0600 and
// removed on failure.
func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating destination: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(dest)
		return fmt.Errorf("copying content: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dest)
		return fmt.Errorf("closing destination: %w", err)
	}
	return nil
}
