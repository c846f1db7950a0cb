package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// WorkspacePrefix names every run directory created under a workspace base.
const WorkspacePrefix = "ws-"

// TempWorkspace is an exclusive scratch directory for one ingestion run.
// Everything created through it is removed by Release.
type TempWorkspace struct {
	dir string

	mu       sync.Mutex
	released bool
}

// NewTempWorkspace creates a fresh ws-<uuid> directory under baseDir.
func NewTempWorkspace(baseDir string) (*TempWorkspace, error) {
	if strings.TrimSpace(baseDir) == "" {
		baseDir = os.TempDir()
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace base: %w", err)
	}
	dir := filepath.Join(baseDir, WorkspacePrefix+uuid.NewString())
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &TempWorkspace{dir: dir}, nil
}

// Dir returns the workspace root.
func (w *TempWorkspace) Dir() string {
	return w.dir
}

// NewFile returns a path for a file inside the workspace. The file is not created.
func (w *TempWorkspace) NewFile(name string) (string, error) {
	p, err := w.child(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return "", fmt.Errorf("create workspace dir: %w", err)
	}
	return p, nil
}

// NewDir creates a directory inside the workspace.
func (w *TempWorkspace) NewDir(name string) (string, error) {
	p, err := w.child(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(p, 0o700); err != nil {
		return "", fmt.Errorf("create workspace dir: %w", err)
	}
	return p, nil
}

// Release removes the workspace tree. Safe to call more than once.
func (w *TempWorkspace) Release() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released {
		return nil
	}
	if err := os.RemoveAll(w.dir); err != nil {
		return fmt.Errorf("release workspace: %w", err)
	}
	w.released = true
	return nil
}

func (w *TempWorkspace) child(name string) (string, error) {
	w.mu.Lock()
	released := w.released
	w.mu.Unlock()
	if released {
		return "", errors.New("workspace released")
	}
	cleaned, err := CleanKey(filepath.ToSlash(name))
	if err != nil {
		return "", fmt.Errorf("workspace entry %q: %w", name, err)
	}
	return filepath.Join(w.dir, filepath.FromSlash(cleaned)), nil
}

// RemovePaths deletes every path, skipping ones that are already gone.
// It never stops early; the returned error joins every failure.
func RemovePaths(paths []string) (int, error) {
	removed := 0
	var errs []error
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if _, err := os.Lstat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", p, err))
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// StaleWorkspaces lists workspace directories under baseDir last modified before cutoff.
func StaleWorkspaces(baseDir string, cutoff time.Time) ([]string, error) {
	entries, err := os.ReadDir(baseDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read workspace base: %w", err)
	}
	var stale []string
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), WorkspacePrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			stale = append(stale, filepath.Join(baseDir, entry.Name()))
		}
	}
	return stale, nil
}
