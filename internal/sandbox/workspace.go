package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// DefaultMaxSourceBytes is the source size ceiling when none is configured.
const DefaultMaxSourceBytes = 64 * 1024

// Materializer creates per-submission workspaces.
type Materializer struct {
	// Root is the parent directory for workspaces. Empty means os.TempDir().
	Root           string
	MaxSourceBytes int
}

// Workspace is an exclusively owned directory holding one submission's entry file.
type Workspace struct {
	Dir       string
	EntryPath string

	once sync.Once
	err  error
}

// CheckSource rejects source larger than limit.
func CheckSource(code string, limit int) error {
	if limit <= 0 {
		limit = DefaultMaxSourceBytes
	}
	if len(code) > limit {
		return fmt.Errorf("%w: %d bytes, limit is %d", ErrSourceTooLarge, len(code), limit)
	}
	return nil
}

// Materialize writes code verbatim into a fresh, uniquely named directory.
// The caller must Close the workspace.
func (m *Materializer) Materialize(code string, p Profile) (*Workspace, error) {
	if err := CheckSource(code, m.MaxSourceBytes); err != nil {
		return nil, err
	}
	if !isPlainFileName(p.EntryFile) {
		return nil, fmt.Errorf("%w: entry file %q is not a plain file name", ErrValidation, p.EntryFile)
	}

	root := m.Root
	if root == "" {
		root = os.TempDir()
	}

	// uuid.New draws from crypto/rand; Mkdir fails rather than reuse a directory.
	dir := filepath.Join(root, "submission-"+uuid.New().String())
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: creating workspace: %v", ErrInfrastructure, err)
	}
	ws := &Workspace{Dir: dir, EntryPath: filepath.Join(dir, p.EntryFile)}

	// The sandbox identity differs from ours and compiled profiles write
	// their binary next to the source.
	if err := os.Chmod(dir, 0o777); err != nil {
		ws.Close()
		return nil, fmt.Errorf("%w: preparing workspace: %v", ErrInfrastructure, err)
	}
	if err := os.WriteFile(ws.EntryPath, []byte(code), 0o644); err != nil {
		ws.Close()
		return nil, fmt.Errorf("%w: writing entry file: %v", ErrInfrastructure, err)
	}
	return ws, nil
}

// Close deletes the workspace tree. It is safe to call more than once.
func (w *Workspace) Close() error {
	w.once.Do(func() {
		w.err = os.RemoveAll(w.Dir)
	})
	return w.err
}
