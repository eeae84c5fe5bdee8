package blob

import (
	"fmt"
	"os"
	"path/filepath"
)

// Workspace manages the shared working volume where staged inputs live and
// workers write their outputs. Refs exchanged on the bus are paths under
// this root.
type Workspace struct {
	root string
}

// NewWorkspace roots a workspace at dir.
func NewWorkspace(dir string) *Workspace {
	return &Workspace{root: dir}
}

// Ref builds the working path for an image file in a project bucket.
func (w *Workspace) Ref(userID, projectID, bucket, fileName string) string {
	return filepath.Join(w.root, "users", userID, "projects", projectID, bucket, fileName)
}

// Reset clears and recreates a project bucket directory, dropping artifacts
// from a previous pass.
func (w *Workspace) Reset(userID, projectID, bucket string) error {
	dir := filepath.Join(w.root, "users", userID, "projects", projectID, bucket)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("reset workspace %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create workspace %s: %w", dir, err)
	}
	return nil
}

// Write stages content at ref, creating parent directories as needed.
func (w *Workspace) Write(ref string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(ref), 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	if err := os.WriteFile(ref, content, 0o644); err != nil {
		return fmt.Errorf("stage %s: %w", ref, err)
	}
	return nil
}

// Read returns the content at ref, typically a worker's output.
func (w *Workspace) Read(ref string) ([]byte, error) {
	data, err := os.ReadFile(ref)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ref, err)
	}
	return data, nil
}
