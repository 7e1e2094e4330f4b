package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type Workspace struct {
	TaskID string
	Path   string
}

// Allocator derives one directory per task id under Root. It keeps no
// state; the same id always yields the same path.
type Allocator struct {
	Root string
}

func NewAllocator(root string) *Allocator {
	return &Allocator{Root: root}
}

func (a *Allocator) Path(taskID string) (string, error) {
	name, err := dirName(taskID)
	if err != nil {
		return "", err
	}
	return filepath.Join(a.Root, name), nil
}

// Prepare creates the task directory on first use. Directories are never
// removed here.
func (a *Allocator) Prepare(ctx context.Context, taskID string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}
	path, err := a.Path(taskID)
	if err != nil {
		return Workspace{}, err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspace: %w", err)
	}
	return Workspace{TaskID: taskID, Path: path}, nil
}

// dirName is the task id itself, so distinct ids never share a directory.
// Ids that would need rewriting to be a safe single path element are
// rejected instead.
func dirName(taskID string) (string, error) {
	if strings.TrimSpace(taskID) == "" {
		return "", fmt.Errorf("task id required")
	}
	if strings.TrimSpace(taskID) != taskID {
		return "", fmt.Errorf("invalid task id %q: surrounding whitespace", taskID)
	}
	// a leading dot covers "." and ".." and keeps clear of hidden temp files
	if strings.HasPrefix(taskID, ".") || strings.ContainsAny(taskID, `/\`) || strings.ContainsRune(taskID, 0) {
		return "", fmt.Errorf("invalid task id %q", taskID)
	}
	return taskID, nil
}
