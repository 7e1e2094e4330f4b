package surface

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FilePreview renders preview content into a single file, for hosts without
// a browser view.
type FilePreview struct {
	path string

	mu  sync.Mutex
	url string
}

func NewFilePreview(path string) *FilePreview {
	return &FilePreview{path: path, url: "about:blank"}
}

func (p *FilePreview) Path() string {
	return p.path
}

func (p *FilePreview) CurrentURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *FilePreview) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
	return nil
}

func (p *FilePreview) ShowContent(ctx context.Context, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("create preview dir: %w", err)
	}
	// tasks deliver concurrently, so each write gets its own temp file
	tmp, err := os.CreateTemp(filepath.Dir(p.path), ".preview-*")
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), p.path)
}
