package config

import (
	"context"
	"sync"
)

// Binder owns the effective configuration. Reload re-reads the file and
// hands the new value to every listener, in registration order.
type Binder struct {
	path string

	mu        sync.RWMutex
	current   Config
	listeners []func(ctx context.Context, cfg Config) error
}

func NewBinder(path string) (*Binder, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Binder{path: path, current: cfg}, nil
}

// NewStaticBinder binds a fixed configuration; Reload re-applies it.
func NewStaticBinder(cfg Config) *Binder {
	return &Binder{current: cfg}
}

func (b *Binder) Current() Config {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current
}

func (b *Binder) OnChange(fn func(ctx context.Context, cfg Config) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// Set replaces the configuration without notifying listeners.
func (b *Binder) Set(cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = cfg
}

func (b *Binder) Reload(ctx context.Context) error {
	cfg := b.Current()
	if b.path != "" {
		loaded, err := Load(b.path)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	b.mu.Lock()
	b.current = cfg
	listeners := append([]func(context.Context, Config) error(nil), b.listeners...)
	b.mu.Unlock()

	for _, fn := range listeners {
		if err := fn(ctx, cfg); err != nil {
			return err
		}
	}
	return nil
}
