package stt

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// Cache loads each model directory once and hands out the shared instance.
type Cache struct {
	cfg    config.STTConfig
	log    *slog.Logger
	mu     sync.Mutex
	models map[string]Model
	load   func(cfg config.STTConfig, dir string, logger *slog.Logger) (Model, error)
}

func NewCache(cfg config.STTConfig, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		cfg:    cfg,
		log:    log.With(slog.String("component", "stt-cache")),
		models: make(map[string]Model),
		load:   LoadDir,
	}
}

// Default returns the model for the configured directory.
func (c *Cache) Default() (Model, error) {
	dir, err := ResolveModelDir(c.cfg)
	if err != nil {
		return nil, err
	}
	return c.Get(dir)
}

// Get returns the model loaded from dir, loading it on first use. Failed loads are not cached.
func (c *Cache) Get(dir string) (Model, error) {
	key := dir
	if dir != "" {
		if abs, err := filepath.Abs(dir); err == nil {
			key = abs
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.models[key]; ok {
		return m, nil
	}
	m, err := c.load(c.cfg, dir, c.log)
	if err != nil {
		return nil, err
	}
	c.models[key] = m
	return m, nil
}

// Loaded reports whether any model is resident.
func (c *Cache) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.models) > 0
}

func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for key, m := range c.models {
		if err := m.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close model %s: %w", key, err))
		}
		delete(c.models, key)
	}
	return errors.Join(errs...)
}

// FindModelDir returns the first sub-directory (by name) under root.
func FindModelDir(root string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("%w: no model root configured", ErrModelNotFound)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrModelNotFound, root)
		}
		return "", fmt.Errorf("read model root: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			return filepath.Join(root, e.Name()), nil
		}
	}
	return "", fmt.Errorf("%w: no model under %s", ErrModelNotFound, root)
}
