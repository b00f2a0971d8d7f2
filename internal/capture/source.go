// Package capture records microphone audio into files.
//
// Two backends share the Source contract: StreamSource receives sample blocks from a
// Device callback and writes them to a WAV file, ContainerSource drives an external
// recorder that writes an opaque container. Stop never reports a failure of the
// underlying recorder to stop; resource release is unconditional.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

var (
	ErrAlreadyRunning     = errors.New("capture: session already running")
	ErrBackendUnavailable = errors.New("capture: backend unavailable")
)

type Kind string

const (
	KindStream    Kind = "stream"
	KindContainer Kind = "container"
	KindNone      Kind = "none"
)

// Handle describes the active capture session.
type Handle struct {
	Path       string
	SampleRate int
	Channels   int
	StartedAt  time.Time
}

type Source interface {
	// Start begins asynchronous capture into destination. At most one session is active.
	Start(destination string, sampleRate, channels int) error
	// Stop ends the session and returns the finalized artifact path, or "" when idle.
	Stop() (string, error)
	Active() (Handle, bool)
	Kind() Kind
}

// New selects a backend according to cfg.Backend.
func New(cfg config.CaptureConfig, log *slog.Logger) (Source, error) {
	if log == nil {
		log = slog.Default()
	}
	switch cfg.Backend {
	case "stream":
		return NewStreamSource(DefaultDevice(), cfg, log), nil
	case "container":
		return NewContainerSource(cfg, log)
	case "auto", "":
		if dev := DefaultDevice(); dev != nil {
			return NewStreamSource(dev, cfg, log), nil
		}
		if src, err := NewContainerSource(cfg, log); err == nil && src.Available() {
			return src, nil
		}
		log.Warn("no capture backend available")
		return unavailableSource{}, nil
	default:
		return nil, fmt.Errorf("unknown capture backend %q", cfg.Backend)
	}
}

// Record captures for duration (or until ctx is done) and returns the artifact path.
func Record(ctx context.Context, src Source, destination string, sampleRate, channels int, duration time.Duration) (string, error) {
	if err := src.Start(destination, sampleRate, channels); err != nil {
		return "", err
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()

	var waitErr error
	select {
	case <-timer.C:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}
	path, err := src.Stop()
	if err != nil {
		return "", err
	}
	return path, waitErr
}

func validateParams(sampleRate, channels int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("capture: sample rate must be positive, got %d", sampleRate)
	}
	if channels <= 0 {
		return fmt.Errorf("capture: channels must be positive, got %d", channels)
	}
	return nil
}

func prepareDestination(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create capture dir: %w", err)
	}
	return nil
}

type unavailableSource struct{}

func (unavailableSource) Start(string, int, int) error { return ErrBackendUnavailable }

func (unavailableSource) Stop() (string, error) { return "", nil }

func (unavailableSource) Active() (Handle, bool) { return Handle{}, false }

func (unavailableSource) Kind() Kind { return KindNone }
