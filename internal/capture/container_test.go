package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

func waitForFile(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if info, err := os.Stat(path); err == nil && info.Size() > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("recorder never wrote %s", path)
}

func TestContainerRecordsToContainerPath(t *testing.T) {
	cfg := config.CaptureConfig{
		RecorderCommand:    `sh -c "printf container-{rate}-{channels} > {output}; exec sleep 30"`,
		ContainerExtension: "3gp",
		StopTimeoutMS:      2000,
	}
	src, err := NewContainerSource(cfg, newLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	dest := filepath.Join(t.TempDir(), "rec", "take.wav")
	if err := src.Start(dest, 8000, 1); err != nil {
		t.Fatalf("start: %v", err)
	}
	want := filepath.Join(filepath.Dir(dest), "take.3gp")
	h, ok := src.Active()
	if !ok || h.Path != want {
		t.Fatalf("unexpected handle %+v", h)
	}
	waitForFile(t, want)

	path, err := src.Stop()
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if path != want {
		t.Fatalf("stop returned %q want %q", path, want)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "container-8000-1" {
		t.Fatalf("unexpected artifact content %q", data)
	}
}

func TestContainerStartTwiceFails(t *testing.T) {
	src, err := NewContainerSource(config.CaptureConfig{RecorderCommand: "sleep 30"}, newLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	dest := filepath.Join(t.TempDir(), "a.wav")
	if err := src.Start(dest, 8000, 1); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer src.Stop()
	if err := src.Start(filepath.Join(t.TempDir(), "b.wav"), 8000, 1); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if h, ok := src.Active(); !ok || h.Path != src.OutputPath(dest) {
		t.Fatalf("first session disturbed: %+v", h)
	}
}

func TestContainerEarlyStopIsSwallowed(t *testing.T) {
	src, err := NewContainerSource(config.CaptureConfig{RecorderCommand: "sleep 30"}, newLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	dest := filepath.Join(t.TempDir(), "early.wav")
	if err := src.Start(dest, 8000, 1); err != nil {
		t.Fatalf("start: %v", err)
	}
	path, err := src.Stop()
	if err != nil {
		t.Fatalf("expected swallowed error, got %v", err)
	}
	if path != src.OutputPath(dest) {
		t.Fatalf("unexpected path %q", path)
	}
	if path, err := src.Stop(); path != "" || err != nil {
		t.Fatalf("expected idle stop no-op, got %q %v", path, err)
	}
}

func TestContainerKillsStubbornRecorder(t *testing.T) {
	cfg := config.CaptureConfig{
		RecorderCommand: `sh -c "trap '' INT; exec sleep 30"`,
		StopTimeoutMS:   200,
	}
	src, err := NewContainerSource(cfg, newLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := src.Start(filepath.Join(t.TempDir(), "x.wav"), 8000, 1); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	started := time.Now()
	if _, err := src.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if elapsed := time.Since(started); elapsed > 5*time.Second {
		t.Fatalf("stop took %s", elapsed)
	}
}

func TestContainerMissingRecorder(t *testing.T) {
	src, err := NewContainerSource(config.CaptureConfig{RecorderCommand: "recorder-that-does-not-exist {output}"}, newLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if src.Available() {
		t.Fatal("expected recorder unavailable")
	}
	err = src.Start(filepath.Join(t.TempDir(), "x.wav"), 8000, 1)
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
}

func TestAutoWithoutAnyBackend(t *testing.T) {
	cfg := config.CaptureConfig{Backend: "auto", RecorderCommand: "recorder-that-does-not-exist {output}"}
	src, err := New(cfg, newLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if DefaultDevice() != nil {
		t.Skip("streaming device compiled in")
	}
	if src.Kind() != KindNone {
		t.Fatalf("expected no backend, got %s", src.Kind())
	}
	if err := src.Start(filepath.Join(t.TempDir(), "x.wav"), 16000, 1); !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
}

func TestRecordStopsAfterDuration(t *testing.T) {
	cfg := config.CaptureConfig{RecorderCommand: `sh -c "printf x > {output}; exec sleep 30"`, StopTimeoutMS: 2000}
	src, err := NewContainerSource(cfg, newLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	dest := filepath.Join(t.TempDir(), "clip.wav")
	path, err := Record(context.Background(), src, dest, 8000, 1, 300*time.Millisecond)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if path != src.OutputPath(dest) {
		t.Fatalf("unexpected path %q", path)
	}
	if _, ok := src.Active(); ok {
		t.Fatal("expected session stopped")
	}
}
