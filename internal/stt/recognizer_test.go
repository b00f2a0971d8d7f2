package stt

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func voiced(n int) []int16 {
	chunk := make([]int16, n)
	for i := range chunk {
		chunk[i] = 2000
	}
	return chunk
}

func TestLoadMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "absent")
	model, err := LoadDir(config.STTConfig{Mode: "mock"}, dir, newLogger())
	if !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("expected ErrModelNotFound, got %v", err)
	}
	if model != nil {
		t.Fatal("expected no model on failure")
	}
}

func TestLoadVoskWithoutDirectory(t *testing.T) {
	_, err := LoadDir(config.STTConfig{Mode: "vosk"}, "", newLogger())
	if !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("expected ErrModelNotFound, got %v", err)
	}
}

func TestLoadUnknownMode(t *testing.T) {
	_, err := LoadDir(config.STTConfig{Mode: "kaldi"}, "", newLogger())
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}
}

func TestLoadExecMissingBinary(t *testing.T) {
	cfg := config.STTConfig{Mode: "exec", Command: "scribe-recognizer-that-does-not-exist --json"}
	_, err := LoadDir(cfg, "", newLogger())
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}
}

func TestSessionRejectsUndrainedBoundary(t *testing.T) {
	model, err := LoadDir(config.STTConfig{Mode: "mock"}, "", newLogger())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	session, err := model.NewSession(16000)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer session.Close()

	if boundary, err := session.AcceptChunk(voiced(100)); err != nil || boundary {
		t.Fatalf("voiced chunk: boundary=%v err=%v", boundary, err)
	}
	boundary, err := session.AcceptChunk(make([]int16, 100))
	if err != nil || !boundary {
		t.Fatalf("expected boundary on silence, got boundary=%v err=%v", boundary, err)
	}
	if _, err := session.AcceptChunk(voiced(100)); !errors.Is(err, ErrBoundaryPending) {
		t.Fatalf("expected ErrBoundaryPending, got %v", err)
	}
	text, err := session.PartialResult()
	if err != nil {
		t.Fatalf("partial result: %v", err)
	}
	if text != "utterance-1" {
		t.Fatalf("unexpected partial text %q", text)
	}
	if _, err := session.AcceptChunk(voiced(100)); err != nil {
		t.Fatalf("accept after drain: %v", err)
	}
}

func TestSessionTerminalAfterFinalize(t *testing.T) {
	model, err := LoadDir(config.STTConfig{Mode: "mock"}, "", newLogger())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	session, err := model.NewSession(16000)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer session.Close()

	if _, err := session.AcceptChunk(voiced(50)); err != nil {
		t.Fatalf("accept: %v", err)
	}
	text, err := session.Finalize()
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if text != "utterance-1" {
		t.Fatalf("unexpected final text %q", text)
	}
	if _, err := session.Finalize(); !errors.Is(err, ErrSessionFinalized) {
		t.Fatalf("expected ErrSessionFinalized, got %v", err)
	}
	if _, err := session.AcceptChunk(voiced(50)); !errors.Is(err, ErrSessionFinalized) {
		t.Fatalf("expected ErrSessionFinalized, got %v", err)
	}
}

func TestSessionsDoNotShareState(t *testing.T) {
	model := NewMockModel()
	a, _ := model.NewSession(16000)
	b, _ := model.NewSession(16000)
	if _, err := a.AcceptChunk(voiced(10)); err != nil {
		t.Fatalf("accept: %v", err)
	}
	text, err := b.Finalize()
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if text != "" {
		t.Fatalf("expected empty text from untouched session, got %q", text)
	}
}

func TestNewSessionRejectsBadRate(t *testing.T) {
	model, err := LoadDir(config.STTConfig{Mode: "mock"}, "", newLogger())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := model.NewSession(0); err == nil {
		t.Fatal("expected error for zero sample rate")
	}
}

func TestParseText(t *testing.T) {
	text, err := parseText(`{"text" : " hello world "}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if text != "hello world" {
		t.Fatalf("unexpected text %q", text)
	}
	if text, err := parseText(""); err != nil || text != "" {
		t.Fatalf("expected empty text for empty result, got %q %v", text, err)
	}
	if _, err := parseText("not json"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestPCMBytesLittleEndian(t *testing.T) {
	out := pcmBytes([]int16{1, -2}, nil)
	want := []byte{0x01, 0x00, 0xfe, 0xff}
	if string(out) != string(want) {
		t.Fatalf("unexpected bytes %v", out)
	}
}

func TestFindModelDir(t *testing.T) {
	root := t.TempDir()
	if _, err := FindModelDir(root); !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("expected ErrModelNotFound for empty root, got %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "README"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := os.Mkdir(filepath.Join(root, "vosk-model-small-en-us-0.15"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	dir, err := FindModelDir(root)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if filepath.Base(dir) != "vosk-model-small-en-us-0.15" {
		t.Fatalf("unexpected model dir %s", dir)
	}
}

func TestCacheLoadsOnce(t *testing.T) {
	dir := t.TempDir()
	cache := NewCache(config.STTConfig{Mode: "mock", ModelPath: dir}, newLogger())
	loads := 0
	cache.load = func(cfg config.STTConfig, d string, logger *slog.Logger) (Model, error) {
		loads++
		return LoadDir(cfg, d, logger)
	}

	first, err := cache.Default()
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	second, err := cache.Get(dir)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if first != second {
		t.Fatal("expected cached model instance")
	}
	if loads != 1 {
		t.Fatalf("expected 1 load, got %d", loads)
	}
	if !cache.Loaded() {
		t.Fatal("expected cache to report a loaded model")
	}
	if err := cache.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if cache.Loaded() {
		t.Fatal("expected cache empty after close")
	}
}

func TestCacheDoesNotKeepFailures(t *testing.T) {
	cache := NewCache(config.STTConfig{Mode: "mock"}, newLogger())
	missing := filepath.Join(t.TempDir(), "missing")
	if _, err := cache.Get(missing); !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("expected ErrModelNotFound, got %v", err)
	}
	if cache.Loaded() {
		t.Fatal("failed load must not be cached")
	}
}
