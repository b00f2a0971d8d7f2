package stt

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

var (
	// ErrModelNotFound is returned when the model directory does not exist.
	ErrModelNotFound = errors.New("stt: model not found")
	// ErrModelUnavailable is returned when the recognition backend is not present in this build or host.
	ErrModelUnavailable = errors.New("stt: model unavailable")
	// ErrBoundaryPending is returned when a chunk is fed before the previous boundary's result was drained.
	ErrBoundaryPending = errors.New("stt: boundary result not drained")
	// ErrSessionFinalized is returned for any call on a session after Finalize.
	ErrSessionFinalized = errors.New("stt: session finalized")
)

// Model is a loaded acoustic/language model. It is shared read-only across sessions.
type Model interface {
	NewSession(sampleRate int) (Session, error)
	Name() string
	Close() error
}

// Session holds the private recognition state for one audio stream.
// A session must not be used from more than one goroutine.
type Session interface {
	// AcceptChunk feeds mono 16-bit samples and reports whether an utterance boundary completed.
	AcceptChunk(chunk []int16) (bool, error)
	// PartialResult returns and resets the text of the just-completed boundary.
	PartialResult() (string, error)
	// Finalize flushes buffered audio and returns the terminal text.
	Finalize() (string, error)
	Close()
}

// Load resolves the configured model directory and loads the backend selected by cfg.Mode.
func Load(cfg config.STTConfig, logger *slog.Logger) (Model, error) {
	dir, err := ResolveModelDir(cfg)
	if err != nil {
		return nil, err
	}
	return LoadDir(cfg, dir, logger)
}

// LoadDir loads a model from an explicit directory. An empty dir is accepted by
// backends that do not need one (mock, exec without a model flag).
func LoadDir(cfg config.STTConfig, dir string, logger *slog.Logger) (Model, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir != "" {
		if err := checkModelDir(dir); err != nil {
			return nil, err
		}
	}
	var (
		model Model
		err   error
	)
	switch cfg.Mode {
	case "mock", "":
		model = NewMockModel()
	case "vosk":
		if dir == "" {
			return nil, fmt.Errorf("%w: vosk requires a model directory", ErrModelNotFound)
		}
		model, err = loadVoskModel(dir, cfg)
	case "exec":
		model, err = NewExecModel(cfg, dir)
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrModelUnavailable, cfg.Mode)
	}
	if err != nil {
		return nil, err
	}
	logger.Info("stt model loaded", slog.String("model", model.Name()), slog.String("dir", dir))
	return &guardedModel{inner: model}, nil
}

// ResolveModelDir returns the configured model path, or the first model found under the
// model root when the backend needs one.
func ResolveModelDir(cfg config.STTConfig) (string, error) {
	if cfg.ModelPath != "" {
		return cfg.ModelPath, nil
	}
	if cfg.Mode == "vosk" {
		return FindModelDir(cfg.ModelRoot)
	}
	return "", nil
}

func checkModelDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrModelNotFound, dir)
		}
		return fmt.Errorf("stat model dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrModelNotFound, dir)
	}
	return nil
}

type guardedModel struct {
	inner Model
}

func (m *guardedModel) NewSession(sampleRate int) (Session, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("stt: invalid sample rate %d", sampleRate)
	}
	s, err := m.inner.NewSession(sampleRate)
	if err != nil {
		return nil, err
	}
	return &guardedSession{inner: s}, nil
}

func (m *guardedModel) Name() string { return m.inner.Name() }

func (m *guardedModel) Close() error { return m.inner.Close() }

// guardedSession enforces drain-before-next-chunk ordering and the terminal state after Finalize.
type guardedSession struct {
	inner     Session
	pending   bool
	finalized bool
	closed    bool
}

func (s *guardedSession) AcceptChunk(chunk []int16) (bool, error) {
	if s.finalized {
		return false, ErrSessionFinalized
	}
	if s.pending {
		return false, ErrBoundaryPending
	}
	boundary, err := s.inner.AcceptChunk(chunk)
	if err != nil {
		return false, err
	}
	s.pending = boundary
	return boundary, nil
}

func (s *guardedSession) PartialResult() (string, error) {
	if s.finalized {
		return "", ErrSessionFinalized
	}
	text, err := s.inner.PartialResult()
	s.pending = false
	return text, err
}

func (s *guardedSession) Finalize() (string, error) {
	if s.finalized {
		return "", ErrSessionFinalized
	}
	s.finalized = true
	return s.inner.Finalize()
}

func (s *guardedSession) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.inner.Close()
}

type textResult struct {
	Text string `json:"text"`
}

// parseText extracts the "text" field from a recognizer JSON result.
func parseText(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}
	var res textResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return "", fmt.Errorf("decode recognizer result: %w", err)
	}
	return strings.TrimSpace(res.Text), nil
}

func pcmBytes(samples []int16, dst []byte) []byte {
	need := len(samples) * 2
	if cap(dst) < need {
		dst = make([]byte, need)
	}
	dst = dst[:need]
	for i, s := range samples {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(s))
	}
	return dst
}
