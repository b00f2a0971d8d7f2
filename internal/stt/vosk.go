//go:build vosk

package stt

import (
	"fmt"
	"path/filepath"

	vosk "github.com/alphacep/vosk-api/go"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

func init() {
	vosk.SetLogLevel(-1)
}

type voskModel struct {
	model *vosk.VoskModel
	dir   string
	words bool
}

func loadVoskModel(dir string, cfg config.STTConfig) (Model, error) {
	m, err := vosk.NewModel(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	return &voskModel{model: m, dir: dir, words: cfg.Words}, nil
}

func (m *voskModel) NewSession(sampleRate int) (Session, error) {
	rec, err := vosk.NewRecognizer(m.model, float64(sampleRate))
	if err != nil {
		return nil, fmt.Errorf("create vosk recognizer: %w", err)
	}
	if m.words {
		rec.SetWords(1)
	}
	return &voskSession{rec: rec}, nil
}

func (m *voskModel) Name() string { return "vosk:" + filepath.Base(m.dir) }

func (m *voskModel) Close() error {
	m.model.Free()
	return nil
}

type voskSession struct {
	rec *vosk.VoskRecognizer
	buf []byte
}

func (s *voskSession) AcceptChunk(chunk []int16) (bool, error) {
	s.buf = pcmBytes(chunk, s.buf)
	switch s.rec.AcceptWaveform(s.buf) {
	case 1:
		return true, nil
	case 0:
		return false, nil
	default:
		return false, fmt.Errorf("vosk: accept waveform failed")
	}
}

func (s *voskSession) PartialResult() (string, error) {
	return parseText(s.rec.Result())
}

func (s *voskSession) Finalize() (string, error) {
	return parseText(s.rec.FinalResult())
}

func (s *voskSession) Close() {
	s.rec.Free()
}
