package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-scribe/internal/cmdline"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

const execTimeout = 45 * time.Second

// execModel runs an external recognizer once per session at Finalize. It never reports
// intermediate boundaries.
type execModel struct {
	cmd      cmdline.Template
	modelDir string
	language string
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecModel(cfg config.STTConfig, modelDir string) (Model, error) {
	tpl, err := cmdline.Parse(cfg.Command)
	if errors.Is(err, cmdline.ErrEmpty) {
		return nil, fmt.Errorf("%w: stt command is empty", ErrModelUnavailable)
	}
	if err != nil {
		return nil, fmt.Errorf("stt command: %w", err)
	}
	if err := tpl.Available(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	return &execModel{cmd: tpl, modelDir: modelDir, language: cfg.Language}, nil
}

func (m *execModel) NewSession(sampleRate int) (Session, error) {
	return &execSession{model: m, sampleRate: sampleRate}, nil
}

func (m *execModel) Name() string { return "exec:" + m.cmd.Name }

func (m *execModel) Close() error { return nil }

type execSession struct {
	model      *execModel
	sampleRate int
	samples    []int16
}

func (s *execSession) AcceptChunk(chunk []int16) (bool, error) {
	s.samples = append(s.samples, chunk...)
	return false, nil
}

func (s *execSession) PartialResult() (string, error) { return "", nil }

func (s *execSession) Finalize() (string, error) {
	if len(s.samples) == 0 {
		return "", nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), execTimeout)
	defer cancel()
	return s.model.run(ctx, s.samples, s.sampleRate)
}

func (s *execSession) Close() { s.samples = nil }

func (m *execModel) run(ctx context.Context, samples []int16, sampleRate int) (string, error) {
	file, err := os.CreateTemp("", "scribe_stt_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writeWav(file, samples, sampleRate); err != nil {
		return "", err
	}

	cmdArgs := append([]string(nil), m.cmd.Args...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if m.modelDir != "" {
		cmdArgs = append(cmdArgs, "--model", m.modelDir)
	}
	if m.language != "" {
		cmdArgs = append(cmdArgs, "--language", m.language)
	}

	command := exec.CommandContext(ctx, m.cmd.Name, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return "", fmt.Errorf("decode stt response: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

func writeWav(file *os.File, samples []int16, sampleRate int) error {
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, len(samples)),
	}
	for i, v := range samples {
		buffer.Data[i] = int(v)
	}

	enc := wav.NewEncoder(file, sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
