// Package convert normalizes recorded containers into mono 16 kHz PCM WAV with an external tool.
package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/cmdline"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

var (
	ErrConverterUnavailable = errors.New("convert: converter not available")
	ErrConversionFailed     = errors.New("convert: conversion failed")
)

// Converter runs a command template with {input} and {output} placeholders.
type Converter struct {
	cmd     cmdline.Template
	timeout time.Duration
	log     *slog.Logger
}

func New(cfg config.ConvertConfig, log *slog.Logger) (*Converter, error) {
	if log == nil {
		log = slog.Default()
	}
	tpl, err := cmdline.Parse(cfg.Command)
	if errors.Is(err, cmdline.ErrEmpty) {
		return nil, fmt.Errorf("%w: convert command is empty", ErrConverterUnavailable)
	}
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Converter{
		cmd:     tpl,
		timeout: timeout,
		log:     log.With(slog.String("component", "converter")),
	}, nil
}

// Available reports whether the converter executable can be found.
func (c *Converter) Available() bool {
	return c.cmd.Available() == nil
}

// Convert transcodes in into out.
func (c *Converter) Convert(ctx context.Context, in, out string) error {
	if err := c.cmd.Available(); err != nil {
		return fmt.Errorf("%w: %v", ErrConverterUnavailable, err)
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	args := c.cmd.Expand(map[string]string{"{input}": in, "{output}": out})
	command := exec.CommandContext(ctx, c.cmd.Name, args...)
	var stderr bytes.Buffer
	command.Stderr = &stderr
	started := time.Now()
	if err := command.Run(); err != nil {
		return fmt.Errorf("%w: %v: %s", ErrConversionFailed, err, strings.TrimSpace(stderr.String()))
	}
	c.log.Debug("converted audio",
		slog.String("input", in),
		slog.String("output", out),
		slog.Duration("elapsed", time.Since(started)))
	return nil
}

// Prepare returns a path the pipeline can read. PCM16 WAV input is returned unchanged
// with a no-op cleanup; anything else is converted into workDir.
func (c *Converter) Prepare(ctx context.Context, path, workDir string) (string, func(), error) {
	if IsPCM16WAV(path) {
		return path, func() {}, nil
	}
	if _, err := os.Stat(path); err != nil {
		return "", func() {}, fmt.Errorf("stat input: %w", err)
	}
	if workDir == "" {
		workDir = os.TempDir()
	}
	out := filepath.Join(workDir, "conv_"+uuid.NewString()+".wav")
	if err := c.Convert(ctx, path, out); err != nil {
		_ = os.Remove(out)
		return "", func() {}, err
	}
	return out, func() { _ = os.Remove(out) }, nil
}

// IsPCM16WAV sniffs the header of path.
func IsPCM16WAV(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return false
	}
	return dec.WavAudioFormat == 1 && dec.BitDepth == 16
}
