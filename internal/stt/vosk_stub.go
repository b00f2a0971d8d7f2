//go:build !vosk

package stt

import (
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

func loadVoskModel(dir string, _ config.STTConfig) (Model, error) {
	return nil, fmt.Errorf("%w: vosk support is disabled in this build (rebuild with -tags vosk)", ErrModelUnavailable)
}
