package pipeline

import (
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/go-audio/wav"
)

const wavFormatPCM = 1

// Audio is a decoded artifact normalized to mono 16-bit samples.
type Audio struct {
	Samples    []int16
	SampleRate int
	// Channels is the channel count of the source before downmixing.
	Channels int
}

// ReadWAV opens a WAV artifact and normalizes it to mono.
func ReadWAV(path string) (Audio, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Audio{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return Audio{}, fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return Audio{}, fmt.Errorf("%w: %s is not a WAV file", ErrUnsupportedFormat, path)
	}
	if dec.WavAudioFormat != wavFormatPCM {
		return Audio{}, fmt.Errorf("%w: audio format %d is not PCM", ErrUnsupportedFormat, dec.WavAudioFormat)
	}
	if dec.BitDepth != 16 {
		return Audio{}, fmt.Errorf("%w: bit depth %d, need 16", ErrUnsupportedFormat, dec.BitDepth)
	}
	channels := int(dec.NumChans)
	if channels <= 0 || dec.SampleRate == 0 {
		return Audio{}, fmt.Errorf("%w: invalid header (channels=%d rate=%d)", ErrUnsupportedFormat, channels, dec.SampleRate)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Audio{}, fmt.Errorf("%w: read pcm: %v", ErrUnsupportedFormat, err)
	}

	return Audio{
		Samples:    Downmix(buf.Data, channels),
		SampleRate: int(dec.SampleRate),
		Channels:   channels,
	}, nil
}

// Downmix averages interleaved frames into mono, rounding half away from zero and clipping
// to the int16 range. A trailing partial frame is dropped.
func Downmix(interleaved []int, channels int) []int16 {
	if channels <= 1 {
		out := make([]int16, len(interleaved))
		for i, v := range interleaved {
			out[i] = clip16(v)
		}
		return out
	}
	frames := len(interleaved) / channels
	out := make([]int16, frames)
	for i := 0; i < frames; i++ {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += interleaved[i*channels+c]
		}
		out[i] = clip16(int(math.Round(float64(sum) / float64(channels))))
	}
	return out
}

func clip16(v int) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	default:
		return int16(v)
	}
}

// Partition splits samples into consecutive chunks of size; the last chunk may be shorter.
// Chunks share the backing array but are capacity-capped so appends cannot clobber neighbours.
func Partition(samples []int16, size int) [][]int16 {
	if size <= 0 || len(samples) == 0 {
		return nil
	}
	chunks := make([][]int16, 0, (len(samples)+size-1)/size)
	for start := 0; start < len(samples); start += size {
		end := start + size
		if end > len(samples) {
			end = len(samples)
		}
		chunks = append(chunks, samples[start:end:end])
	}
	return chunks
}
