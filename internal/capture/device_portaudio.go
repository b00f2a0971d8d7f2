//go:build portaudio

package capture

import (
	"fmt"

	"github.com/gordonklaus/portaudio"
)

type portaudioDevice struct{}

// DefaultDevice returns the host's default PortAudio input.
func DefaultDevice() Device { return portaudioDevice{} }

func (portaudioDevice) Open(sampleRate, channels, framesPerBuffer int, onBlock func([]int16)) (Stream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	stream, err := portaudio.OpenDefaultStream(channels, 0, float64(sampleRate), framesPerBuffer, func(in []int16) {
		onBlock(in)
	})
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return &portaudioStream{stream: stream}, nil
}

type portaudioStream struct {
	stream *portaudio.Stream
}

func (s *portaudioStream) Start() error { return s.stream.Start() }

func (s *portaudioStream) Stop() error { return s.stream.Stop() }

func (s *portaudioStream) Close() error {
	err := s.stream.Close()
	if termErr := portaudio.Terminate(); err == nil {
		err = termErr
	}
	return err
}
