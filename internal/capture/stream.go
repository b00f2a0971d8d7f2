package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

// Device opens input streams whose callback delivers interleaved 16-bit blocks on a
// device-owned goroutine.
type Device interface {
	Open(sampleRate, channels, framesPerBuffer int, onBlock func([]int16)) (Stream, error)
}

type Stream interface {
	Start() error
	Stop() error
	Close() error
}

type StreamSource struct {
	device Device
	frames int
	depth  int
	log    *slog.Logger

	mu     sync.Mutex
	active *streamSession
}

func NewStreamSource(device Device, cfg config.CaptureConfig, log *slog.Logger) *StreamSource {
	if log == nil {
		log = slog.Default()
	}
	frames := cfg.FramesPerBuffer
	if frames <= 0 {
		frames = 1024
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 256
	}
	return &StreamSource{
		device: device,
		frames: frames,
		depth:  depth,
		log:    log.With(slog.String("component", "capture-stream")),
	}
}

func (s *StreamSource) Kind() Kind { return KindStream }

func (s *StreamSource) Active() (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return Handle{}, false
	}
	return s.active.handle, true
}

func (s *StreamSource) Start(destination string, sampleRate, channels int) error {
	if err := validateParams(sampleRate, channels); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return ErrAlreadyRunning
	}
	if s.device == nil {
		return fmt.Errorf("%w: no streaming input device in this build", ErrBackendUnavailable)
	}
	if err := prepareDestination(destination); err != nil {
		return err
	}
	file, err := os.Create(destination)
	if err != nil {
		return fmt.Errorf("open capture file: %w", err)
	}

	sess := &streamSession{
		handle: Handle{Path: destination, SampleRate: sampleRate, Channels: channels, StartedAt: time.Now()},
		file:   file,
		enc:    wav.NewEncoder(file, sampleRate, 16, channels, 1),
		blocks: make(chan []int16, s.depth),
		done:   make(chan struct{}),
		log:    s.log,
	}
	// The encoder emits the RIFF header on its first write; a stop before any block
	// arrives must still leave a readable, empty WAV.
	if err := sess.enc.Write(sess.newBuffer()); err != nil {
		sess.discard()
		return fmt.Errorf("write capture header: %w", err)
	}
	stream, err := s.device.Open(sampleRate, channels, s.frames, sess.onBlock)
	if err != nil {
		sess.discard()
		if errors.Is(err, ErrBackendUnavailable) {
			return err
		}
		return fmt.Errorf("open input stream: %w", err)
	}
	sess.stream = stream

	go sess.drain()

	if err := stream.Start(); err != nil {
		_ = stream.Close()
		sess.closeQueue()
		<-sess.done
		sess.discard()
		return fmt.Errorf("start input stream: %w", err)
	}
	s.active = sess
	s.log.Info("capture started",
		slog.String("path", destination),
		slog.Int("sample_rate", sampleRate),
		slog.Int("channels", channels))
	return nil
}

// Stop stops the device, drains queued blocks and closes the WAV file. Device stop and
// close errors are logged and swallowed. An error is returned only when the artifact
// itself could not be flushed.
func (s *StreamSource) Stop() (string, error) {
	s.mu.Lock()
	sess := s.active
	s.active = nil
	s.mu.Unlock()
	if sess == nil {
		return "", nil
	}

	if err := sess.stream.Stop(); err != nil {
		s.log.Debug("input stream stop failed", slog.String("error", err.Error()))
	}
	if err := sess.stream.Close(); err != nil {
		s.log.Debug("input stream close failed", slog.String("error", err.Error()))
	}
	sess.closeQueue()
	<-sess.done

	encErr := sess.enc.Close()
	fileErr := sess.file.Close()
	if err := errors.Join(encErr, fileErr); err != nil {
		return "", fmt.Errorf("finalize capture %s: %w", sess.handle.Path, err)
	}
	if dropped := sess.dropped.Load(); dropped > 0 {
		s.log.Warn("capture queue overflowed, blocks dropped",
			slog.String("path", sess.handle.Path),
			slog.Int64("dropped", dropped))
	}
	s.log.Info("capture stopped",
		slog.String("path", sess.handle.Path),
		slog.Int64("samples", sess.written),
		slog.Duration("elapsed", time.Since(sess.handle.StartedAt)))
	return sess.handle.Path, nil
}

type streamSession struct {
	handle Handle
	file   *os.File
	enc    *wav.Encoder
	stream Stream
	log    *slog.Logger

	cbMu   sync.RWMutex
	closed bool
	blocks chan []int16
	done   chan struct{}

	dropped atomic.Int64

	// written is owned by drain until done is closed.
	written int64
}

// onBlock runs on the device goroutine and must never block it. The block is copied
// because devices reuse buffers; when the queue is full the block is dropped and counted.
func (s *streamSession) onBlock(in []int16) {
	s.cbMu.RLock()
	defer s.cbMu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.blocks <- append([]int16(nil), in...):
	default:
		if s.dropped.Add(1) == 1 {
			s.log.Warn("capture queue full, dropping audio", slog.String("path", s.handle.Path))
		}
	}
}

func (s *streamSession) newBuffer() *audio.IntBuffer {
	return &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: s.handle.Channels, SampleRate: s.handle.SampleRate},
		SourceBitDepth: 16,
	}
}

func (s *streamSession) closeQueue() {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.blocks)
}

func (s *streamSession) drain() {
	defer close(s.done)
	buf := s.newBuffer()
	for block := range s.blocks {
		buf.Data = buf.Data[:0]
		for _, v := range block {
			buf.Data = append(buf.Data, int(v))
		}
		if err := s.enc.Write(buf); err != nil {
			s.log.Warn("capture write failed", slog.String("error", err.Error()))
			continue
		}
		s.written += int64(len(block))
	}
}

func (s *streamSession) discard() {
	_ = s.file.Close()
	_ = os.Remove(s.handle.Path)
}
