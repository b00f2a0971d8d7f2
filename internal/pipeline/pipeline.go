// Package pipeline turns finished audio artifacts into transcripts using a loaded recognizer.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-scribe/pipeline"

var (
	ErrNotFound           = errors.New("pipeline: audio artifact not found")
	ErrUnsupportedFormat  = errors.New("pipeline: unsupported audio format")
	ErrRecognizerNotReady = errors.New("pipeline: recognizer not ready")
)

// Result is an immutable transcript plus the bookkeeping of how it was produced.
type Result struct {
	Text       string
	Fragments  []string
	Chunks     int
	SampleRate int
	Duration   time.Duration
}

type Pipeline struct {
	chunkSize   int
	log         *slog.Logger
	tracer      trace.Tracer
	chunks      metric.Int64Counter
	transcripts metric.Int64Counter
	elapsed     metric.Float64Histogram
}

func New(cfg config.PipelineConfig, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	size := cfg.ChunkSize
	if size <= 0 {
		size = config.Default().Pipeline.ChunkSize
	}
	p := &Pipeline{
		chunkSize: size,
		log:       log.With(slog.String("component", "pipeline")),
		tracer:    otel.Tracer(instrumentationName),
	}
	if err := p.initMetrics(); err != nil {
		p.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return p
}

func (p *Pipeline) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	var err error
	if p.chunks, err = meter.Int64Counter("scribe.pipeline.chunks", metric.WithDescription("PCM chunks fed to recognizers")); err != nil {
		return err
	}
	if p.transcripts, err = meter.Int64Counter("scribe.pipeline.transcripts", metric.WithDescription("Completed transcription calls")); err != nil {
		return err
	}
	p.elapsed, err = meter.Float64Histogram("scribe.pipeline.duration_ms", metric.WithDescription("Transcription wall time"), metric.WithUnit("ms"))
	return err
}

// ChunkSize reports the number of samples fed per recognizer step.
func (p *Pipeline) ChunkSize() int { return p.chunkSize }

// Transcribe reads a WAV artifact and runs it through model. Errors are terminal; no retry is attempted.
func (p *Pipeline) Transcribe(ctx context.Context, path string, model stt.Model) (Result, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.transcribe", trace.WithAttributes(attribute.String("audio.path", path)))
	defer span.End()

	if model == nil {
		span.SetStatus(codes.Error, ErrRecognizerNotReady.Error())
		return Result{}, ErrRecognizerNotReady
	}
	audio, err := ReadWAV(path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	span.SetAttributes(
		attribute.Int("audio.sample_rate", audio.SampleRate),
		attribute.Int("audio.channels", audio.Channels),
		attribute.Int("audio.samples", len(audio.Samples)),
	)
	res, err := p.TranscribeSamples(ctx, audio.Samples, audio.SampleRate, model)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

// TranscribeSamples feeds mono samples to a fresh session in fixed-size chunks, draining
// every completed boundary before the next chunk.
func (p *Pipeline) TranscribeSamples(ctx context.Context, samples []int16, sampleRate int, model stt.Model) (Result, error) {
	if model == nil {
		return Result{}, ErrRecognizerNotReady
	}
	started := time.Now()
	session, err := model.NewSession(sampleRate)
	if err != nil {
		return Result{}, fmt.Errorf("create recognizer session: %w", err)
	}
	defer session.Close()

	var fragments []string
	chunks := Partition(samples, p.chunkSize)
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		boundary, err := session.AcceptChunk(chunk)
		if err != nil {
			return Result{}, fmt.Errorf("accept chunk %d: %w", i, err)
		}
		if !boundary {
			continue
		}
		text, err := session.PartialResult()
		if err != nil {
			return Result{}, fmt.Errorf("partial result after chunk %d: %w", i, err)
		}
		if text != "" {
			fragments = append(fragments, text)
		}
	}

	final, err := session.Finalize()
	if err != nil {
		return Result{}, fmt.Errorf("finalize: %w", err)
	}
	if final != "" {
		fragments = append(fragments, final)
	}

	res := Result{
		Text:       strings.Join(fragments, " "),
		Fragments:  fragments,
		Chunks:     len(chunks),
		SampleRate: sampleRate,
		Duration:   time.Since(started),
	}
	p.record(ctx, res, model.Name())
	p.log.Debug("transcription complete",
		slog.String("model", model.Name()),
		slog.Int("chunks", res.Chunks),
		slog.Int("fragments", len(fragments)),
		slog.Duration("elapsed", res.Duration))
	return res, nil
}

func (p *Pipeline) record(ctx context.Context, res Result, model string) {
	attrs := metric.WithAttributes(attribute.String("model", model))
	if p.chunks != nil {
		p.chunks.Add(ctx, int64(res.Chunks), attrs)
	}
	if p.transcripts != nil {
		p.transcripts.Add(ctx, 1, attrs)
	}
	if p.elapsed != nil {
		p.elapsed.Record(ctx, float64(res.Duration.Microseconds())/1000, attrs)
	}
}
