package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/convert"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrNoAudio      = errors.New("service: request carries neither path nor audio")
	ErrAudioTooBig  = errors.New("service: audio exceeds size limit")
	ErrInvalidAudio = errors.New("service: audio is not valid base64")
	ErrPathDenied   = errors.New("service: path is outside the allowed roots")
	ErrClosing      = errors.New("service: shutting down")
)

// Models hands out loaded recognizer models.
type Models interface {
	Default() (stt.Model, error)
	Get(dir string) (stt.Model, error)
}

// Service answers transcription requests arriving on the bus.
type Service struct {
	cfg       config.ServiceConfig
	modelRoot string
	bus       *bus.Client
	store     *eventstore.Store
	models    Models
	pipeline  *pipeline.Pipeline
	converter *convert.Converter
	log       *slog.Logger
	tracer    trace.Tracer
	requests  metric.Int64Counter
	// maxBytes is cfg.MaxBytes clamped to what one bus message can carry.
	maxBytes int

	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription
	ready  atomic.Bool

	// mu orders wg.Add in handlers against closing so Close never races Wait.
	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

type Options struct {
	Service   config.ServiceConfig
	ModelRoot string
	Bus       *bus.Client
	Store     *eventstore.Store
	Models    Models
	Pipeline  *pipeline.Pipeline
	// Converter may be nil; non-WAV input is then rejected by the pipeline.
	Converter *convert.Converter
	Logger    *slog.Logger
}

func New(parent context.Context, opts Options) *Service {
	ctx, cancel := context.WithCancel(parent)
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		cfg:       opts.Service,
		maxBytes:  opts.Service.MaxBytes,
		modelRoot: opts.ModelRoot,
		bus:       opts.Bus,
		store:     opts.Store,
		models:    opts.Models,
		pipeline:  opts.Pipeline,
		converter: opts.Converter,
		log:       log.With(slog.String("component", "transcriber")),
		tracer:    otel.Tracer("github.com/loqalabs/loqa-scribe/service"),
		ctx:       ctx,
		cancel:    cancel,
	}
	counter, err := otel.Meter("github.com/loqalabs/loqa-scribe/service").Int64Counter("scribe.service.requests",
		metric.WithDescription("Transcription requests handled, by outcome"))
	if err != nil {
		s.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	s.requests = counter
	return s
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	conn := s.bus.Conn()
	if limit := protocol.MaxInlineAudio(conn.MaxPayload()); s.maxBytes <= 0 || int64(s.maxBytes) > limit {
		s.log.Warn("inline audio limit clamped to bus max payload",
			slog.Int("configured", s.cfg.MaxBytes),
			slog.Int64("effective", limit),
			slog.Int64("max_payload", conn.MaxPayload()))
		s.maxBytes = int(limit)
	}
	sub, err := conn.QueueSubscribe(protocol.SubjectTranscribeRequest, s.cfg.QueueGroup, s.handleTranscribe)
	if err != nil {
		return fmt.Errorf("subscribe transcribe requests: %w", err)
	}
	s.subs = append(s.subs, sub)

	sub, err = conn.QueueSubscribe(protocol.SubjectRecordingsList, s.cfg.QueueGroup, s.handleRecordings)
	if err != nil {
		s.Close()
		return fmt.Errorf("subscribe recordings list: %w", err)
	}
	s.subs = append(s.subs, sub)

	s.ready.Store(true)
	s.log.Info("transcription service listening",
		slog.String("subject", protocol.SubjectTranscribeRequest),
		slog.String("queue", s.cfg.QueueGroup))
	return nil
}

func (s *Service) Close() {
	s.ready.Store(false)
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready.Load()
}

func (s *Service) handleTranscribe(msg *nats.Msg) {
	var req protocol.TranscribeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.log.Warn("failed to decode transcribe request", slogError(err))
		s.respond(msg, protocol.TranscribeReply{Error: err.Error(), Code: "bad_request"})
		return
	}
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		s.respond(msg, protocol.TranscribeReply{SessionID: req.SessionID, Error: ErrClosing.Error(), Code: errorCode(ErrClosing)})
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		reply := s.Transcribe(s.ctx, req)
		s.respond(msg, reply)
	}()
}

// Transcribe runs one request end to end and records it in the event store.
func (s *Service) Transcribe(ctx context.Context, req protocol.TranscribeRequest) protocol.TranscribeReply {
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if s.cfg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	ctx, span := s.tracer.Start(ctx, "service.transcribe", trace.WithAttributes(attribute.String("session.id", req.SessionID)))
	defer span.End()

	log := s.log.With(slog.String("session_id", req.SessionID))
	if err := s.store.AppendSession(ctx, req.SessionID, "bus", "session"); err != nil {
		log.Warn("failed to record session", slogError(err))
	}

	reply := protocol.TranscribeReply{SessionID: req.SessionID}
	text, res, file, modelName, err := s.run(ctx, req)
	reply.File = file
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		reply.Error = err.Error()
		reply.Code = errorCode(err)
		log.Warn("transcription failed", slogError(err), slog.String("code", reply.Code))
		s.recordEvent(ctx, req.SessionID, eventstore.EventTranscriptFailed, transcriptEvent{File: file, Error: err.Error()})
		s.count(ctx, reply.Code)
		return reply
	}

	reply.Success = true
	reply.Text = text
	reply.Chunks = res.Chunks
	log.Info("transcription completed", slog.Int("chunks", res.Chunks), slog.Int("chars", len(text)))
	s.recordEvent(ctx, req.SessionID, eventstore.EventTranscriptCompleted, transcriptEvent{
		File: file, Text: text, Model: modelName, Chunks: res.Chunks,
	})
	s.publishTranscript(req.SessionID, text, modelName, file)
	s.count(ctx, "ok")
	return reply
}

func (s *Service) run(ctx context.Context, req protocol.TranscribeRequest) (string, pipeline.Result, string, string, error) {
	file, err := s.resolveInput(req)
	if err != nil {
		return "", pipeline.Result{}, "", "", err
	}
	if _, err := os.Stat(file); err != nil {
		return "", pipeline.Result{}, file, "", fmt.Errorf("%w: %s", pipeline.ErrNotFound, file)
	}

	model, err := s.model(req.Model)
	if err != nil {
		return "", pipeline.Result{}, file, "", err
	}

	wavPath := file
	if s.converter != nil {
		prepared, cleanup, err := s.converter.Prepare(ctx, file, s.cfg.WorkDir)
		if err != nil {
			return "", pipeline.Result{}, file, model.Name(), err
		}
		defer cleanup()
		wavPath = prepared
	}

	res, err := s.pipeline.Transcribe(ctx, wavPath, model)
	if err != nil {
		return "", res, file, model.Name(), err
	}
	return res.Text, res, file, model.Name(), nil
}

func (s *Service) model(name string) (stt.Model, error) {
	if s.models == nil {
		return nil, pipeline.ErrRecognizerNotReady
	}
	if name == "" {
		return s.models.Default()
	}
	return s.models.Get(filepath.Join(s.modelRoot, filepath.Base(name)))
}

// resolveInput returns the node-local path of the audio, writing inline audio to the upload dir.
func (s *Service) resolveInput(req protocol.TranscribeRequest) (string, error) {
	if req.Audio == "" {
		if req.Path == "" {
			return "", ErrNoAudio
		}
		return s.confine(req.Path)
	}

	data, err := decodeAudio(req.Audio)
	if err != nil {
		return "", err
	}
	if s.maxBytes > 0 && len(data) > s.maxBytes {
		return "", fmt.Errorf("%w: %d bytes", ErrAudioTooBig, len(data))
	}
	ext := strings.ToLower(filepath.Ext(req.Filename))
	if ext == "" {
		ext = ".wav"
	}
	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	path := filepath.Join(s.cfg.UploadDir, uuid.NewString()+ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write upload: %w", err)
	}
	return path, nil
}

// confine resolves a requested path against the path root and rejects anything that
// lands outside path_root or upload_dir, including through symlinks.
func (s *Service) confine(requested string) (string, error) {
	var roots []string
	for _, dir := range []string{s.cfg.PathRoot, s.cfg.UploadDir} {
		if dir == "" {
			continue
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			return "", fmt.Errorf("resolve root %s: %w", dir, err)
		}
		roots = append(roots, abs)
	}
	if len(roots) == 0 {
		return "", fmt.Errorf("%w: no path root configured", ErrPathDenied)
	}

	path := requested
	if !filepath.IsAbs(path) {
		path = filepath.Join(roots[0], path)
	}
	path = filepath.Clean(path)

	for _, root := range roots {
		if !within(root, path) {
			continue
		}
		resolved, err := filepath.EvalSymlinks(path)
		if err != nil {
			// Missing files are reported as not found by the caller.
			return path, nil
		}
		realRoot, err := filepath.EvalSymlinks(root)
		if err == nil && within(realRoot, resolved) {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrPathDenied, requested)
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func decodeAudio(encoded string) ([]byte, error) {
	if strings.HasPrefix(encoded, "data:") {
		if i := strings.IndexByte(encoded, ','); i >= 0 {
			encoded = encoded[i+1:]
		}
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAudio, err)
	}
	if len(data) == 0 {
		return nil, ErrNoAudio
	}
	return data, nil
}

type transcriptEvent struct {
	File   string `json:"file,omitempty"`
	Text   string `json:"text,omitempty"`
	Model  string `json:"model,omitempty"`
	Chunks int    `json:"chunks,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (s *Service) recordEvent(ctx context.Context, sessionID, eventType string, payload transcriptEvent) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("failed to marshal event", slogError(err))
		return
	}
	evt := eventstore.Event{
		SessionID: sessionID,
		TraceID:   trace.SpanContextFromContext(ctx).TraceID().String(),
		ActorID:   "bus",
		Type:      eventType,
		Payload:   data,
		Privacy:   "session",
	}
	// The request context may already be past its deadline.
	if err := s.store.AppendEvent(context.WithoutCancel(ctx), evt); err != nil {
		s.log.Warn("failed to record event", slogError(err), slog.String("type", eventType))
	}
}

func (s *Service) publishTranscript(sessionID, text, model, file string) {
	if s.bus == nil || text == "" {
		return
	}
	msg := protocol.Transcript{
		SessionID: sessionID,
		Text:      text,
		Model:     model,
		File:      file,
		Timestamp: time.Now().UTC(),
	}
	if err := s.bus.PublishJSON(protocol.SubjectTranscriptFinal, msg); err != nil {
		s.log.Warn("failed to publish transcript", slogError(err))
	}
}

func (s *Service) handleRecordings(msg *nats.Msg) {
	var req protocol.RecordingsRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.respond(msg, protocol.RecordingsReply{Error: err.Error()})
			return
		}
	}
	recordings, err := s.Recordings(s.ctx, req.Limit)
	if err != nil {
		s.log.Warn("failed to list recordings", slogError(err))
		s.respond(msg, protocol.RecordingsReply{Error: err.Error()})
		return
	}
	s.respond(msg, protocol.RecordingsReply{Recordings: recordings})
}

// Recordings lists recent transcription sessions, newest first.
func (s *Service) Recordings(ctx context.Context, limit int) ([]protocol.Recording, error) {
	sessions, err := s.store.ListSessions(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.Recording, 0, len(sessions))
	for _, sess := range sessions {
		rec := protocol.Recording{SessionID: sess.ID, CreatedAt: sess.CreatedAt, Status: "pending"}
		switch sess.LastType {
		case eventstore.EventTranscriptCompleted:
			rec.Status = "completed"
		case eventstore.EventTranscriptFailed:
			rec.Status = "failed"
		}
		var payload transcriptEvent
		if len(sess.LastPayload) > 0 && json.Unmarshal(sess.LastPayload, &payload) == nil {
			rec.File = payload.File
			rec.Text = payload.Text
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Service) respond(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Warn("failed to marshal reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("failed to send reply", slogError(err))
	}
}

func (s *Service) count(ctx context.Context, outcome string) {
	if s.requests == nil {
		return
	}
	s.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrNoAudio), errors.Is(err, ErrInvalidAudio), errors.Is(err, ErrAudioTooBig),
		errors.Is(err, ErrPathDenied):
		return "bad_request"
	case errors.Is(err, ErrClosing):
		return "unavailable"
	case errors.Is(err, pipeline.ErrNotFound), errors.Is(err, stt.ErrModelNotFound):
		return "not_found"
	case errors.Is(err, pipeline.ErrUnsupportedFormat):
		return "unsupported_format"
	case errors.Is(err, pipeline.ErrRecognizerNotReady), errors.Is(err, stt.ErrModelUnavailable):
		return "model_unavailable"
	case errors.Is(err, convert.ErrConverterUnavailable), errors.Is(err, convert.ErrConversionFailed):
		return "conversion_failed"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal"
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
