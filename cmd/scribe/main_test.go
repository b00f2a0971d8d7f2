package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/capability"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
	"github.com/loqalabs/loqa-scribe/internal/service"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeSpeech(t *testing.T, path string) {
	t.Helper()
	data := make([]int, 8000)
	for i := 4000; i < 8000; i++ {
		data[i] = -2200
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	enc := wav.NewEncoder(f, 8000, 16, 1, 1)
	buf := &audio.IntBuffer{Format: &audio.Format{NumChannels: 1, SampleRate: 8000}, SourceBitDepth: 16, Data: data}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestRunTranscribePrintsText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.wav")
	writeSpeech(t, path)

	cfg := config.Default()
	cfg.STT = config.STTConfig{Enabled: true, Mode: "mock"}
	var out bytes.Buffer
	if err := runTranscribe(context.Background(), cfg, transcribeOptions{file: path}, &out, newLogger()); err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if out.String() != "utterance-1\n" {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestRunTranscribeMissingModel(t *testing.T) {
	cfg := config.Default()
	cfg.STT = config.STTConfig{Enabled: true, Mode: "mock"}
	opts := transcribeOptions{file: "clip.wav", model: filepath.Join(t.TempDir(), "absent")}
	err := runTranscribe(context.Background(), cfg, opts, io.Discard, newLogger())
	if !errors.Is(err, stt.ErrModelNotFound) {
		t.Fatalf("expected ErrModelNotFound, got %v", err)
	}
}

func TestRunTranscribeMissingFile(t *testing.T) {
	cfg := config.Default()
	cfg.STT = config.STTConfig{Enabled: true, Mode: "mock"}
	err := runTranscribe(context.Background(), cfg, transcribeOptions{file: filepath.Join(t.TempDir(), "none.wav")}, io.Discard, newLogger())
	if !errors.Is(err, pipeline.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTranscribeRequiresFile(t *testing.T) {
	if err := cmdTranscribe(context.Background(), nil, io.Discard); err == nil {
		t.Fatal("expected error without -file")
	}
}

func TestRecordUnknownBackend(t *testing.T) {
	_, err := runRecord(context.Background(), config.Default(), recordOptions{out: "x.wav", backend: "alsa"}, newLogger())
	if err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestRunRemoteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ns, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: filepath.Join(dir, "nats")}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	defer ns.Shutdown()

	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{ns.ClientURL()}, ConnectTimeout: 2000}, "scribe-test", newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	svc := service.New(context.Background(), service.Options{
		Service:  config.ServiceConfig{Enabled: true, QueueGroup: "scribe", UploadDir: filepath.Join(dir, "uploads"), PathRoot: dir, MaxBytes: 1 << 20},
		Bus:      client,
		Store:    store,
		Models:   stt.NewCache(config.STTConfig{Mode: "mock"}, newLogger()),
		Pipeline: pipeline.New(config.PipelineConfig{}, newLogger()),
		Logger:   newLogger(),
	})
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	defer svc.Close()

	path := filepath.Join(dir, "clip.wav")
	writeSpeech(t, path)
	reply, err := runRemote(context.Background(), client, remoteOptions{file: path, timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("remote: %v", err)
	}
	if reply.Text != "utterance-1" || filepath.Dir(reply.File) != filepath.Join(dir, "uploads") {
		t.Fatalf("unexpected reply %+v", reply)
	}

	_, err = runRemote(context.Background(), client, remoteOptions{file: filepath.Join(dir, "absent.wav"), byPath: true, timeout: 5 * time.Second})
	if err == nil || !strings.Contains(err.Error(), "not_found") {
		t.Fatalf("expected not_found failure, got %v", err)
	}

	_, err = runRemote(context.Background(), client, remoteOptions{file: "/etc/hostname", byPath: true, timeout: 5 * time.Second})
	if err == nil || !strings.Contains(err.Error(), "bad_request") {
		t.Fatalf("expected path outside the root refused, got %v", err)
	}
}

func TestRunRemoteRejectsOversizedClip(t *testing.T) {
	dir := t.TempDir()
	ns, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: filepath.Join(dir, "nats")}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	defer ns.Shutdown()
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{ns.ClientURL()}, ConnectTimeout: 2000}, "scribe-test", newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	path := filepath.Join(dir, "big.wav")
	if err := os.WriteFile(path, make([]byte, 1<<20), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err = runRemote(context.Background(), client, remoteOptions{file: path, timeout: 5 * time.Second})
	if !errors.Is(err, errClipTooLarge) {
		t.Fatalf("expected errClipTooLarge, got %v", err)
	}
}

func TestRunNodesListsRegistry(t *testing.T) {
	ns, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	defer ns.Shutdown()
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{ns.ClientURL()}, ConnectTimeout: 2000}, "scribe-test", newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	nodeCfg := config.NodeConfig{ID: "kitchen", Role: "transcriber", HeartbeatInterval: 1000, HeartbeatTimeout: 3000}
	reg, err := capability.NewRegistry(context.Background(), nodeCfg, capability.Local(capability.CaptureContainer, "mock", ""), client, newLogger())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	defer reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out bytes.Buffer
	if err := runNodes(ctx, client, capability.NodesRequest{Capability: "capture.container"}, &out); err != nil {
		t.Fatalf("nodes: %v", err)
	}
	line := out.String()
	if !strings.HasPrefix(line, "kitchen\thealthy\t") || !strings.Contains(line, "capture.container,stt.mock") {
		t.Fatalf("unexpected listing %q", line)
	}
}
