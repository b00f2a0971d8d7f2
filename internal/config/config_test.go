package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Pipeline.ChunkSize != 4000 {
		t.Fatalf("expected default chunk size 4000, got %d", cfg.Pipeline.ChunkSize)
	}
	if cfg.Capture.ContainerExtension != ".3gp" {
		t.Fatalf("expected .3gp container extension, got %q", cfg.Capture.ContainerExtension)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scribe.yaml")
	data := []byte(`stt:
  enabled: true
  mode: vosk
  model_path: /opt/models/vosk-small
pipeline:
  chunk_size: 8000
capture:
  backend: container
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.STT.Mode != "vosk" || cfg.STT.ModelPath != "/opt/models/vosk-small" {
		t.Fatalf("unexpected stt config: %+v", cfg.STT)
	}
	if cfg.Pipeline.ChunkSize != 8000 {
		t.Fatalf("expected chunk size 8000, got %d", cfg.Pipeline.ChunkSize)
	}
	if cfg.Capture.SampleRate != 16000 {
		t.Fatalf("expected default sample rate retained, got %d", cfg.Capture.SampleRate)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SCRIBE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("SCRIBE_BUS_USERNAME", "alice")
	t.Setenv("SCRIBE_BUS_PASSWORD", "secret")
	t.Setenv("SCRIBE_BUS_TLS_INSECURE", "true")
	t.Setenv("SCRIBE_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("SCRIBE_NODE_ID", "test-node")
	t.Setenv("SCRIBE_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("SCRIBE_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("SCRIBE_CAPTURE_BACKEND", "stream")
	t.Setenv("SCRIBE_CAPTURE_CHANNELS", "2")
	t.Setenv("SCRIBE_STT_MODE", "exec")
	t.Setenv("SCRIBE_STT_COMMAND", "recognize --json")
	t.Setenv("SCRIBE_PIPELINE_CHUNK_SIZE", "2000")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Node.ID != "test-node" {
		t.Fatalf("expected node id override")
	}
	if cfg.EventStore.Path != "./tmp.db" || cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store overrides, got %+v", cfg.EventStore)
	}
	if cfg.Capture.Backend != "stream" || cfg.Capture.Channels != 2 {
		t.Fatalf("expected capture overrides, got %+v", cfg.Capture)
	}
	if cfg.STT.Mode != "exec" || cfg.STT.Command != "recognize --json" {
		t.Fatalf("expected stt overrides, got %+v", cfg.STT)
	}
	if cfg.Pipeline.ChunkSize != 2000 {
		t.Fatalf("expected chunk size override")
	}
}

func TestValidateRejectsExecWithoutCommand(t *testing.T) {
	t.Setenv("SCRIBE_STT_MODE", "exec")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for exec mode without command")
	}
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	t.Setenv("SCRIBE_CAPTURE_BACKEND", "alsa")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for unknown capture backend")
	}
}

func TestValidateRejectsOTLPWithoutEndpoint(t *testing.T) {
	t.Setenv("SCRIBE_TELEMETRY_TRACE_EXPORTER", "otlp")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for otlp exporter without endpoint")
	}
	t.Setenv("SCRIBE_TELEMETRY_OTLP_ENDPOINT", "collector:4317")
	if _, err := Load(""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateInlineAudioFitsBusPayload(t *testing.T) {
	t.Setenv("SCRIBE_BUS_MAX_PAYLOAD", "1048576")
	if _, err := Load(""); err == nil {
		t.Fatal("expected max_bytes larger than the bus payload to be rejected")
	}
	t.Setenv("SCRIBE_SERVICE_MAX_BYTES", "700000")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.MaxPayload != 1<<20 || cfg.Service.MaxBytes != 700000 {
		t.Fatalf("overrides not applied: %+v %+v", cfg.Bus, cfg.Service)
	}
	t.Setenv("SCRIBE_BUS_MAX_PAYLOAD", "134217728")
	if _, err := Load(""); err == nil {
		t.Fatal("expected max_payload above the broker ceiling to be rejected")
	}
}
