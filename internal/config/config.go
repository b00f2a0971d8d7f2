package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"gopkg.in/yaml.v3"
)

// maxBusPayload is the broker's default pending-bytes ceiling; a payload may not exceed it.
const maxBusPayload = 64 << 20

type TelemetryConfig struct {
	LogLevel      string `yaml:"log_level"`
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	OTLPInsecure  bool   `yaml:"otlp_insecure"`
	TraceExporter string `yaml:"trace_exporter"` // auto, otlp, stdout, none
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Capture     CaptureConfig    `yaml:"capture"`
	STT         STTConfig        `yaml:"stt"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	Convert     ConvertConfig    `yaml:"convert"`
	Service     ServiceConfig    `yaml:"service"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	// MaxPayload is the embedded broker's message size limit in bytes.
	MaxPayload     int      `yaml:"max_payload"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// CaptureConfig selects and parameterizes the microphone backend.
type CaptureConfig struct {
	Backend            string `yaml:"backend"` // auto, stream, container
	SampleRate         int    `yaml:"sample_rate"`
	Channels           int    `yaml:"channels"`
	FramesPerBuffer    int    `yaml:"frames_per_buffer"`
	QueueDepth         int    `yaml:"queue_depth"`
	RecorderCommand    string `yaml:"recorder_command"`
	ContainerExtension string `yaml:"container_extension"`
	StopTimeoutMS      int    `yaml:"stop_timeout_ms"`
}

type STTConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Mode      string `yaml:"mode"` // mock, vosk, exec
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	ModelRoot string `yaml:"model_root"`
	Language  string `yaml:"language"`
	Words     bool   `yaml:"words"`
}

type PipelineConfig struct {
	ChunkSize int `yaml:"chunk_size"`
}

type ConvertConfig struct {
	Command   string `yaml:"command"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type ServiceConfig struct {
	Enabled    bool   `yaml:"enabled"`
	QueueGroup string `yaml:"queue_group"`
	UploadDir  string `yaml:"upload_dir"`
	WorkDir    string `yaml:"work_dir"`
	// PathRoot bounds the node-local paths a request may name, alongside UploadDir.
	PathRoot   string `yaml:"path_root"`
	MaxBytes   int    `yaml:"max_bytes"`
	TimeoutMS  int    `yaml:"timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:      "info",
			OTLPEndpoint:  "",
			OTLPInsecure:  true,
			TraceExporter: "auto",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			MaxPayload:     16 << 20,
		},
		Node: NodeConfig{
			ID:                "scribe-node-1",
			Role:              "transcriber",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/scribe-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Capture: CaptureConfig{
			Backend:            "auto",
			SampleRate:         16000,
			Channels:           1,
			FramesPerBuffer:    1024,
			QueueDepth:         256,
			RecorderCommand:    "ffmpeg -hide_banner -loglevel error -y -f alsa -i default -ar 8000 -ac 1 -c:a libopencore_amrnb {output}",
			ContainerExtension: ".3gp",
			StopTimeoutMS:      3000,
		},
		STT: STTConfig{
			Enabled:   true,
			Mode:      "mock",
			ModelRoot: "./models",
		},
		Pipeline: PipelineConfig{
			ChunkSize: 4000,
		},
		Convert: ConvertConfig{
			Command:   "ffmpeg -hide_banner -loglevel error -y -i {input} -ar 16000 -ac 1 -c:a pcm_s16le {output}",
			TimeoutMS: 60000,
		},
		Service: ServiceConfig{
			Enabled:    true,
			QueueGroup: "scribe",
			UploadDir:  "./data/uploads",
			WorkDir:    "./data/work",
			PathRoot:   "./data/inbox",
			MaxBytes:   10 << 20,
			TimeoutMS:  120000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "SCRIBE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SCRIBE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIBE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.TraceExporter, "SCRIBE_TELEMETRY_TRACE_EXPORTER")
	overrideBool(&cfg.Bus.Embedded, "SCRIBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SCRIBE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SCRIBE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.MaxPayload, "SCRIBE_BUS_MAX_PAYLOAD")
	overrideString(&cfg.Node.ID, "SCRIBE_NODE_ID")
	overrideString(&cfg.Node.Role, "SCRIBE_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "SCRIBE_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "SCRIBE_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "SCRIBE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "SCRIBE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "SCRIBE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "SCRIBE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "SCRIBE_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Capture.Backend, "SCRIBE_CAPTURE_BACKEND")
	overrideInt(&cfg.Capture.SampleRate, "SCRIBE_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "SCRIBE_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.FramesPerBuffer, "SCRIBE_CAPTURE_FRAMES_PER_BUFFER")
	overrideInt(&cfg.Capture.QueueDepth, "SCRIBE_CAPTURE_QUEUE_DEPTH")
	overrideString(&cfg.Capture.RecorderCommand, "SCRIBE_CAPTURE_RECORDER_COMMAND")
	overrideString(&cfg.Capture.ContainerExtension, "SCRIBE_CAPTURE_CONTAINER_EXTENSION")
	overrideInt(&cfg.Capture.StopTimeoutMS, "SCRIBE_CAPTURE_STOP_TIMEOUT_MS")
	overrideBool(&cfg.STT.Enabled, "SCRIBE_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "SCRIBE_STT_MODE")
	overrideString(&cfg.STT.Command, "SCRIBE_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "SCRIBE_STT_MODEL_PATH")
	overrideString(&cfg.STT.ModelRoot, "SCRIBE_STT_MODEL_ROOT")
	overrideString(&cfg.STT.Language, "SCRIBE_STT_LANGUAGE")
	overrideBool(&cfg.STT.Words, "SCRIBE_STT_WORDS")
	overrideInt(&cfg.Pipeline.ChunkSize, "SCRIBE_PIPELINE_CHUNK_SIZE")
	overrideString(&cfg.Convert.Command, "SCRIBE_CONVERT_COMMAND")
	overrideInt(&cfg.Convert.TimeoutMS, "SCRIBE_CONVERT_TIMEOUT_MS")
	overrideBool(&cfg.Service.Enabled, "SCRIBE_SERVICE_ENABLED")
	overrideString(&cfg.Service.QueueGroup, "SCRIBE_SERVICE_QUEUE_GROUP")
	overrideString(&cfg.Service.UploadDir, "SCRIBE_SERVICE_UPLOAD_DIR")
	overrideString(&cfg.Service.WorkDir, "SCRIBE_SERVICE_WORK_DIR")
	overrideString(&cfg.Service.PathRoot, "SCRIBE_SERVICE_PATH_ROOT")
	overrideInt(&cfg.Service.MaxBytes, "SCRIBE_SERVICE_MAX_BYTES")
	overrideInt(&cfg.Service.TimeoutMS, "SCRIBE_SERVICE_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Telemetry.TraceExporter {
	case "", "auto", "stdout", "none":
	case "otlp":
		if strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
			return errors.New("telemetry.otlp_endpoint is required when trace_exporter is otlp")
		}
	default:
		return fmt.Errorf("telemetry.trace_exporter must be auto, otlp, stdout or none, got %q", cfg.Telemetry.TraceExporter)
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
		if cfg.Bus.MaxPayload <= 0 || cfg.Bus.MaxPayload > maxBusPayload {
			return fmt.Errorf("bus.max_payload must be between 1 and %d", maxBusPayload)
		}
		if cfg.Service.Enabled && int64(cfg.Service.MaxBytes) > protocol.MaxInlineAudio(int64(cfg.Bus.MaxPayload)) {
			return fmt.Errorf("service.max_bytes %d does not fit a bus.max_payload of %d once base64 encoded",
				cfg.Service.MaxBytes, cfg.Bus.MaxPayload)
		}
	} else if len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when embedded mode is disabled")
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Capture.Backend {
	case "auto", "stream", "container":
	default:
		return errors.New("capture.backend must be one of auto|stream|container")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	if cfg.Capture.Backend == "container" && strings.TrimSpace(cfg.Capture.RecorderCommand) == "" {
		return errors.New("capture.recorder_command must be set when backend=container")
	}
	if cfg.STT.Enabled {
		switch cfg.STT.Mode {
		case "mock", "vosk", "exec":
		default:
			return errors.New("stt.mode must be one of mock|vosk|exec")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
		if cfg.STT.Mode == "vosk" && cfg.STT.ModelPath == "" && cfg.STT.ModelRoot == "" {
			return errors.New("stt.model_path or stt.model_root must be set when mode=vosk")
		}
	}
	if cfg.Pipeline.ChunkSize <= 0 {
		return errors.New("pipeline.chunk_size must be positive")
	}
	if cfg.Service.Enabled {
		if cfg.Service.UploadDir == "" {
			return errors.New("service.upload_dir must not be empty when the service is enabled")
		}
		if cfg.Service.MaxBytes <= 0 {
			return errors.New("service.max_bytes must be positive")
		}
	}
	return nil
}
