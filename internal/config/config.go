package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	StdoutTraces   bool   `yaml:"stdout_traces"`
	PrometheusPath string `yaml:"prometheus_path"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Node        NodeConfig      `yaml:"node"`
	Journal     JournalConfig   `yaml:"journal"`
	Recorder    RecorderConfig  `yaml:"recorder"`
	Playback    PlaybackConfig  `yaml:"playback"`
	Engine      EngineConfig    `yaml:"engine"`
	Samples     SamplesConfig   `yaml:"samples"`
	Pipeline    PipelineConfig  `yaml:"pipeline"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

// JournalConfig controls the sqlite state-transition timeline. Transcript
// text is never written to it.
type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type RecorderConfig struct {
	Command        string `yaml:"command"`
	InputFormat    string `yaml:"input_format"`
	InputDevice    string `yaml:"input_device"`
	OutputPath     string `yaml:"output_path"`
	Encoding       string `yaml:"encoding"` // pcm_s16le, pcm_f32le
	SampleRate     int    `yaml:"sample_rate"`
	Channels       int    `yaml:"channels"`
	Permission     string `yaml:"permission"` // granted, denied, device
	PermissionPath string `yaml:"permission_path"`
	StopGraceMS    int    `yaml:"stop_grace_ms"`
	StartupProbeMS int    `yaml:"startup_probe_ms"`
}

type PlaybackConfig struct {
	Enabled bool   `yaml:"enabled"`
	Command string `yaml:"command"`
}

type EngineConfig struct {
	Mode      string  `yaml:"mode"` // mock, exec, http, whisper
	ModelPath string  `yaml:"model_path"`
	Command   string  `yaml:"command"`
	Endpoint  string  `yaml:"endpoint"`
	Model     string  `yaml:"model"`
	Language  string  `yaml:"language"`
	Threads   int     `yaml:"threads"`
	TimeoutMS int     `yaml:"timeout_ms"`
	Silence   float64 `yaml:"silence_threshold"`
}

type SamplesConfig struct {
	Directory string            `yaml:"directory"`
	Entries   map[string]string `yaml:"entries"`
}

type PipelineConfig struct {
	TranscribeTimeoutMS int `yaml:"transcribe_timeout_ms"`
	MailboxSize         int `yaml:"mailbox_size"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusPath: "/metrics",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "scribe-node-1",
			Role:              "scribe",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		Journal: JournalConfig{
			Path:          "./data/scribe-journal.db",
			RetentionMode: "ephemeral",
			RetentionDays: 7,
			MaxSessions:   1000,
		},
		Recorder: RecorderConfig{
			Command:        "ffmpeg",
			InputFormat:    "pulse",
			InputDevice:    "default",
			OutputPath:     filepath.Join(os.TempDir(), "scribe-output.wav"),
			Encoding:       "pcm_s16le",
			SampleRate:     16000,
			Channels:       1,
			Permission:     "granted",
			StopGraceMS:    1200,
			StartupProbeMS: 250,
		},
		Playback: PlaybackConfig{
			Enabled: false,
			Command: "ffplay -nodisp -autoexit -loglevel quiet",
		},
		Engine: EngineConfig{
			Mode:      "mock",
			ModelPath: "./models/ggml-small.bin",
			Endpoint:  "http://localhost:8000/v1/audio/transcriptions",
			Language:  "en",
			Threads:   defaultThreads(),
			TimeoutMS: 120000,
			Silence:   1e-4,
		},
		Samples: SamplesConfig{
			Directory: "./samples",
			Entries: map[string]string{
				"sample1": "./samples/jfk.wav",
				"sample2": "./samples/cyunsyutzung.wav",
			},
		},
		Pipeline: PipelineConfig{
			TranscribeTimeoutMS: 0,
			MailboxSize:         16,
		},
	}
}

// defaultThreads leaves two cores free, capped at eight.
func defaultThreads() int {
	n := runtime.NumCPU() - 2
	if n > 8 {
		n = 8
	}
	if n < 1 {
		n = 1
	}
	return n
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
	overrideBool(&cfg.HTTP.Enabled, "SCRIBE_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "SCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIBE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "SCRIBE_TELEMETRY_STDOUT_TRACES")
	overrideString(&cfg.Telemetry.PrometheusPath, "SCRIBE_TELEMETRY_PROMETHEUS_PATH")
	overrideBool(&cfg.Bus.Enabled, "SCRIBE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "SCRIBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SCRIBE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SCRIBE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "SCRIBE_NODE_ID")
	overrideString(&cfg.Node.Role, "SCRIBE_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "SCRIBE_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "SCRIBE_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.Journal.Path, "SCRIBE_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "SCRIBE_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "SCRIBE_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxSessions, "SCRIBE_JOURNAL_MAX_SESSIONS")
	overrideBool(&cfg.Journal.VacuumOnStart, "SCRIBE_JOURNAL_VACUUM_ON_START")
	overrideString(&cfg.Recorder.Command, "SCRIBE_RECORDER_COMMAND")
	overrideString(&cfg.Recorder.InputFormat, "SCRIBE_RECORDER_INPUT_FORMAT")
	overrideString(&cfg.Recorder.InputDevice, "SCRIBE_RECORDER_INPUT_DEVICE")
	overrideString(&cfg.Recorder.OutputPath, "SCRIBE_RECORDER_OUTPUT_PATH")
	overrideString(&cfg.Recorder.Encoding, "SCRIBE_RECORDER_ENCODING")
	overrideInt(&cfg.Recorder.SampleRate, "SCRIBE_RECORDER_SAMPLE_RATE")
	overrideInt(&cfg.Recorder.Channels, "SCRIBE_RECORDER_CHANNELS")
	overrideString(&cfg.Recorder.Permission, "SCRIBE_RECORDER_PERMISSION")
	overrideString(&cfg.Recorder.PermissionPath, "SCRIBE_RECORDER_PERMISSION_PATH")
	overrideInt(&cfg.Recorder.StopGraceMS, "SCRIBE_RECORDER_STOP_GRACE_MS")
	overrideInt(&cfg.Recorder.StartupProbeMS, "SCRIBE_RECORDER_STARTUP_PROBE_MS")
	overrideBool(&cfg.Playback.Enabled, "SCRIBE_PLAYBACK_ENABLED")
	overrideString(&cfg.Playback.Command, "SCRIBE_PLAYBACK_COMMAND")
	overrideString(&cfg.Engine.Mode, "SCRIBE_ENGINE_MODE")
	overrideString(&cfg.Engine.ModelPath, "SCRIBE_ENGINE_MODEL_PATH")
	overrideString(&cfg.Engine.Command, "SCRIBE_ENGINE_COMMAND")
	overrideString(&cfg.Engine.Endpoint, "SCRIBE_ENGINE_ENDPOINT")
	overrideString(&cfg.Engine.Model, "SCRIBE_ENGINE_MODEL")
	overrideString(&cfg.Engine.Language, "SCRIBE_ENGINE_LANGUAGE")
	overrideInt(&cfg.Engine.Threads, "SCRIBE_ENGINE_THREADS")
	overrideInt(&cfg.Engine.TimeoutMS, "SCRIBE_ENGINE_TIMEOUT_MS")
	overrideFloat(&cfg.Engine.Silence, "SCRIBE_ENGINE_SILENCE_THRESHOLD")
	overrideString(&cfg.Samples.Directory, "SCRIBE_SAMPLES_DIRECTORY")
	overrideInt(&cfg.Pipeline.TranscribeTimeoutMS, "SCRIBE_PIPELINE_TRANSCRIBE_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.MailboxSize, "SCRIBE_PIPELINE_MAILBOX_SIZE")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
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
	}
	switch cfg.Journal.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Journal.RetentionMode != "ephemeral" && cfg.Journal.Path == "" {
		return errors.New("journal.path must not be empty unless retention_mode=ephemeral")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	if cfg.Recorder.Command == "" {
		return errors.New("recorder.command must not be empty")
	}
	if cfg.Recorder.OutputPath == "" {
		return errors.New("recorder.output_path must not be empty")
	}
	switch cfg.Recorder.Encoding {
	case "pcm_s16le", "pcm_f32le":
	default:
		return errors.New("recorder.encoding must be one of pcm_s16le|pcm_f32le")
	}
	if cfg.Recorder.SampleRate <= 0 {
		return errors.New("recorder.sample_rate must be positive")
	}
	if cfg.Recorder.Channels <= 0 {
		return errors.New("recorder.channels must be positive")
	}
	switch cfg.Recorder.Permission {
	case "granted", "denied":
	case "device":
		if cfg.Recorder.PermissionPath == "" {
			return errors.New("recorder.permission_path must be set when permission=device")
		}
	default:
		return errors.New("recorder.permission must be one of granted|denied|device")
	}
	if cfg.Playback.Enabled && cfg.Playback.Command == "" {
		return errors.New("playback.command must be set when playback is enabled")
	}
	switch cfg.Engine.Mode {
	case "mock", "whisper":
	case "exec":
		if cfg.Engine.Command == "" {
			return errors.New("engine.command must be set when mode=exec")
		}
	case "http":
		if cfg.Engine.Endpoint == "" {
			return errors.New("engine.endpoint must be set when mode=http")
		}
	default:
		return errors.New("engine.mode must be one of mock|exec|http|whisper")
	}
	if cfg.Engine.Threads < 0 {
		return errors.New("engine.threads must be >= 0")
	}
	if cfg.Pipeline.TranscribeTimeoutMS < 0 {
		return errors.New("pipeline.transcribe_timeout_ms must be >= 0")
	}
	if cfg.Pipeline.MailboxSize <= 0 {
		return errors.New("pipeline.mailbox_size must be positive")
	}
	return nil
}
