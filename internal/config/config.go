package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Stream      StreamConfig    `yaml:"stream"`
	STT         STTConfig       `yaml:"stt"`
	Store       StoreConfig     `yaml:"store"`
	Archive     ArchiveConfig   `yaml:"archive"`
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
	// JetStream stream capturing transcribe.> events. Empty disables it.
	EventStream    string   `yaml:"event_stream"`
}

// StreamConfig controls the WebSocket gateway and per-session batching.
type StreamConfig struct {
	Path            string   `yaml:"path"`
	BatchChunks     int      `yaml:"batch_chunks"`
	MaxMessageBytes int64    `yaml:"max_message_bytes"`
	WriteTimeoutMS  int      `yaml:"write_timeout_ms"`
	PingIntervalMS  int      `yaml:"ping_interval_ms"`
	SendQueue       int      `yaml:"send_queue"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
}

type STTConfig struct {
	Mode        string `yaml:"mode"` // mock, exec, openai
	Command     string `yaml:"command"`
	ModelPath   string `yaml:"model_path"`
	Language    string `yaml:"language"`
	AudioFormat string `yaml:"audio_format"` // raw, pcm16
	FileExt     string `yaml:"file_ext"`
	SampleRate  int    `yaml:"sample_rate"`
	Channels    int    `yaml:"channels"`
	TimeoutMS   int    `yaml:"timeout_ms"`
	APIKey      string `yaml:"api_key"`
	BaseURL     string `yaml:"base_url"`
	Model       string `yaml:"model"`
}

type StoreConfig struct {
	Path             string `yaml:"path"`
	RetentionMode    string `yaml:"retention_mode"`
	RetentionDays    int    `yaml:"retention_days"`
	MaxConversations int    `yaml:"max_conversations"`
	VacuumOnStart    bool   `yaml:"vacuum_on_start"`
}

type ArchiveConfig struct {
	Directory      string `yaml:"directory"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-transcribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 3000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			EventStream:    "TRANSCRIBE",
		},
		Stream: StreamConfig{
			Path:            "/api/socket",
			BatchChunks:     5,
			MaxMessageBytes: 4 << 20,
			WriteTimeoutMS:  10000,
			PingIntervalMS:  30000,
			SendQueue:       64,
		},
		STT: STTConfig{
			Mode:        "mock",
			AudioFormat: "raw",
			FileExt:     ".webm",
			SampleRate:  16000,
			Channels:    1,
			TimeoutMS:   45000,
			Model:       "whisper-1",
		},
		Store: StoreConfig{
			Path:             "./data/conversations.db",
			RetentionMode:    "persistent",
			RetentionDays:    0,
			MaxConversations: 0,
		},
		Archive: ArchiveConfig{
			Directory:      "./public",
			MaxUploadBytes: 64 << 20,
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

// LogLevel maps telemetry.log_level onto a slog level, defaulting to info.
func (c Config) LogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.Telemetry.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.EventStream, "LOQA_BUS_EVENT_STREAM")
	overrideString(&cfg.Stream.Path, "LOQA_STREAM_PATH")
	overrideInt(&cfg.Stream.BatchChunks, "LOQA_STREAM_BATCH_CHUNKS")
	overrideInt64(&cfg.Stream.MaxMessageBytes, "LOQA_STREAM_MAX_MESSAGE_BYTES")
	overrideInt(&cfg.Stream.WriteTimeoutMS, "LOQA_STREAM_WRITE_TIMEOUT_MS")
	overrideInt(&cfg.Stream.PingIntervalMS, "LOQA_STREAM_PING_INTERVAL_MS")
	overrideInt(&cfg.Stream.SendQueue, "LOQA_STREAM_SEND_QUEUE")
	overrideStringSlice(&cfg.Stream.AllowedOrigins, "LOQA_STREAM_ALLOWED_ORIGINS")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideString(&cfg.STT.AudioFormat, "LOQA_STT_AUDIO_FORMAT")
	overrideString(&cfg.STT.FileExt, "LOQA_STT_FILE_EXT")
	overrideInt(&cfg.STT.SampleRate, "LOQA_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "LOQA_STT_CHANNELS")
	overrideInt(&cfg.STT.TimeoutMS, "LOQA_STT_TIMEOUT_MS")
	overrideString(&cfg.STT.APIKey, "LOQA_STT_API_KEY")
	overrideString(&cfg.STT.BaseURL, "LOQA_STT_BASE_URL")
	overrideString(&cfg.STT.Model, "LOQA_STT_MODEL")
	overrideString(&cfg.Store.Path, "LOQA_STORE_PATH")
	overrideString(&cfg.Store.RetentionMode, "LOQA_STORE_RETENTION_MODE")
	overrideInt(&cfg.Store.RetentionDays, "LOQA_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Store.MaxConversations, "LOQA_STORE_MAX_CONVERSATIONS")
	overrideBool(&cfg.Store.VacuumOnStart, "LOQA_STORE_VACUUM_ON_START")
	overrideString(&cfg.Archive.Directory, "LOQA_ARCHIVE_DIRECTORY")
	overrideInt64(&cfg.Archive.MaxUploadBytes, "LOQA_ARCHIVE_MAX_UPLOAD_BYTES")
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

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
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
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if !strings.HasPrefix(cfg.Stream.Path, "/") {
		return errors.New("stream.path must start with /")
	}
	if cfg.Stream.BatchChunks <= 0 {
		return errors.New("stream.batch_chunks must be >= 1")
	}
	if cfg.Stream.MaxMessageBytes <= 0 {
		return errors.New("stream.max_message_bytes must be positive")
	}
	if cfg.Stream.WriteTimeoutMS <= 0 {
		return errors.New("stream.write_timeout_ms must be positive")
	}
	if cfg.Stream.SendQueue <= 0 {
		return errors.New("stream.send_queue must be >= 1")
	}
	switch cfg.STT.Mode {
	case "mock", "exec", "openai":
	default:
		return errors.New("stt.mode must be one of mock|exec|openai")
	}
	if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when mode=exec")
	}
	if cfg.STT.Mode == "openai" && cfg.STT.APIKey == "" {
		return errors.New("stt.api_key must be set when mode=openai")
	}
	switch cfg.STT.AudioFormat {
	case "raw":
	case "pcm16":
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			return errors.New("stt.channels must be positive")
		}
	default:
		return errors.New("stt.audio_format must be one of raw|pcm16")
	}
	if cfg.STT.TimeoutMS <= 0 {
		return errors.New("stt.timeout_ms must be positive")
	}
	switch cfg.Store.RetentionMode {
	case "ephemeral", "persistent":
		// ok
	default:
		return errors.New("store.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.Store.RetentionMode == "persistent" && cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must be >= 0")
	}
	if cfg.Store.MaxConversations < 0 {
		return errors.New("store.max_conversations must be >= 0")
	}
	if cfg.Archive.Directory == "" {
		return errors.New("archive.directory must not be empty")
	}
	if cfg.Archive.MaxUploadBytes <= 0 {
		return errors.New("archive.max_upload_bytes must be positive")
	}
	return nil
}
