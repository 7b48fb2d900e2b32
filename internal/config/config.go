package config

import (
	"fmt"
	"os"
	"path/filepath"
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

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type ModelConfig struct {
	// Dir is where downloaded ggml model files live. Empty means the
	// per-user data directory.
	Dir     string `yaml:"dir"`
	Default string `yaml:"default"`
}

type EngineConfig struct {
	// Mode selects the recognition backend: whisper (in-process
	// whisper.cpp), exec (external recognizer command), or mock.
	Mode    string `yaml:"mode"`
	Command string `yaml:"command"`
}

type TranscribeConfig struct {
	// Mode selects local or cloud recognition.
	Mode           string `yaml:"mode"`
	Language       string `yaml:"language"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type CloudConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

type HistoryConfig struct {
	// Path to the SQLite history database. Empty keeps history in
	// memory only.
	Path     string `yaml:"path"`
	MaxItems int    `yaml:"max_items"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Model       ModelConfig      `yaml:"model"`
	Engine      EngineConfig     `yaml:"engine"`
	Transcribe  TranscribeConfig `yaml:"transcribe"`
	Cloud       CloudConfig      `yaml:"cloud"`
	History     HistoryConfig    `yaml:"history"`
}

func Default() Config {
	return Config{
		RuntimeName: "voxied",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Model: ModelConfig{
			Dir:     "",
			Default: "small",
		},
		Engine: EngineConfig{
			Mode: "whisper",
		},
		Transcribe: TranscribeConfig{
			Mode:           "local",
			Language:       "auto",
			TimeoutSeconds: 120,
		},
		Cloud: CloudConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "whisper-1",
		},
		History: HistoryConfig{
			Path:     defaultHistoryPath(),
			MaxItems: 100,
		},
	}
}

func defaultHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./voxie-history.db"
	}
	return filepath.Join(home, ".local", "share", "voxie", "history.db")
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
	overrideString(&cfg.RuntimeName, "VOXIE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOXIE_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOXIE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOXIE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOXIE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOXIE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOXIE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "VOXIE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOXIE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "VOXIE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOXIE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOXIE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOXIE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOXIE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOXIE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Model.Dir, "VOXIE_MODEL_DIR")
	overrideString(&cfg.Model.Default, "VOXIE_MODEL_DEFAULT")
	overrideString(&cfg.Engine.Mode, "VOXIE_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "VOXIE_ENGINE_COMMAND")
	overrideString(&cfg.Transcribe.Mode, "VOXIE_TRANSCRIBE_MODE")
	overrideString(&cfg.Transcribe.Language, "VOXIE_TRANSCRIBE_LANGUAGE")
	overrideInt(&cfg.Transcribe.TimeoutSeconds, "VOXIE_TRANSCRIBE_TIMEOUT_SECONDS")
	overrideString(&cfg.Cloud.BaseURL, "VOXIE_CLOUD_BASE_URL")
	overrideString(&cfg.Cloud.APIKey, "VOXIE_CLOUD_API_KEY")
	overrideString(&cfg.Cloud.Model, "VOXIE_CLOUD_MODEL")
	overrideString(&cfg.History.Path, "VOXIE_HISTORY_PATH")
	overrideInt(&cfg.History.MaxItems, "VOXIE_HISTORY_MAX_ITEMS")
}

func validate(cfg Config) error {
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", cfg.HTTP.Port)
	}
	switch cfg.Telemetry.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("telemetry.log_level must be debug, info, warn, or error, got %q", cfg.Telemetry.LogLevel)
	}
	switch cfg.Engine.Mode {
	case "whisper", "exec", "mock":
	default:
		return fmt.Errorf("engine.mode must be whisper, exec, or mock, got %q", cfg.Engine.Mode)
	}
	if cfg.Engine.Mode == "exec" && strings.TrimSpace(cfg.Engine.Command) == "" {
		return fmt.Errorf("engine.command is required when engine.mode is exec")
	}
	switch cfg.Transcribe.Mode {
	case "local", "cloud":
	default:
		return fmt.Errorf("transcribe.mode must be local or cloud, got %q", cfg.Transcribe.Mode)
	}
	if cfg.Transcribe.TimeoutSeconds <= 0 {
		return fmt.Errorf("transcribe.timeout_seconds must be > 0, got %d", cfg.Transcribe.TimeoutSeconds)
	}
	if cfg.History.MaxItems <= 0 {
		return fmt.Errorf("history.max_items must be > 0, got %d", cfg.History.MaxItems)
	}
	return nil
}

func overrideString(target *string, key string) {
	if value, ok := os.LookupEnv(key); ok {
		*target = value
	}
}

func overrideInt(target *int, key string) {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, key string) {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, key string) {
	if value, ok := os.LookupEnv(key); ok {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			*target = out
		}
	}
}
