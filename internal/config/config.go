package config

import (
	"errors"
	"fmt"
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
}

type StoreConfig struct {
	Path     string `yaml:"path"`
	AudioDir string `yaml:"audio_dir"`
	ProxyURL string `yaml:"proxy_url"`
}

type ChunkingConfig struct {
	TargetSize        int    `yaml:"target_size"`
	MaxSize           int    `yaml:"max_size"`
	SentencesPerChunk int    `yaml:"sentences_per_chunk"`
	AudioFormat       string `yaml:"audio_format"`
	Seamless          bool   `yaml:"seamless"`
	ParagraphPauseMS  int    `yaml:"paragraph_pause_ms"`
}

type SynthesisConfig struct {
	Mode      string  `yaml:"mode"` // mock, exec
	Command   string  `yaml:"command"`
	Voice     string  `yaml:"voice"`
	Speed     float64 `yaml:"speed"`
	CacheSize int     `yaml:"cache_size"`
}

type PlaybackConfig struct {
	PlayerMode         string `yaml:"player_mode"` // mock, exec
	PlayerCommand      string `yaml:"player_command"`
	DefaultTable       string `yaml:"default_table"`
	ChunkDelayMS       int    `yaml:"chunk_delay_ms"`
	PauseDelayMS       int    `yaml:"pause_delay_ms"`
	IdleTimeoutSeconds int    `yaml:"idle_timeout_seconds"`
	KillGraceMS        int    `yaml:"kill_grace_ms"`
}

type CleanupConfig struct {
	IntervalSeconds          int `yaml:"interval_seconds"`
	MaxAgeDays               int `yaml:"max_age_days"`
	StuckRequestMinutes      int `yaml:"stuck_request_minutes"`
	ConnectionRetentionHours int `yaml:"connection_retention_hours"`
}

type StoryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Mode        string  `yaml:"mode"` // mock, ollama, exec
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Store       StoreConfig     `yaml:"store"`
	Chunking    ChunkingConfig  `yaml:"chunking"`
	Synthesis   SynthesisConfig `yaml:"synthesis"`
	Playback    PlaybackConfig  `yaml:"playback"`
	Cleanup     CleanupConfig   `yaml:"cleanup"`
	Story       StoryConfig     `yaml:"story"`
}

func Default() Config {
	return Config{
		RuntimeName: "fable-narrator",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Store: StoreConfig{
			Path:     "./data/fable.db",
			AudioDir: "./data/audio",
			ProxyURL: "/audio",
		},
		Chunking: ChunkingConfig{
			TargetSize:        280,
			MaxSize:           400,
			SentencesPerChunk: 4,
			AudioFormat:       "wav",
			Seamless:          false,
			ParagraphPauseMS:  650,
		},
		Synthesis: SynthesisConfig{
			Mode:      "mock",
			Voice:     "en-US-narrator",
			Speed:     1.0,
			CacheSize: 128,
		},
		Playback: PlaybackConfig{
			PlayerMode:         "mock",
			DefaultTable:       "default",
			ChunkDelayMS:       150,
			PauseDelayMS:       650,
			IdleTimeoutSeconds: 300,
			KillGraceMS:        2000,
		},
		Cleanup: CleanupConfig{
			IntervalSeconds:          60,
			MaxAgeDays:               7,
			StuckRequestMinutes:      15,
			ConnectionRetentionHours: 24,
		},
		Story: StoryConfig{
			Enabled:     false,
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			MaxTokens:   512,
			Temperature: 0.8,
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
	overrideString(&cfg.RuntimeName, "FABLE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "FABLE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "FABLE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "FABLE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "FABLE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "FABLE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "FABLE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "FABLE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "FABLE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "FABLE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "FABLE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "FABLE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "FABLE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "FABLE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "FABLE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "FABLE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "FABLE_STORE_PATH")
	overrideString(&cfg.Store.AudioDir, "FABLE_STORE_AUDIO_DIR")
	overrideString(&cfg.Store.ProxyURL, "FABLE_STORE_PROXY_URL")
	overrideInt(&cfg.Chunking.TargetSize, "FABLE_CHUNKING_TARGET_SIZE")
	overrideInt(&cfg.Chunking.MaxSize, "FABLE_CHUNKING_MAX_SIZE")
	overrideInt(&cfg.Chunking.SentencesPerChunk, "FABLE_CHUNKING_SENTENCES_PER_CHUNK")
	overrideString(&cfg.Chunking.AudioFormat, "FABLE_CHUNKING_AUDIO_FORMAT")
	overrideBool(&cfg.Chunking.Seamless, "FABLE_CHUNKING_SEAMLESS")
	overrideInt(&cfg.Chunking.ParagraphPauseMS, "FABLE_CHUNKING_PARAGRAPH_PAUSE_MS")
	overrideString(&cfg.Synthesis.Mode, "FABLE_SYNTHESIS_MODE")
	overrideString(&cfg.Synthesis.Command, "FABLE_SYNTHESIS_COMMAND")
	overrideString(&cfg.Synthesis.Voice, "FABLE_SYNTHESIS_VOICE")
	overrideFloat(&cfg.Synthesis.Speed, "FABLE_SYNTHESIS_SPEED")
	overrideInt(&cfg.Synthesis.CacheSize, "FABLE_SYNTHESIS_CACHE_SIZE")
	overrideString(&cfg.Playback.PlayerMode, "FABLE_PLAYBACK_PLAYER_MODE")
	overrideString(&cfg.Playback.PlayerCommand, "FABLE_PLAYBACK_PLAYER_COMMAND")
	overrideString(&cfg.Playback.DefaultTable, "FABLE_PLAYBACK_DEFAULT_TABLE")
	overrideInt(&cfg.Playback.ChunkDelayMS, "FABLE_PLAYBACK_CHUNK_DELAY_MS")
	overrideInt(&cfg.Playback.PauseDelayMS, "FABLE_PLAYBACK_PAUSE_DELAY_MS")
	overrideInt(&cfg.Playback.IdleTimeoutSeconds, "FABLE_PLAYBACK_IDLE_TIMEOUT_SECONDS")
	overrideInt(&cfg.Playback.KillGraceMS, "FABLE_PLAYBACK_KILL_GRACE_MS")
	overrideInt(&cfg.Cleanup.IntervalSeconds, "FABLE_CLEANUP_INTERVAL_SECONDS")
	overrideInt(&cfg.Cleanup.MaxAgeDays, "FABLE_CLEANUP_MAX_AGE_DAYS")
	overrideInt(&cfg.Cleanup.StuckRequestMinutes, "FABLE_CLEANUP_STUCK_REQUEST_MINUTES")
	overrideInt(&cfg.Cleanup.ConnectionRetentionHours, "FABLE_CLEANUP_CONNECTION_RETENTION_HOURS")
	overrideBool(&cfg.Story.Enabled, "FABLE_STORY_ENABLED")
	overrideString(&cfg.Story.Mode, "FABLE_STORY_MODE")
	overrideString(&cfg.Story.Endpoint, "FABLE_STORY_ENDPOINT")
	overrideString(&cfg.Story.Command, "FABLE_STORY_COMMAND")
	overrideString(&cfg.Story.Model, "FABLE_STORY_MODEL")
	overrideInt(&cfg.Story.MaxTokens, "FABLE_STORY_MAX_TOKENS")
	overrideFloat(&cfg.Story.Temperature, "FABLE_STORY_TEMPERATURE")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	if cfg.Store.AudioDir == "" {
		return errors.New("store.audio_dir must not be empty")
	}
	if cfg.Chunking.TargetSize <= 0 {
		return errors.New("chunking.target_size must be positive")
	}
	if cfg.Chunking.MaxSize < cfg.Chunking.TargetSize {
		return errors.New("chunking.max_size must be >= chunking.target_size")
	}
	if cfg.Chunking.SentencesPerChunk <= 0 {
		return errors.New("chunking.sentences_per_chunk must be positive")
	}
	switch cfg.Synthesis.Mode {
	case "mock", "exec":
	default:
		return errors.New("synthesis.mode must be one of mock|exec")
	}
	if cfg.Synthesis.Mode == "exec" && cfg.Synthesis.Command == "" {
		return errors.New("synthesis.command must be set when mode=exec")
	}
	if cfg.Synthesis.Speed <= 0 {
		return errors.New("synthesis.speed must be positive")
	}
	switch cfg.Playback.PlayerMode {
	case "mock", "exec":
	default:
		return errors.New("playback.player_mode must be one of mock|exec")
	}
	if cfg.Playback.PlayerMode == "exec" && cfg.Playback.PlayerCommand == "" {
		return errors.New("playback.player_command must be set when player_mode=exec")
	}
	if cfg.Playback.DefaultTable == "" {
		return errors.New("playback.default_table must not be empty")
	}
	if cfg.Playback.IdleTimeoutSeconds <= 0 {
		return errors.New("playback.idle_timeout_seconds must be positive")
	}
	if cfg.Cleanup.IntervalSeconds <= 0 {
		return errors.New("cleanup.interval_seconds must be positive")
	}
	if cfg.Cleanup.MaxAgeDays < 0 {
		return errors.New("cleanup.max_age_days must be >= 0")
	}
	if cfg.Cleanup.StuckRequestMinutes <= 0 {
		return errors.New("cleanup.stuck_request_minutes must be positive")
	}
	if cfg.Cleanup.ConnectionRetentionHours <= 0 {
		return errors.New("cleanup.connection_retention_hours must be positive")
	}
	if cfg.Story.Enabled {
		switch cfg.Story.Mode {
		case "mock", "ollama", "exec":
		default:
			return errors.New("story.mode must be one of mock|ollama|exec")
		}
		if cfg.Story.Mode == "ollama" && cfg.Story.Endpoint == "" {
			return errors.New("story.endpoint must be set when mode=ollama")
		}
		if cfg.Story.Mode == "exec" && cfg.Story.Command == "" {
			return errors.New("story.command must be set when mode=exec")
		}
	}
	return nil
}
