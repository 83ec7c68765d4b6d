// Package config holds application configuration: environment variables
// with sensible defaults, plus an optional TOML file overriding the failure
// signature lists.
//
// Environment Variables:
//
// Workspace:
//   - EPISODEDL_DATA_DIR: series working directories root (default: data)
//   - EPISODEDL_TELEMETRY: enable the sqlite telemetry store (default: true)
//
// Translation backend:
//   - EPISODEDL_BACKEND: codex | claude | http (default: codex)
//   - EPISODEDL_MODEL: primary model name (optional, backend default)
//   - EPISODEDL_FALLBACK_MODEL: fallback model tried once on failed chunks
//   - EPISODEDL_HTTP_URL: base URL for the http backend
//   - EPISODEDL_HTTP_API_KEY: API key for the http backend
//
// Translation tuning:
//   - EPISODEDL_CHUNK_CUES: cues per translation request (default: 400)
//   - EPISODEDL_JOBS_CHUNKS: concurrent chunk requests (default: 2)
//   - EPISODEDL_JOBS_EPISODES: concurrent episodes (default: 2)
//
// ASR:
//   - EPISODEDL_ASR_MODEL: WhisperX model (default: large-v3)
//   - EPISODEDL_ASR_DEVICE: WhisperX device (default: cpu)
//   - EPISODEDL_ASR_COMPUTE_TYPE: WhisperX compute type (default: float32)
//   - EPISODEDL_ASR_BATCH_SIZE: WhisperX batch size (default: 8)
//
// Watch:
//   - EPISODEDL_WATCH_CRON: cron expression for watch mode (default: 0 */6 * * *)
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"episodedl/internal/translate"
)

type Config struct {
	Workspace WorkspaceConfig
	Backend   BackendConfig
	Translate TranslateConfig
	ASR       ASRConfig
	Watch     WatchConfig
}

type WorkspaceConfig struct {
	DataDir   string
	Telemetry bool
}

type BackendConfig struct {
	Name          string
	Model         string
	FallbackModel string
	HTTPBaseURL   string
	HTTPAPIKey    string
}

type TranslateConfig struct {
	ChunkCues    int
	JobsChunks   int
	JobsEpisodes int
}

type ASRConfig struct {
	Model       string
	Device      string
	ComputeType string
	BatchSize   int
}

type WatchConfig struct {
	CronExpr string
}

// NewFromEnv builds the configuration from the environment. A .env file in
// the working directory is loaded first when present; explicit environment
// variables win over it.
func NewFromEnv() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Workspace: WorkspaceConfig{
			DataDir:   getEnvString("EPISODEDL_DATA_DIR", "data"),
			Telemetry: getEnvBool("EPISODEDL_TELEMETRY", true),
		},
		Backend: BackendConfig{
			Name:          getEnvString("EPISODEDL_BACKEND", "codex"),
			Model:         getEnvString("EPISODEDL_MODEL", ""),
			FallbackModel: getEnvString("EPISODEDL_FALLBACK_MODEL", ""),
			HTTPBaseURL:   getEnvString("EPISODEDL_HTTP_URL", ""),
			HTTPAPIKey:    getEnvString("EPISODEDL_HTTP_API_KEY", ""),
		},
		Translate: TranslateConfig{
			ChunkCues:    getEnvInt("EPISODEDL_CHUNK_CUES", 400),
			JobsChunks:   getEnvInt("EPISODEDL_JOBS_CHUNKS", 2),
			JobsEpisodes: getEnvInt("EPISODEDL_JOBS_EPISODES", 2),
		},
		ASR: ASRConfig{
			Model:       getEnvString("EPISODEDL_ASR_MODEL", "large-v3"),
			Device:      getEnvString("EPISODEDL_ASR_DEVICE", "cpu"),
			ComputeType: getEnvString("EPISODEDL_ASR_COMPUTE_TYPE", "float32"),
			BatchSize:   getEnvInt("EPISODEDL_ASR_BATCH_SIZE", 8),
		},
		Watch: WatchConfig{
			CronExpr: getEnvString("EPISODEDL_WATCH_CRON", "0 */6 * * *"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Backend.Name {
	case "codex", "claude", "http":
	default:
		return fmt.Errorf("EPISODEDL_BACKEND must be codex, claude or http, got %q", c.Backend.Name)
	}
	if c.Backend.Name == "http" && c.Backend.HTTPBaseURL == "" {
		return fmt.Errorf("EPISODEDL_HTTP_URL is required for the http backend")
	}
	if c.Translate.ChunkCues <= 0 {
		return fmt.Errorf("EPISODEDL_CHUNK_CUES must be positive")
	}
	return nil
}

// Signatures is the optional signatures file: substring lists that classify
// backend and transcriber failures. Tool wordings drift between releases,
// so they live in config instead of code.
type Signatures struct {
	Auth struct {
		Signatures []string `toml:"signatures"`
	} `toml:"auth"`
	RateLimit struct {
		Signatures []string `toml:"signatures"`
	} `toml:"rate_limit"`
	Transcriber struct {
		Recoverable []string `toml:"recoverable"`
	} `toml:"transcriber"`
}

// LoadSignatures reads the signatures TOML at path and layers it over the
// defaults. A missing file returns the defaults; a malformed one is an
// error.
func LoadSignatures(path string) (translate.Classifier, []string, error) {
	classifier := translate.DefaultClassifier()
	var recoverable []string

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return classifier, recoverable, nil
	}
	if err != nil {
		return classifier, nil, err
	}

	var sig Signatures
	if err := toml.Unmarshal(raw, &sig); err != nil {
		return classifier, nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(sig.Auth.Signatures) > 0 {
		classifier.AuthSignatures = sig.Auth.Signatures
	}
	if len(sig.RateLimit.Signatures) > 0 {
		classifier.RateLimitSignatures = sig.RateLimit.Signatures
	}
	recoverable = sig.Transcriber.Recoverable
	return classifier, recoverable, nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
