// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	// RecallDSN is the Postgres connection string for the pgvector index.
	// Empty disables semantic recall entirely.
	RecallDSN string

	// RecallDims is the embedding dimensionality of the vector table. It
	// must match the embedding model in use.
	RecallDims int

	Engines  EngineConfig
	Pipeline PipelineConfig
}

// EngineConfig holds endpoints and enable flags for the model engines.
type EngineConfig struct {
	STTEnabled   bool
	STTEndpoint  string
	LLMEnabled   bool
	LLMEndpoint  string
	LLMModel     string
	TTSEnabled   bool
	TTSEndpoint  string
	EmbedEnabled bool
	EmbedModel   string

	TranscribeTimeout time.Duration
	GenerateTimeout   time.Duration
	SynthesizeTimeout time.Duration
	EmbedTimeout      time.Duration
}

// PipelineConfig tunes turn processing and context assembly.
type PipelineConfig struct {
	HistoryLimit   int
	RecallTopK     int
	RecallMinScore float64
	PersistRetries int
	PersistBackoff time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/voicechat.db"),
		RecallDSN:   getEnv("RECALL_DSN", ""),
		RecallDims:  getEnvInt("RECALL_DIMS", 768),
		Engines: EngineConfig{
			STTEnabled:   getEnvBool("STT_ENABLED", true),
			STTEndpoint:  getEnv("STT_ENDPOINT", "http://localhost:7070/inference"),
			LLMEnabled:   getEnvBool("LLM_ENABLED", true),
			LLMEndpoint:  getEnv("LLM_ENDPOINT", "http://localhost:11434"),
			LLMModel:     getEnv("LLM_MODEL", "tinyllama"),
			TTSEnabled:   getEnvBool("TTS_ENABLED", true),
			TTSEndpoint:  getEnv("TTS_ENDPOINT", "http://localhost:7071/tts"),
			EmbedEnabled: getEnvBool("EMBED_ENABLED", true),
			EmbedModel:   getEnv("EMBED_MODEL", "nomic-embed-text"),

			TranscribeTimeout: getEnvDuration("TRANSCRIBE_TIMEOUT", 15*time.Second),
			GenerateTimeout:   getEnvDuration("GENERATE_TIMEOUT", 30*time.Second),
			SynthesizeTimeout: getEnvDuration("SYNTHESIZE_TIMEOUT", 30*time.Second),
			EmbedTimeout:      getEnvDuration("EMBED_TIMEOUT", 10*time.Second),
		},
		Pipeline: PipelineConfig{
			HistoryLimit:   getEnvInt("HISTORY_LIMIT", 4),
			RecallTopK:     getEnvInt("RECALL_TOP_K", 3),
			RecallMinScore: getEnvFloat("RECALL_MIN_SCORE", 0.6),
			PersistRetries: getEnvInt("PERSIST_RETRIES", 3),
			PersistBackoff: getEnvDuration("PERSIST_BACKOFF", 500*time.Millisecond),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Engines.STTEnabled && c.Engines.STTEndpoint == "" {
		return fmt.Errorf("STT_ENDPOINT cannot be empty when STT is enabled")
	}
	if c.Engines.LLMEnabled && c.Engines.LLMEndpoint == "" {
		return fmt.Errorf("LLM_ENDPOINT cannot be empty when LLM is enabled")
	}
	if c.Engines.TTSEnabled && c.Engines.TTSEndpoint == "" {
		return fmt.Errorf("TTS_ENDPOINT cannot be empty when TTS is enabled")
	}
	if c.RecallDSN != "" && c.RecallDims <= 0 {
		return fmt.Errorf("RECALL_DIMS must be > 0 when RECALL_DSN is set")
	}
	if c.Pipeline.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be > 0")
	}
	if c.Pipeline.RecallTopK < 0 {
		return fmt.Errorf("RECALL_TOP_K must be >= 0")
	}
	if c.Pipeline.PersistRetries < 0 {
		return fmt.Errorf("PERSIST_RETRIES must be >= 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
