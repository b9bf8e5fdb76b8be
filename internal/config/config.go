// Package config loads service configuration from an XDG config file with
// INGESTD_* environment variable overrides. Secrets are env-only.
package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Server  ServerConfig
	Model   ModelConfig
	Storage StorageConfig
	Quota   QuotaConfig
	Ingest  IngestConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port      int
	AuthToken string
}

type ModelConfig struct {
	BaseURL      string
	ExtractModel string
	EmbedModel   string
	APIKeys      []string
}

type StorageConfig struct {
	DataDir string
}

// QuotaConfig points at the external quota accounting service. An empty
// BaseURL disables quota enforcement.
type QuotaConfig struct {
	BaseURL string
	Token   string
}

type IngestConfig struct {
	PageBatchSize     int
	EmbedBatchSize    int
	WriteBatchSize    int
	MaxConcurrentJobs int
	MaxFileSizeMB     int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4400,
		},
		Model: ModelConfig{
			BaseURL:      "https://api.openai.com/v1",
			ExtractModel: "gpt-4o-mini",
			EmbedModel:   "text-embedding-3-small",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Ingest: IngestConfig{
			PageBatchSize:     10,
			EmbedBatchSize:    16,
			WriteBatchSize:    3,
			MaxConcurrentJobs: 4,
			MaxFileSizeMB:     20,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the config file (JSON at
// $XDG_CONFIG_HOME/ingestd/config.json, overridable via INGESTD_CONFIG),
// then applies INGESTD_* environment overrides. Secrets (auth token, model
// API keys, quota token) are accepted only from the environment.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if len(cfg.Model.APIKeys) == 0 {
		return Config{}, fmt.Errorf("missing required config: model API keys; set INGESTD_API_KEYS to a comma-separated list")
	}
	if cfg.Server.AuthToken == "" {
		return Config{}, fmt.Errorf("missing required config: service auth token; set INGESTD_AUTH_TOKEN")
	}

	return cfg, nil
}

// splitKeys parses a comma-separated key list, dropping empty entries.
func splitKeys(raw string) []string {
	var keys []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}
