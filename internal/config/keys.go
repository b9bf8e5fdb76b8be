package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "INGESTD_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.auth_token", typ: kString, env: "INGESTD_AUTH_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.AuthToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.AuthToken },
	},
	{
		key: "model.base_url", typ: kString, env: "INGESTD_MODEL_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Model.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Model.BaseURL },
	},
	{
		key: "model.extract_model", typ: kString, env: "INGESTD_EXTRACT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Model.ExtractModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Model.ExtractModel },
	},
	{
		key: "model.embed_model", typ: kString, env: "INGESTD_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Model.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Model.EmbedModel },
	},
	{
		key: "model.api_keys", typ: kString, env: "INGESTD_API_KEYS",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Model.APIKeys = splitKeys(v.(string)) },
		extract: func(cfg Config) any { return strings.Join(cfg.Model.APIKeys, ",") },
	},
	{
		key: "storage.data_dir", typ: kString, env: "INGESTD_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "quota.base_url", typ: kString, env: "INGESTD_QUOTA_URL",
		apply:   func(cfg *Config, v any) { cfg.Quota.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Quota.BaseURL },
	},
	{
		key: "quota.token", typ: kString, env: "INGESTD_QUOTA_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Quota.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Quota.Token },
	},
	{
		key: "ingest.page_batch_size", typ: kInt, env: "INGESTD_PAGE_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Ingest.PageBatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.PageBatchSize },
	},
	{
		key: "ingest.embed_batch_size", typ: kInt, env: "INGESTD_EMBED_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Ingest.EmbedBatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.EmbedBatchSize },
	},
	{
		key: "ingest.write_batch_size", typ: kInt, env: "INGESTD_WRITE_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Ingest.WriteBatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.WriteBatchSize },
	},
	{
		key: "ingest.max_jobs", typ: kInt, env: "INGESTD_MAX_JOBS",
		apply:   func(cfg *Config, v any) { cfg.Ingest.MaxConcurrentJobs = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.MaxConcurrentJobs },
	},
	{
		key: "ingest.max_file_mb", typ: kInt, env: "INGESTD_MAX_FILE_MB",
		apply:   func(cfg *Config, v any) { cfg.Ingest.MaxFileSizeMB = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.MaxFileSizeMB },
	},
	{
		key: "log.level", typ: kString, env: "INGESTD_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
