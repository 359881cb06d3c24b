// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load builds the effective configuration: defaults, then the YAML file
// (optional when path is empty), then environment overrides, then
// validation. Environment variables have the highest precedence.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path) // #nosec G304 -- operator-provided config path
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	mergeEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func mergeEnv(cfg *Config) {
	cfg.Listen = envString("VF_LISTEN", cfg.Listen)
	cfg.DataDir = envString("VF_DATA_DIR", cfg.DataDir)
	cfg.LogLevel = envString("VF_LOG_LEVEL", cfg.LogLevel)
	cfg.AllocatorConfig = envString("VF_ALLOCATOR_CONFIG", cfg.AllocatorConfig)
	cfg.MaxWordsPerRequest = envInt("VF_MAX_WORDS_PER_REQUEST", cfg.MaxWordsPerRequest)

	if cfg.Engines == nil {
		cfg.Engines = map[string]string{}
	}
	if v := envString("VF_GEM_BASE_URL", ""); v != "" {
		cfg.Engines["GEM"] = v
	}
	if v := envString("VF_KOKORO_BASE_URL", ""); v != "" {
		cfg.Engines["KOKORO"] = v
	}

	cfg.Keys.File = envString("VF_KEYS_FILE", cfg.Keys.File)
	cfg.Keys.Watch = envBool("VF_KEYS_WATCH", cfg.Keys.Watch)

	cfg.Guardian.Mode = envString("VF_GUARDIAN_MODE", cfg.Guardian.Mode)
	cfg.Guardian.SoftLimit = envInt("VF_GUARDIAN_SOFT_LIMIT", cfg.Guardian.SoftLimit)
	cfg.Guardian.AdminToken = envString("VF_ADMIN_TOKEN", cfg.Guardian.AdminToken)
	if uids := envList("VF_ADMIN_UIDS"); uids != nil {
		cfg.Guardian.AdminUIDs = uids
	}

	cfg.Quota.Backend = envString("VF_QUOTA_BACKEND", cfg.Quota.Backend)
	cfg.Quota.Path = envString("VF_QUOTA_PATH", cfg.Quota.Path)
	if uids := envList("VF_ADMIN_BYPASS_UIDS"); uids != nil {
		cfg.Quota.BypassUIDs = uids
	}

	cfg.RateLimit.PerIPPerMinute = envInt("VF_RATE_LIMIT_PER_MINUTE", cfg.RateLimit.PerIPPerMinute)
}

// envList parses a comma-separated list; nil means the variable is unset.
func envList(key string) []string {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if out == nil {
		out = []string{}
	}
	return out
}
