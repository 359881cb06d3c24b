// SPDX-License-Identifier: MIT

// Package config loads the gateway configuration: YAML file, then
// environment overrides, then validation. The allocator's rate-limit
// document is a separate JSON file (see internal/allocator) referenced
// from here.
package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Guardian modes (mirrored in internal/guardian).
var validGuardianModes = map[string]bool{
	"observe": true,
	"enforce": true,
	"manual":  true,
}

var validQuotaBackends = map[string]bool{
	"memory": true,
	"badger": true,
}

// KeysConfig names the provider key sources. Environment variables
// (VF_GEMINI_API_KEYS / VF_GEMINI_API_KEY) are read by the key pool
// itself; File points at the newline-separated keys file.
type KeysConfig struct {
	File string `yaml:"file"`
	// Watch enables fsnotify-driven reload of the keys file.
	Watch bool `yaml:"watch"`
}

// GuardianConfig tunes admission control and ops authorization.
type GuardianConfig struct {
	Mode       string   `yaml:"mode"`
	SoftLimit  int      `yaml:"softLimit"`
	AdminUIDs  []string `yaml:"adminUids"`
	AdminToken string   `yaml:"-"` // env only, never in the file
}

// QuotaConfig selects the usage store backend and the bypass allowlist.
type QuotaConfig struct {
	Backend    string   `yaml:"backend"`
	Path       string   `yaml:"path"`
	BypassUIDs []string `yaml:"bypassUids"`
}

// RateLimitConfig caps per-IP request rates at the gateway edge.
type RateLimitConfig struct {
	PerIPPerMinute int `yaml:"perIpPerMinute"`
}

// Config is the full gateway configuration.
type Config struct {
	Listen             string            `yaml:"listen"`
	DataDir            string            `yaml:"dataDir"`
	LogLevel           string            `yaml:"logLevel"`
	AllocatorConfig    string            `yaml:"allocatorConfig"`
	MaxWordsPerRequest int               `yaml:"maxWordsPerRequest"`
	Engines            map[string]string `yaml:"engines"`
	Keys               KeysConfig        `yaml:"keys"`
	Guardian           GuardianConfig    `yaml:"guardian"`
	Quota              QuotaConfig       `yaml:"quota"`
	RateLimit          RateLimitConfig   `yaml:"rateLimit"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		Listen:             ":8090",
		DataDir:            "./data",
		LogLevel:           "info",
		AllocatorConfig:    "./config/model_limits.json",
		MaxWordsPerRequest: 900,
		Engines:            map[string]string{},
		Guardian: GuardianConfig{
			Mode:      "enforce",
			SoftLimit: 24,
		},
		Quota: QuotaConfig{
			Backend: "memory",
		},
		RateLimit: RateLimitConfig{
			PerIPPerMinute: 600,
		},
	}
}

// Validate rejects configurations the daemon cannot safely start with.
func (c *Config) Validate() error {
	if c.Listen != "" {
		_, port, err := net.SplitHostPort(c.Listen)
		if err != nil {
			return fmt.Errorf("invalid listen address %q: %w", c.Listen, err)
		}
		portNum, err := strconv.Atoi(port)
		if err != nil || portNum < 0 || portNum > 65535 {
			return fmt.Errorf("invalid listen port %q in %q", port, c.Listen)
		}
	}
	if c.MaxWordsPerRequest <= 0 {
		return fmt.Errorf("maxWordsPerRequest must be positive, got %d", c.MaxWordsPerRequest)
	}
	if !validGuardianModes[c.Guardian.Mode] {
		return fmt.Errorf("guardian mode must be observe, enforce, or manual, got %q", c.Guardian.Mode)
	}
	if c.Guardian.SoftLimit <= 0 {
		return fmt.Errorf("guardian softLimit must be positive, got %d", c.Guardian.SoftLimit)
	}
	if !validQuotaBackends[c.Quota.Backend] {
		return fmt.Errorf("quota backend must be memory or badger, got %q", c.Quota.Backend)
	}
	if c.Quota.Backend == "badger" && strings.TrimSpace(c.Quota.Path) == "" {
		return fmt.Errorf("quota backend badger requires a path")
	}
	for engine, baseURL := range c.Engines {
		u, err := url.Parse(baseURL)
		if err != nil {
			return fmt.Errorf("invalid base URL for engine %s: %w", engine, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("engine %s base URL scheme must be http or https, got %q", engine, u.Scheme)
		}
	}
	if c.RateLimit.PerIPPerMinute < 0 {
		return fmt.Errorf("rateLimit.perIpPerMinute must not be negative")
	}
	return nil
}
