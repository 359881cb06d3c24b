// SPDX-License-Identifier: MIT

// Package keypool loads and validates the upstream API key pool.
package keypool

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// keyPattern matches provider API keys. Anything else is silently dropped
// during parsing so a stray comment line cannot poison the pool.
var keyPattern = regexp.MustCompile(`^AIza[A-Za-z0-9_-]{30,}$`)

// IsValidKey reports whether token matches the provider key pattern.
func IsValidKey(token string) bool {
	return keyPattern.MatchString(strings.TrimSpace(token))
}

// ParseKeys splits a newline/comma-delimited blob into a de-duplicated,
// order-preserving list of valid keys.
func ParseKeys(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := regexp.MustCompile(`[\r\n,]+`).Split(raw, -1)
	seen := make(map[string]bool, len(parts))
	out := make([]string, 0, len(parts))
	for _, item := range parts {
		token := strings.TrimSpace(item)
		if token == "" || seen[token] {
			continue
		}
		if !IsValidKey(token) {
			continue
		}
		seen[token] = true
		out = append(out, token)
	}
	return out
}

// Fingerprint returns a stable short form of a key safe for logs.
func Fingerprint(apiKey string) string {
	token := strings.TrimSpace(apiKey)
	if token == "" {
		return "none"
	}
	if len(token) <= 12 {
		return token
	}
	return fmt.Sprintf("%s...%s", token[:8], token[len(token)-4:])
}

// Sources configures where keys are loaded from, in precedence order:
// a delimited file, a delimited environment variable, a single-key variable.
type Sources struct {
	FilePath     string
	PoolEnvVar   string // e.g. GEMINI_API_KEYS
	SingleEnvVar string // e.g. GEMINI_API_KEY
}

// Load resolves the key pool from the configured sources.
func Load(src Sources) ([]string, error) {
	if src.FilePath != "" {
		data, err := os.ReadFile(src.FilePath)
		if err != nil {
			return nil, fmt.Errorf("key pool file not readable: %w", err)
		}
		if keys := ParseKeys(string(data)); len(keys) > 0 {
			return keys, nil
		}
	}
	if src.PoolEnvVar != "" {
		if keys := ParseKeys(os.Getenv(src.PoolEnvVar)); len(keys) > 0 {
			return keys, nil
		}
	}
	if src.SingleEnvVar != "" {
		if key := strings.TrimSpace(os.Getenv(src.SingleEnvVar)); IsValidKey(key) {
			return []string{key}, nil
		}
	}
	return nil, nil
}
