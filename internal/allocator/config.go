// SPDX-License-Identifier: MIT

package allocator

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Tasks a model may be routed for.
const (
	TaskTTS  = "tts"
	TaskText = "text"
	TaskOCR  = "ocr"
)

var validTasks = map[string]bool{
	TaskTTS:  true,
	TaskText: true,
	TaskOCR:  true,
	// reserved is accepted in configs for forward compatibility but never routed.
	"reserved": true,
}

// ModelLimit describes one upstream model's per-window budgets.
type ModelLimit struct {
	ID         string
	RPM        int
	TPM        int
	EnabledFor map[string]bool
}

// Config is the validated allocator limits document.
type Config struct {
	Version              string
	WindowSeconds        int
	DefaultWaitTimeoutMs int
	Models               map[string]ModelLimit
	Routes               map[string][]string
}

type rawModel struct {
	ID         string   `json:"id"`
	RPM        int      `json:"rpm"`
	TPM        int      `json:"tpm"`
	EnabledFor []string `json:"enabledFor"`
}

type rawConfig struct {
	Version              string              `json:"version"`
	WindowSeconds        int                 `json:"windowSeconds"`
	DefaultWaitTimeoutMs int                 `json:"defaultWaitTimeoutMs"`
	Models               []rawModel          `json:"models"`
	Routes               map[string][]string `json:"routes"`
}

// NormalizeModelID strips the optional "models/" prefix and surrounding space.
func NormalizeModelID(raw string) string {
	token := strings.TrimSpace(raw)
	if strings.HasPrefix(strings.ToLower(token), "models/") {
		token = token[7:]
	}
	return strings.TrimSpace(token)
}

// LoadConfig reads and validates the allocator limits JSON document.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("allocator config not readable: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig validates the allocator limits JSON payload.
func ParseConfig(data []byte) (*Config, error) {
	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse allocator config JSON: %w", err)
	}

	version := strings.TrimSpace(raw.Version)
	if version == "" {
		return nil, fmt.Errorf("allocator config must include a non-empty version")
	}
	if raw.WindowSeconds <= 0 {
		return nil, fmt.Errorf("windowSeconds must be > 0")
	}
	if raw.DefaultWaitTimeoutMs <= 0 {
		return nil, fmt.Errorf("defaultWaitTimeoutMs must be > 0")
	}
	if len(raw.Models) == 0 {
		return nil, fmt.Errorf("allocator config models must be a non-empty list")
	}

	models := make(map[string]ModelLimit, len(raw.Models))
	for i, item := range raw.Models {
		id := NormalizeModelID(item.ID)
		if id == "" {
			return nil, fmt.Errorf("models[%d].id is required", i)
		}
		if _, dup := models[id]; dup {
			return nil, fmt.Errorf("duplicate model id in allocator config: %s", id)
		}
		if item.RPM <= 0 {
			return nil, fmt.Errorf("models[%d].rpm must be > 0", i)
		}
		if item.TPM <= 0 {
			return nil, fmt.Errorf("models[%d].tpm must be > 0", i)
		}
		if len(item.EnabledFor) == 0 {
			return nil, fmt.Errorf("models[%d].enabledFor must be a non-empty list", i)
		}
		enabled := make(map[string]bool, len(item.EnabledFor))
		for _, taskRaw := range item.EnabledFor {
			task := strings.ToLower(strings.TrimSpace(taskRaw))
			if !validTasks[task] {
				return nil, fmt.Errorf("models[%d].enabledFor has invalid task: %s", i, task)
			}
			enabled[task] = true
		}
		models[id] = ModelLimit{ID: id, RPM: item.RPM, TPM: item.TPM, EnabledFor: enabled}
	}

	if raw.Routes == nil {
		return nil, fmt.Errorf("allocator config routes must be an object")
	}
	routes := make(map[string][]string, 3)
	for _, task := range []string{TaskTTS, TaskText, TaskOCR} {
		rawList, ok := raw.Routes[task]
		if !ok || len(rawList) == 0 {
			return nil, fmt.Errorf("routes.%s must be a non-empty list", task)
		}
		seen := make(map[string]bool, len(rawList))
		route := make([]string, 0, len(rawList))
		for _, modelRaw := range rawList {
			id := NormalizeModelID(modelRaw)
			if id == "" {
				return nil, fmt.Errorf("routes.%s has an empty model id", task)
			}
			limit, known := models[id]
			if !known {
				return nil, fmt.Errorf("routes.%s references unknown model: %s", task, id)
			}
			if !limit.EnabledFor[task] {
				return nil, fmt.Errorf("routes.%s model is not enabled for this task: %s", task, id)
			}
			if seen[id] {
				continue
			}
			seen[id] = true
			route = append(route, id)
		}
		if len(route) == 0 {
			return nil, fmt.Errorf("routes.%s must contain at least one valid model", task)
		}
		routes[task] = route
	}

	return &Config{
		Version:              version,
		WindowSeconds:        raw.WindowSeconds,
		DefaultWaitTimeoutMs: raw.DefaultWaitTimeoutMs,
		Models:               models,
		Routes:               routes,
	}, nil
}
