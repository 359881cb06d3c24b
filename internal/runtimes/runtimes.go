// SPDX-License-Identifier: MIT

// Package runtimes tracks the synthesis engine sidecars (the hosted GEM
// runtime and the local Kokoro runtime): liveness probes, warm-up, restarts.
package runtimes

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/voiceflow/internal/log"
)

// Engine identifiers.
const (
	EngineGEM    = "GEM"
	EngineKokoro = "KOKORO"
)

// Runtime states.
const (
	StateOnline   = "online"
	StateStarting = "starting"
	StateFailed   = "failed"
	StateUnknown  = "unknown"
)

const probeTimeout = 2500 * time.Millisecond

type runtimeState struct {
	baseURL      string
	state        string
	lastError    string
	lastProbeMs  int64
	restartCount int
}

// Status is one engine's observable state.
type Status struct {
	Engine       string `json:"engine"`
	BaseURL      string `json:"baseUrl"`
	State        string `json:"state"`
	LastError    string `json:"lastError,omitempty"`
	LastProbeMs  int64  `json:"lastProbeMs"`
	RestartCount int    `json:"restartCount"`
}

// Manager supervises the configured engine runtimes.
type Manager struct {
	mu       sync.Mutex
	runtimes map[string]*runtimeState
	http     *http.Client
	nowMs    func() int64
	logger   zerolog.Logger
}

// NewManager registers the configured engines. Engines with an empty base
// URL are not registered.
func NewManager(baseURLs map[string]string) *Manager {
	m := &Manager{
		runtimes: make(map[string]*runtimeState),
		http:     &http.Client{Timeout: probeTimeout},
		nowMs:    func() int64 { return time.Now().UnixMilli() },
		logger:   log.WithComponent("runtimes"),
	}
	for engine, baseURL := range baseURLs {
		engine = strings.ToUpper(strings.TrimSpace(engine))
		baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
		if engine == "" || baseURL == "" {
			continue
		}
		m.runtimes[engine] = &runtimeState{baseURL: baseURL, state: StateUnknown}
	}
	return m
}

// Engines lists the registered engine names.
func (m *Manager) Engines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.runtimes))
	for engine := range m.runtimes {
		out = append(out, engine)
	}
	return out
}

// BaseURL returns the configured base URL for an engine.
func (m *Manager) BaseURL(engine string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.runtimes[strings.ToUpper(engine)]
	if !ok {
		return "", false
	}
	return rt.baseURL, true
}

// Probe checks one engine's health endpoint and updates its state.
func (m *Manager) Probe(ctx context.Context, engine string) error {
	engine = strings.ToUpper(strings.TrimSpace(engine))
	m.mu.Lock()
	rt, ok := m.runtimes[engine]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown engine %s", engine)
	}
	baseURL := rt.baseURL
	m.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, probeErr := m.http.Do(req)
	now := m.nowMs()

	m.mu.Lock()
	defer m.mu.Unlock()
	rt.lastProbeMs = now
	if probeErr != nil {
		rt.state = StateFailed
		rt.lastError = probeErr.Error()
		return fmt.Errorf("probe %s: %w", engine, probeErr)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		rt.state = StateFailed
		rt.lastError = fmt.Sprintf("health returned %d", resp.StatusCode)
		return fmt.Errorf("probe %s: status %d", engine, resp.StatusCode)
	}
	rt.state = StateOnline
	rt.lastError = ""
	return nil
}

// Prepare makes sure an engine is ready before synthesis: an online engine
// is a no-op, otherwise it is marked starting and probed.
func (m *Manager) Prepare(ctx context.Context, engine string) (string, error) {
	engine = strings.ToUpper(strings.TrimSpace(engine))
	m.mu.Lock()
	rt, ok := m.runtimes[engine]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("unknown engine %s", engine)
	}
	if rt.state == StateOnline {
		m.mu.Unlock()
		return StateOnline, nil
	}
	rt.state = StateStarting
	m.mu.Unlock()

	if err := m.Probe(ctx, engine); err != nil {
		return StateFailed, err
	}
	return StateOnline, nil
}

// Restart asks an engine sidecar to restart itself, then re-probes.
func (m *Manager) Restart(ctx context.Context, engine string) error {
	engine = strings.ToUpper(strings.TrimSpace(engine))
	m.mu.Lock()
	rt, ok := m.runtimes[engine]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown engine %s", engine)
	}
	rt.state = StateStarting
	rt.restartCount++
	baseURL := rt.baseURL
	m.mu.Unlock()

	m.logger.Info().Str("event", "runtimes.restart").Str("engine", engine).Msg("restarting engine runtime")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/admin/restart", nil)
	if err != nil {
		return err
	}
	if resp, postErr := m.http.Do(req); postErr == nil {
		_ = resp.Body.Close()
	}
	// the sidecar may drop the connection mid-restart; the probe decides
	return m.Probe(ctx, engine)
}

// RestartAll restarts every registered engine, returning the first error.
func (m *Manager) RestartAll(ctx context.Context) error {
	var firstErr error
	for _, engine := range m.Engines() {
		if err := m.Restart(ctx, engine); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Snapshot reports every engine's state, sorted by engine name.
func (m *Manager) Snapshot() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.runtimes))
	for engine, rt := range m.runtimes {
		out = append(out, Status{
			Engine:       engine,
			BaseURL:      rt.baseURL,
			State:        rt.state,
			LastError:    rt.lastError,
			LastProbeMs:  rt.lastProbeMs,
			RestartCount: rt.restartCount,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Engine < out[j].Engine })
	return out
}
