// SPDX-License-Identifier: MIT

package allocator

import (
	"sort"
	"strings"

	"github.com/ManuGH/voiceflow/internal/keypool"
)

// Key and lane status values reported by Snapshot.
const (
	StatusHealthy     = "healthy"
	StatusInFlight    = "in_flight"
	StatusRateLimited = "rate_limited"
	StatusAuthIssue   = "auth_issue"
)

// LaneUsage aggregates one lane's window counters.
type LaneUsage struct {
	Requests         int `json:"requests"`
	Tokens           int `json:"tokens"`
	InFlightRequests int `json:"inFlightRequests"`
	InFlightTokens   int `json:"inFlightTokens"`
	Successes        int `json:"successes"`
	Failures         int `json:"failures"`
	RateLimited      int `json:"rateLimited"`
}

// LaneRemaining reports headroom in the current window.
type LaneRemaining struct {
	RPM     int  `json:"rpm"`
	TPM     int  `json:"tpm"`
	AtLimit bool `json:"atLimit"`
}

// LaneWindow reports window timing for one lane.
type LaneWindow struct {
	StartedAtMs int64 `json:"startedAtMs"`
	ResetsInMs  int64 `json:"resetsInMs"`
}

// LaneSnapshot is one (key, model) lane's observable state.
type LaneSnapshot struct {
	Model     string        `json:"model"`
	Status    string        `json:"status"`
	ReadyInMs int64         `json:"readyInMs"`
	RPM       int           `json:"rpm"`
	TPM       int           `json:"tpm"`
	Usage     LaneUsage     `json:"usage"`
	Remaining LaneRemaining `json:"remaining"`
	Window    LaneWindow    `json:"window"`
}

// KeyUsage aggregates cumulative per-key counters.
type KeyUsage struct {
	Requests     int `json:"requests"`
	Successes    int `json:"successes"`
	Failures     int `json:"failures"`
	RateLimited  int `json:"rateLimited"`
	AuthFailures int `json:"authFailures"`
}

// KeyHealth is the coarse pool-admin health verdict for one key.
type KeyHealth struct {
	Healthy bool   `json:"healthy"`
	Reason  string `json:"reason"`
}

// KeySnapshot is one pool key's observable state across all routed models.
type KeySnapshot struct {
	Index            int            `json:"index"`
	Fingerprint      string         `json:"fingerprint"`
	Status           string         `json:"status"`
	InFlight         int            `json:"inFlight"`
	ReadyInMs        int64          `json:"readyInMs"`
	RateLimitStrikes int            `json:"rateLimitStrikes"`
	Usage            KeyUsage       `json:"usage"`
	AtLimit          bool           `json:"atLimit"`
	Health           KeyHealth      `json:"health"`
	Models           []LaneSnapshot `json:"models"`
}

// ModelPool summarizes pool capacity for one model.
type ModelPool struct {
	KeyCount       int   `json:"keyCount"`
	AtCapacityKeys int   `json:"atCapacityKeys"`
	AvailableKeys  int   `json:"availableKeys"`
	NextResetInMs  int64 `json:"nextResetInMs"`
}

// ModelUsage aggregates window counters across the pool for one model.
type ModelUsage struct {
	Requests    int `json:"requests"`
	Tokens      int `json:"tokens"`
	RateLimited int `json:"rateLimited"`
}

// ModelSnapshot is one configured model's aggregate state.
type ModelSnapshot struct {
	Model      string     `json:"model"`
	RPM        int        `json:"rpm"`
	TPM        int        `json:"tpm"`
	EnabledFor []string   `json:"enabledFor"`
	Routed     bool       `json:"routed"`
	Usage      ModelUsage `json:"usage"`
	Pool       ModelPool  `json:"pool"`
}

// PoolSnapshot summarizes the whole key pool.
type PoolSnapshot struct {
	KeyCount      int    `json:"keyCount"`
	HealthyKeys   int    `json:"healthyKeys"`
	UnhealthyKeys int    `json:"unhealthyKeys"`
	AtLimitKeys   int    `json:"atLimitKeys"`
	InFlightTotal int    `json:"inFlightTotal"`
	RotationMode  string `json:"rotationMode"`
	NextIndex     int    `json:"nextIndex"`
}

// WindowInfo describes the rolling window the snapshot was taken under.
type WindowInfo struct {
	Type        string `json:"type"`
	Seconds     int    `json:"seconds"`
	TimestampMs int64  `json:"timestampMs"`
}

// Info describes the allocator's static configuration.
type Info struct {
	Version              string `json:"version"`
	DefaultWaitTimeoutMs int    `json:"defaultWaitTimeoutMs"`
	WindowSeconds        int    `json:"windowSeconds"`
}

// Snapshot is the full read-only state dump for admin and guardian use.
type Snapshot struct {
	OK        bool            `json:"ok"`
	Window    WindowInfo      `json:"window"`
	Allocator Info            `json:"allocator"`
	Pool      PoolSnapshot    `json:"pool"`
	Keys      []KeySnapshot   `json:"keys"`
	Models    []ModelSnapshot `json:"models"`
}

func (a *Allocator) laneStatus(ks *keyState, lane *laneState, nowMs int64) (string, int64) {
	if ks.authDisabledUntilMs > nowMs {
		return StatusAuthIssue, max64(1, ks.authDisabledUntilMs-nowMs)
	}
	if lane.tempBlockUntilMs > nowMs {
		return StatusRateLimited, max64(1, lane.tempBlockUntilMs-nowMs)
	}
	if lane.inFlightRequests > 0 {
		return StatusInFlight, 0
	}
	return StatusHealthy, 0
}

// Snapshot produces a read-only state dump for the given key pool.
func (a *Allocator) Snapshot(keyPool []string) Snapshot {
	nowMs := a.nowMs()
	safePool := make([]string, 0, len(keyPool))
	for _, key := range keyPool {
		if k := strings.TrimSpace(key); k != "" {
			safePool = append(safePool, k)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, key := range safePool {
		a.keyState(key)
	}

	keyEntries := make([]KeySnapshot, 0, len(safePool))
	healthyKeys := 0
	atLimitKeys := 0
	inFlightTotal := 0

	for keyIndex, key := range safePool {
		ks := a.keyState(key)
		keyStatus := StatusHealthy
		var keyReadyInMs int64
		keyRateStrikes := 0
		keyAtLimit := false
		lanes := make([]LaneSnapshot, 0, len(a.routedModels))

		for _, modelID := range a.routedModels {
			lane := a.laneState(key, modelID)
			a.resetLaneIfWindowRolled(lane, nowMs)
			limit := a.cfg.Models[modelID]
			laneStatus, laneReadyInMs := a.laneStatus(ks, lane, nowMs)
			keyRateStrikes += lane.rateLimitedTotal

			rpmRemaining := maxInt(0, limit.RPM-(lane.requests+lane.inFlightRequests))
			tpmRemaining := maxInt(0, limit.TPM-(lane.tokens+lane.inFlightTokens))
			laneAtLimit := rpmRemaining <= 0 || tpmRemaining <= 0
			keyAtLimit = keyAtLimit || laneAtLimit

			switch {
			case laneStatus == StatusAuthIssue:
				keyStatus = StatusAuthIssue
				keyReadyInMs = max64(keyReadyInMs, laneReadyInMs)
			case laneStatus == StatusRateLimited && keyStatus != StatusAuthIssue:
				keyStatus = StatusRateLimited
				keyReadyInMs = max64(keyReadyInMs, laneReadyInMs)
			case laneStatus == StatusInFlight && keyStatus == StatusHealthy:
				keyStatus = StatusInFlight
			}

			lanes = append(lanes, LaneSnapshot{
				Model:     modelID,
				Status:    laneStatus,
				ReadyInMs: laneReadyInMs,
				RPM:       limit.RPM,
				TPM:       limit.TPM,
				Usage: LaneUsage{
					Requests:         lane.requests,
					Tokens:           lane.tokens,
					InFlightRequests: lane.inFlightRequests,
					InFlightTokens:   lane.inFlightTokens,
					Successes:        lane.successTotal,
					Failures:         lane.failureTotal,
					RateLimited:      lane.rateLimitedTotal,
				},
				Remaining: LaneRemaining{RPM: rpmRemaining, TPM: tpmRemaining, AtLimit: laneAtLimit},
				Window: LaneWindow{
					StartedAtMs: lane.windowStartedMs,
					ResetsInMs:  max64(0, lane.windowStartedMs+a.windowMs-nowMs),
				},
			})
		}

		healthy := keyStatus == StatusHealthy || keyStatus == StatusInFlight
		if healthy {
			healthyKeys++
		}
		if keyAtLimit {
			atLimitKeys++
		}
		inFlightTotal += ks.inFlightTotal

		reason := "ok"
		if !healthy {
			reason = keyStatus
		}
		keyEntries = append(keyEntries, KeySnapshot{
			Index:            keyIndex,
			Fingerprint:      keypool.Fingerprint(key),
			Status:           keyStatus,
			InFlight:         ks.inFlightTotal,
			ReadyInMs:        keyReadyInMs,
			RateLimitStrikes: keyRateStrikes,
			Usage: KeyUsage{
				Requests:     ks.requestsTotal,
				Successes:    ks.successTotal,
				Failures:     ks.failureTotal,
				RateLimited:  ks.rateLimitedTotal,
				AuthFailures: ks.authFailuresTotal,
			},
			AtLimit: keyAtLimit,
			Health:  KeyHealth{Healthy: healthy, Reason: reason},
			Models:  lanes,
		})
	}

	routedSet := make(map[string]bool, len(a.routedModels))
	for _, model := range a.routedModels {
		routedSet[model] = true
	}

	modelEntries := make([]ModelSnapshot, 0, len(a.cfg.Models))
	for modelID, limit := range a.cfg.Models {
		usage := ModelUsage{}
		atCapacityKeys := 0
		var nextResetMs int64 = -1
		for _, key := range safePool {
			lane := a.laneState(key, modelID)
			a.resetLaneIfWindowRolled(lane, nowMs)
			usage.Requests += lane.requests
			usage.Tokens += lane.tokens
			usage.RateLimited += lane.rateLimitedTotal
			rpmRemaining := maxInt(0, limit.RPM-(lane.requests+lane.inFlightRequests))
			tpmRemaining := maxInt(0, limit.TPM-(lane.tokens+lane.inFlightTokens))
			if rpmRemaining <= 0 || tpmRemaining <= 0 {
				atCapacityKeys++
			}
			resetIn := max64(0, lane.windowStartedMs+a.windowMs-nowMs)
			if nextResetMs < 0 || resetIn < nextResetMs {
				nextResetMs = resetIn
			}
		}
		if nextResetMs < 0 {
			nextResetMs = 0
		}

		enabledFor := make([]string, 0, len(limit.EnabledFor))
		for task := range limit.EnabledFor {
			enabledFor = append(enabledFor, task)
		}
		sort.Strings(enabledFor)

		modelEntries = append(modelEntries, ModelSnapshot{
			Model:      modelID,
			RPM:        limit.RPM,
			TPM:        limit.TPM,
			EnabledFor: enabledFor,
			Routed:     routedSet[modelID],
			Usage:      usage,
			Pool: ModelPool{
				KeyCount:       len(safePool),
				AtCapacityKeys: atCapacityKeys,
				AvailableKeys:  maxInt(0, len(safePool)-atCapacityKeys),
				NextResetInMs:  nextResetMs,
			},
		})
	}
	sort.Slice(modelEntries, func(i, j int) bool { return modelEntries[i].Model < modelEntries[j].Model })

	nextIndex := 0
	if len(safePool) > 0 {
		nextIndex = a.nextKeyIndex
	}

	return Snapshot{
		OK: true,
		Window: WindowInfo{
			Type:        "rolling_seconds",
			Seconds:     a.cfg.WindowSeconds,
			TimestampMs: nowMs,
		},
		Allocator: Info{
			Version:              a.cfg.Version,
			DefaultWaitTimeoutMs: a.cfg.DefaultWaitTimeoutMs,
			WindowSeconds:        a.cfg.WindowSeconds,
		},
		Pool: PoolSnapshot{
			KeyCount:      len(safePool),
			HealthyKeys:   healthyKeys,
			UnhealthyKeys: maxInt(0, len(safePool)-healthyKeys),
			AtLimitKeys:   atLimitKeys,
			InFlightTotal: inFlightTotal,
			RotationMode:  "round_robin_forward",
			NextIndex:     nextIndex,
		},
		Keys:   keyEntries,
		Models: modelEntries,
	}
}
