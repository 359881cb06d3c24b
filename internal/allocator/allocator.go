// SPDX-License-Identifier: MIT

// Package allocator implements admission control over (key × model) lanes.
// Each lane owns rolling-window RPM/TPM counters; acquisition hands out
// leases that must be released exactly once.
package allocator

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Error kinds reported on release. An empty kind means no error.
const (
	ErrKindAuth      = "auth"
	ErrKindRateLimit = "rate_limit"
	ErrKindTimeout   = "timeout"
	ErrKindOther     = "other"
)

// Lease is an admission ticket pairing a lane with a token reservation.
type Lease struct {
	Key            string
	ModelID        string
	KeyIndex       int
	ModelIndex     int
	ReservedTokens int
	ReservedAtMs   int64
}

// AcquireResult reports the outcome of one acquisition attempt.
type AcquireResult struct {
	Lease        *Lease
	WaitedMs     int64
	RetryAfterMs int64
	TimedOut     bool
}

// AcquireRequest bundles the acquisition parameters shared by both entry points.
type AcquireRequest struct {
	KeyPool         []string
	RequestedTokens int
	BlockedKeys     map[string]bool
	BlockedModels   map[string]bool
	WaitTimeoutMs   int64 // 0 means the config default
	PreferredKey    string
}

type laneKey struct {
	key   string
	model string
}

type laneState struct {
	windowStartedMs  int64
	requests         int
	tokens           int
	inFlightRequests int
	inFlightTokens   int
	tempBlockUntilMs int64
	successTotal     int
	failureTotal     int
	rateLimitedTotal int
}

type keyState struct {
	authDisabledUntilMs int64
	inFlightTotal       int
	requestsTotal       int
	successTotal        int
	failureTotal        int
	authFailuresTotal   int
	rateLimitedTotal    int
}

// Options tune the allocator's retry cadence and penalty windows.
type Options struct {
	AuthDisableMs int64 // how long a key stays disabled after an auth failure
	WaitSliceMs   int64 // upper bound for one sleep slice in the acquire loop
	NowMs         func() int64
}

// Allocator multiplexes requests over a pool of API keys and a route-pinned
// set of upstream models. All state mutates under one mutex.
type Allocator struct {
	cfg           *Config
	windowMs      int64
	authDisableMs int64
	waitSliceMs   int64
	nowMs         func() int64

	mu           sync.Mutex
	lanes        map[laneKey]*laneState
	keys         map[string]*keyState
	nextKeyIndex int
	routedModels []string
}

// New constructs an allocator for the given validated config.
func New(cfg *Config, opts Options) *Allocator {
	authDisableMs := opts.AuthDisableMs
	if authDisableMs < 1000 {
		authDisableMs = 600_000
	}
	waitSliceMs := opts.WaitSliceMs
	if waitSliceMs < 100 {
		waitSliceMs = 500
	}
	nowMs := opts.NowMs
	if nowMs == nil {
		nowMs = func() int64 { return time.Now().UnixMilli() }
	}

	routedSet := map[string]bool{}
	for _, route := range cfg.Routes {
		for _, model := range route {
			routedSet[model] = true
		}
	}
	routed := make([]string, 0, len(routedSet))
	for model := range routedSet {
		routed = append(routed, model)
	}
	sort.Strings(routed)

	return &Allocator{
		cfg:           cfg,
		windowMs:      int64(cfg.WindowSeconds) * 1000,
		authDisableMs: authDisableMs,
		waitSliceMs:   waitSliceMs,
		nowMs:         nowMs,
		lanes:         make(map[laneKey]*laneState),
		keys:          make(map[string]*keyState),
		routedModels:  routed,
	}
}

// WindowMs returns the rolling window length in milliseconds.
func (a *Allocator) WindowMs() int64 { return a.windowMs }

// Config returns the allocator's immutable limits document.
func (a *Allocator) Config() *Config { return a.cfg }

// RouteModels returns the ordered model route for a task.
func (a *Allocator) RouteModels(task string) []string {
	route := a.cfg.Routes[strings.ToLower(strings.TrimSpace(task))]
	out := make([]string, len(route))
	copy(out, route)
	return out
}

// EnsureKeys registers pool keys so they appear in snapshots before first use.
func (a *Allocator) EnsureKeys(keyPool []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, key := range keyPool {
		if k := strings.TrimSpace(key); k != "" {
			a.keyState(k)
		}
	}
}

func (a *Allocator) laneState(key, modelID string) *laneState {
	lk := laneKey{key: key, model: modelID}
	state, ok := a.lanes[lk]
	if !ok {
		state = &laneState{windowStartedMs: a.nowMs()}
		a.lanes[lk] = state
	}
	return state
}

func (a *Allocator) keyState(key string) *keyState {
	state, ok := a.keys[key]
	if !ok {
		state = &keyState{}
		a.keys[key] = state
	}
	return state
}

// resetLaneIfWindowRolled zeroes a lane once its window has elapsed.
// Rollover is per-lane; different lanes roll over independently.
func (a *Allocator) resetLaneIfWindowRolled(lane *laneState, nowMs int64) {
	if lane.windowStartedMs <= 0 {
		lane.windowStartedMs = nowMs
		return
	}
	if nowMs-lane.windowStartedMs < a.windowMs {
		return
	}
	lane.windowStartedMs = nowMs
	lane.requests = 0
	lane.tokens = 0
	lane.inFlightRequests = 0
	lane.inFlightTokens = 0
	lane.tempBlockUntilMs = 0
}

// orderedKeyIndexes returns key candidates: preferred key first (when present
// and not blocked), then round-robin from the shared cursor.
func (a *Allocator) orderedKeyIndexes(keyPool []string, preferredKey string, blockedKeys map[string]bool) []int {
	size := len(keyPool)
	if size == 0 {
		return nil
	}
	seen := make(map[int]bool, size)
	ordered := make([]int, 0, size)
	preferred := strings.TrimSpace(preferredKey)
	if preferred != "" && !blockedKeys[preferred] {
		for i, key := range keyPool {
			if key == preferred {
				seen[i] = true
				ordered = append(ordered, i)
				break
			}
		}
	}
	start := a.nextKeyIndex % size
	for offset := 0; offset < size; offset++ {
		index := (start + offset) % size
		if seen[index] {
			continue
		}
		seen[index] = true
		ordered = append(ordered, index)
	}
	return ordered
}

// laneReadyWaitMs returns 0 when the lane can admit the request now, else the
// milliseconds until it could.
func (a *Allocator) laneReadyWaitMs(ks *keyState, lane *laneState, modelID string, requestedTokens int, nowMs int64) int64 {
	if ks.authDisabledUntilMs > nowMs {
		return max64(1, ks.authDisabledUntilMs-nowMs)
	}
	if lane.tempBlockUntilMs > nowMs {
		return max64(1, lane.tempBlockUntilMs-nowMs)
	}
	limit := a.cfg.Models[modelID]
	windowResetMs := max64(1, lane.windowStartedMs+a.windowMs-nowMs)
	if lane.requests+lane.inFlightRequests+1 > limit.RPM {
		return windowResetMs
	}
	if lane.tokens+lane.inFlightTokens+requestedTokens > limit.TPM {
		return windowResetMs
	}
	return 0
}

// AcquireForTask acquires a lane using the route for the task as the model
// candidate list, minus blocked models.
func (a *Allocator) AcquireForTask(ctx context.Context, task string, req AcquireRequest) AcquireResult {
	route := a.RouteModels(task)
	candidates := make([]string, 0, len(route))
	for _, model := range route {
		if !req.BlockedModels[model] {
			candidates = append(candidates, model)
		}
	}
	if len(candidates) == 0 {
		return AcquireResult{TimedOut: true}
	}
	return a.AcquireForModels(ctx, candidates, req)
}

// AcquireForModels acquires a lane from an explicit model candidate list.
// It never deadlocks: the total wait is bounded by the request timeout.
func (a *Allocator) AcquireForModels(ctx context.Context, modelCandidates []string, req AcquireRequest) AcquireResult {
	requestedTokens := req.RequestedTokens
	if requestedTokens < 1 {
		requestedTokens = 1
	}
	timeoutMs := req.WaitTimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = int64(a.cfg.DefaultWaitTimeoutMs)
	}
	if timeoutMs < 1000 {
		timeoutMs = 1000
	}
	blockedKeys := req.BlockedKeys
	if blockedKeys == nil {
		blockedKeys = map[string]bool{}
	}

	startedAtMs := a.nowMs()
	var waitedMs int64

	for {
		var nearestWaitMs int64 = -1

		a.mu.Lock()
		nowMs := a.nowMs()
		orderedKeys := a.orderedKeyIndexes(req.KeyPool, req.PreferredKey, blockedKeys)
		for modelIndex, modelID := range modelCandidates {
			if _, known := a.cfg.Models[modelID]; !known {
				continue
			}
			for _, keyIndex := range orderedKeys {
				key := strings.TrimSpace(req.KeyPool[keyIndex])
				if key == "" || blockedKeys[key] {
					continue
				}
				ks := a.keyState(key)
				lane := a.laneState(key, modelID)
				a.resetLaneIfWindowRolled(lane, nowMs)
				readyWaitMs := a.laneReadyWaitMs(ks, lane, modelID, requestedTokens, nowMs)
				if readyWaitMs > 0 {
					if nearestWaitMs < 0 || readyWaitMs < nearestWaitMs {
						nearestWaitMs = readyWaitMs
					}
					continue
				}

				lane.inFlightRequests++
				lane.inFlightTokens += requestedTokens
				ks.inFlightTotal++
				a.nextKeyIndex = (keyIndex + 1) % len(req.KeyPool)
				lease := &Lease{
					Key:            key,
					ModelID:        modelID,
					KeyIndex:       keyIndex,
					ModelIndex:     modelIndex,
					ReservedTokens: requestedTokens,
					ReservedAtMs:   nowMs,
				}
				a.mu.Unlock()
				acquisitionsTotal.WithLabelValues(modelID).Inc()
				return AcquireResult{Lease: lease, WaitedMs: waitedMs}
			}
		}
		a.mu.Unlock()

		elapsedMs := max64(0, a.nowMs()-startedAtMs)
		if elapsedMs >= timeoutMs {
			acquireTimeoutsTotal.Inc()
			return AcquireResult{WaitedMs: elapsedMs, RetryAfterMs: max64(0, nearestWaitMs), TimedOut: true}
		}

		remainingMs := max64(0, timeoutMs-elapsedMs)
		sleepMs := nearestWaitMs
		if sleepMs <= 0 {
			sleepMs = a.waitSliceMs
		}
		if sleepMs < 100 {
			sleepMs = 100
		}
		sleepMs = min64(sleepMs, a.waitSliceMs)
		sleepMs = min64(sleepMs, remainingMs)
		if sleepMs <= 0 {
			acquireTimeoutsTotal.Inc()
			return AcquireResult{WaitedMs: elapsedMs, RetryAfterMs: max64(0, nearestWaitMs), TimedOut: true}
		}

		select {
		case <-ctx.Done():
			return AcquireResult{WaitedMs: elapsedMs, RetryAfterMs: max64(0, nearestWaitMs), TimedOut: true}
		case <-time.After(time.Duration(sleepMs) * time.Millisecond):
		}
		waitedMs = max64(0, a.nowMs()-startedAtMs)
	}
}

// Release returns a lease to its lane and folds the outcome into the counters.
// Calling Release with a nil lease is a no-op.
func (a *Allocator) Release(lease *Lease, success bool, usedTokens int, errorKind string) {
	if lease == nil {
		return
	}
	nowMs := a.nowMs()
	safeUsedTokens := lease.ReservedTokens
	if usedTokens > safeUsedTokens {
		safeUsedTokens = usedTokens
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	ks := a.keyState(lease.Key)
	lane := a.laneState(lease.Key, lease.ModelID)
	a.resetLaneIfWindowRolled(lane, nowMs)

	lane.inFlightRequests = maxInt(0, lane.inFlightRequests-1)
	lane.inFlightTokens = maxInt(0, lane.inFlightTokens-lease.ReservedTokens)
	ks.inFlightTotal = maxInt(0, ks.inFlightTotal-1)

	lane.requests++
	lane.tokens += safeUsedTokens
	ks.requestsTotal++

	if success {
		lane.successTotal++
		ks.successTotal++
	} else {
		lane.failureTotal++
		ks.failureTotal++
	}

	switch strings.ToLower(strings.TrimSpace(errorKind)) {
	case ErrKindAuth:
		ks.authFailuresTotal++
		ks.authDisabledUntilMs = max64(ks.authDisabledUntilMs, nowMs+a.authDisableMs)
	case ErrKindRateLimit:
		lane.rateLimitedTotal++
		ks.rateLimitedTotal++
		lane.tempBlockUntilMs = max64(lane.tempBlockUntilMs, lane.windowStartedMs+a.windowMs)
	}
}

// MarkRateLimited blocks a lane until its window resets. Idempotent.
func (a *Allocator) MarkRateLimited(key, modelID string) {
	nowMs := a.nowMs()
	a.mu.Lock()
	defer a.mu.Unlock()
	lane := a.laneState(key, modelID)
	a.resetLaneIfWindowRolled(lane, nowMs)
	lane.rateLimitedTotal++
	lane.tempBlockUntilMs = max64(lane.tempBlockUntilMs, lane.windowStartedMs+a.windowMs)
	ks := a.keyState(key)
	ks.rateLimitedTotal++
}

// MarkAuthFailed disables a key for the auth-disable window. Idempotent.
func (a *Allocator) MarkAuthFailed(key string) {
	nowMs := a.nowMs()
	a.mu.Lock()
	defer a.mu.Unlock()
	ks := a.keyState(key)
	ks.authFailuresTotal++
	ks.authDisabledUntilMs = max64(ks.authDisabledUntilMs, nowMs+a.authDisableMs)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
