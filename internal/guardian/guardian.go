// SPDX-License-Identifier: MIT

// Package guardian is the gateway's self-protection layer: it sheds load
// before the process falls over, watches per-route error patterns, and
// proposes (or auto-executes) remediation actions.
package guardian

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/voiceflow/internal/log"
)

// Operating modes.
const (
	ModeEnforce = "enforce"
	ModeObserve = "observe"
	ModeManual  = "manual"
)

// Throttle reasons reported on denied requests.
const (
	ReasonMaintenance = "maintenance_mode"
	ReasonHardLimit   = "hard_concurrency_limit"
	ReasonSoftShed    = "soft_shedding"
)

const (
	defaultSoftLimit     = 24
	minHardLimit         = 32
	hardOverSoft         = 8
	maintenanceRetryMs   = 15_000
	hardLimitRetryMs     = 2_000
	minShedRetryMs       = 500
	recentStatusCap      = 80
	recentErrorsCap      = 120
	burstMinRecent       = 8
	burstTail            = 20
	burstMinServerErrors = 4
	burstMinErrorRate    = 0.40
	burstShedDurationMs  = 30_000
	pressureShedMs       = 30_000
	autofixCooldownMs    = 180_000
	minShedDurationMs    = 5_000
	maxShedDurationMs    = 300_000
	approvalsCap         = 80
	historyCap           = 50
)

// exemptPaths always pass admission so operators can observe and recover a
// wedged gateway. Guardian subpaths (approval decisions, action invocations)
// are matched by prefix.
var exemptPaths = map[string]bool{
	"/health":         true,
	"/system/version": true,
}

const guardianPathPrefix = "/ops/guardian/"

// Decision is the admission verdict for one request.
type Decision struct {
	Allowed      bool   `json:"allowed"`
	Reason       string `json:"reason,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

var allow = Decision{Allowed: true}

type routeStats struct {
	recent       []int // ring of recent statuses, newest last
	requests     int64
	success      int64
	clientErrors int64
	serverErrors int64
	rejected     int64
	latencySumMs int64
	completed    int64
	inFlight     int
	lastError    string
}

// RecentError is one entry of the rolling error feed.
type RecentError struct {
	AtMs   int64  `json:"atMs"`
	Route  string `json:"route"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// PoolHealth is the allocator's pool summary as the guardian sees it.
type PoolHealth struct {
	TotalKeys   int
	HealthyKeys int
	AtLimitKeys int
}

// Config sets the guardian's initial state. RuntimeStates and PoolHealth feed
// the detection rules; a nil provider disables the rules that need it.
type Config struct {
	Mode          string
	SoftLimit     int
	Maintenance   bool
	AdminUIDs     []string
	AdminToken    string
	RuntimeStates func() map[string]string
	PoolHealth    func() PoolHealth
	NowMs         func() int64
}

// Guardian tracks in-flight load and per-route health under one mutex.
type Guardian struct {
	mu           sync.Mutex
	mode         string
	maintenance  bool
	softLimit    int
	hardLimit    int
	inFlight     int
	shedUntilMs  int64
	routes       map[string]*routeStats
	recentErrors []RecentError
	approvals    []*Approval
	history      []ActionRecord
	cooldowns    map[string]int64

	adminUIDs     map[string]bool
	adminToken    string
	executor      Executor
	runtimeStates func() map[string]string
	poolHealth    func() PoolHealth
	nowMs         func() int64
	logger        zerolog.Logger
}

// New builds a guardian. A nil executor leaves remediation actions that need
// one (runtime restarts, pool refresh) unexecutable.
func New(cfg Config, executor Executor) *Guardian {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = ModeEnforce
	}
	soft := cfg.SoftLimit
	if soft <= 0 {
		soft = defaultSoftLimit
	}
	hard := soft + hardOverSoft
	if hard < minHardLimit {
		hard = minHardLimit
	}
	nowMs := cfg.NowMs
	if nowMs == nil {
		nowMs = func() int64 { return time.Now().UnixMilli() }
	}
	admins := make(map[string]bool, len(cfg.AdminUIDs))
	for _, uid := range cfg.AdminUIDs {
		if id := strings.TrimSpace(uid); id != "" {
			admins[id] = true
		}
	}
	return &Guardian{
		mode:          mode,
		maintenance:   cfg.Maintenance,
		softLimit:     soft,
		hardLimit:     hard,
		routes:        make(map[string]*routeStats),
		cooldowns:     make(map[string]int64),
		adminUIDs:     admins,
		adminToken:    cfg.AdminToken,
		executor:      executor,
		runtimeStates: cfg.RuntimeStates,
		poolHealth:    cfg.PoolHealth,
		nowMs:         nowMs,
		logger:        log.WithComponent("guardian"),
	}
}

// IsExempt reports whether a path bypasses admission entirely.
func IsExempt(path string) bool {
	return exemptPaths[path] || strings.HasPrefix(path, guardianPathPrefix)
}

// Admit decides whether a request may proceed and, when it does, marks it in
// flight in the same critical section so concurrent admissions cannot slip
// past the hard ceiling. Order matters: maintenance wins over everything, a
// non-enforcing guardian never throttles, the hard concurrency ceiling wins
// over soft shedding. Every admitted request must be paired with End.
func (g *Guardian) Admit(path string) Decision {
	if IsExempt(path) {
		return allow
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.maintenance {
		return Decision{Reason: ReasonMaintenance, RetryAfterMs: maintenanceRetryMs}
	}
	if g.mode == ModeEnforce {
		if g.inFlight >= g.hardLimit {
			return Decision{Reason: ReasonHardLimit, RetryAfterMs: hardLimitRetryMs}
		}
		now := g.nowMs()
		if g.shedUntilMs > now && g.inFlight >= g.softLimit {
			retry := g.shedUntilMs - now
			if retry < minShedRetryMs {
				retry = minShedRetryMs
			}
			return Decision{Reason: ReasonSoftShed, RetryAfterMs: retry}
		}
	}
	g.inFlight++
	g.statsLocked(path).inFlight++
	return allow
}

func (g *Guardian) statsLocked(route string) *routeStats {
	stats, ok := g.routes[route]
	if !ok {
		stats = &routeStats{}
		g.routes[route] = stats
	}
	return stats
}

func (g *Guardian) appendRecentErrorLocked(route string, status int, detail string) {
	g.recentErrors = append(g.recentErrors, RecentError{
		AtMs:   g.nowMs(),
		Route:  route,
		Status: status,
		Detail: detail,
	})
	if len(g.recentErrors) > recentErrorsCap {
		g.recentErrors = g.recentErrors[len(g.recentErrors)-recentErrorsCap:]
	}
}

// End marks an admitted request finished and folds its status and latency
// into the route stats.
func (g *Guardian) End(route string, status int, elapsedMs int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight > 0 {
		g.inFlight--
	}
	stats := g.statsLocked(route)
	if stats.inFlight > 0 {
		stats.inFlight--
	}
	stats.requests++
	stats.completed++
	if elapsedMs > 0 {
		stats.latencySumMs += elapsedMs
	}
	switch {
	case status >= 500:
		stats.serverErrors++
		stats.lastError = fmt.Sprintf("HTTP %d", status)
		g.appendRecentErrorLocked(route, status, stats.lastError)
	case status >= 400:
		stats.clientErrors++
	default:
		stats.success++
	}
	stats.recent = append(stats.recent, status)
	if len(stats.recent) > recentStatusCap {
		stats.recent = stats.recent[len(stats.recent)-recentStatusCap:]
	}
}

// Reject folds a shed response into the route stats without touching the
// in-flight gauge; rejected requests were never admitted.
func (g *Guardian) Reject(route string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	stats := g.statsLocked(route)
	stats.rejected++
	stats.recent = append(stats.recent, http.StatusServiceUnavailable)
	if len(stats.recent) > recentStatusCap {
		stats.recent = stats.recent[len(stats.recent)-recentStatusCap:]
	}
	g.appendRecentErrorLocked(route, http.StatusServiceUnavailable, "admission rejected")
}

// InFlight returns the current in-flight request count.
func (g *Guardian) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}

// SetMaintenance flips maintenance mode.
func (g *Guardian) SetMaintenance(enabled bool) {
	g.mu.Lock()
	g.maintenance = enabled
	g.mu.Unlock()
	g.logger.Info().Str("event", "guardian.maintenance").Bool("enabled", enabled).Msg("maintenance mode changed")
}

// SetMode switches the operating mode.
func (g *Guardian) SetMode(mode string) {
	normalized := strings.ToLower(strings.TrimSpace(mode))
	if normalized != ModeEnforce && normalized != ModeObserve && normalized != ModeManual {
		return
	}
	g.mu.Lock()
	g.mode = normalized
	g.mu.Unlock()
}

// enableSoftShedding arms soft shedding for a bounded duration.
func (g *Guardian) enableSoftShedding(durationMs int64) int64 {
	if durationMs < minShedDurationMs {
		durationMs = minShedDurationMs
	}
	if durationMs > maxShedDurationMs {
		durationMs = maxShedDurationMs
	}
	g.mu.Lock()
	until := g.nowMs() + durationMs
	if until > g.shedUntilMs {
		g.shedUntilMs = until
	}
	g.mu.Unlock()
	return durationMs
}

// IsAdmin checks the uid allowlist and the exact ops token.
func (g *Guardian) IsAdmin(uid, token string) bool {
	return g.adminUIDs[strings.TrimSpace(uid)] && g.adminToken != "" && token == g.adminToken
}

// RouteStatus is one route's health summary.
type RouteStatus struct {
	Route        string  `json:"route"`
	Requests     int64   `json:"requests"`
	Success      int64   `json:"success"`
	ClientErrors int64   `json:"clientErrors"`
	ServerErrors int64   `json:"serverErrors"`
	Rejected     int64   `json:"rejected"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
	InFlight     int     `json:"inFlight"`
	LastError    string  `json:"lastError,omitempty"`
	RecentCount  int     `json:"recentCount"`
	RecentRate   float64 `json:"recentErrorRate"`
}

// Status is the /ops/guardian/status payload.
type Status struct {
	Mode             string         `json:"mode"`
	Maintenance      bool           `json:"maintenance"`
	InFlight         int            `json:"inFlight"`
	SoftLimit        int            `json:"softLimit"`
	HardLimit        int            `json:"hardLimit"`
	ShedActive       bool           `json:"shedActive"`
	ShedRemainingMs  int64          `json:"shedRemainingMs"`
	Routes           []RouteStatus  `json:"routes"`
	RecentErrors     []RecentError  `json:"recentErrors"`
	PendingApprovals int            `json:"pendingApprovals"`
	History          []ActionRecord `json:"history"`
}

// Status reports the guardian's observable state.
func (g *Guardian) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.nowMs()

	routes := make([]RouteStatus, 0, len(g.routes))
	for route, stats := range g.routes {
		avg := 0.0
		if stats.completed > 0 {
			avg = float64(stats.latencySumMs) / float64(stats.completed)
		}
		routes = append(routes, RouteStatus{
			Route:        route,
			Requests:     stats.requests,
			Success:      stats.success,
			ClientErrors: stats.clientErrors,
			ServerErrors: stats.serverErrors,
			Rejected:     stats.rejected,
			AvgLatencyMs: avg,
			InFlight:     stats.inFlight,
			LastError:    stats.lastError,
			RecentCount:  len(stats.recent),
			RecentRate:   recentErrorRate(stats.recent),
		})
	}

	pending := 0
	for _, approval := range g.approvals {
		if approval.Status == ApprovalPending {
			pending++
		}
	}
	shedRemaining := g.shedUntilMs - now
	if shedRemaining < 0 {
		shedRemaining = 0
	}
	history := make([]ActionRecord, len(g.history))
	copy(history, g.history)
	recentErrors := make([]RecentError, len(g.recentErrors))
	copy(recentErrors, g.recentErrors)

	return Status{
		Mode:             g.mode,
		Maintenance:      g.maintenance,
		InFlight:         g.inFlight,
		SoftLimit:        g.softLimit,
		HardLimit:        g.hardLimit,
		ShedActive:       shedRemaining > 0,
		ShedRemainingMs:  shedRemaining,
		Routes:           routes,
		RecentErrors:     recentErrors,
		PendingApprovals: pending,
		History:          history,
	}
}

func recentErrorRate(recent []int) float64 {
	tail := recent
	if len(tail) > burstTail {
		tail = tail[len(tail)-burstTail:]
	}
	if len(tail) == 0 {
		return 0
	}
	errors := 0
	for _, status := range tail {
		if status >= 500 {
			errors++
		}
	}
	return float64(errors) / float64(len(tail))
}
