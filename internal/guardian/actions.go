// SPDX-License-Identifier: MIT

package guardian

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Remediation actions.
const (
	ActionRestartRuntime     = "restart_runtime"
	ActionRefreshKeyPool     = "refresh_gemini_pool"
	ActionEnableSoftShedding = "enable_soft_shedding"
	ActionRestartAllRuntimes = "restart_all_runtimes"
	ActionSetMaintenanceMode = "set_maintenance_mode"
)

// Severities. Minor actions execute immediately; major actions wait in the
// approval queue unless the caller is an admin.
const (
	SeverityMinor = "minor"
	SeverityMajor = "major"
)

var actionSeverity = map[string]string{
	ActionRestartRuntime:     SeverityMinor,
	ActionRefreshKeyPool:     SeverityMinor,
	ActionEnableSoftShedding: SeverityMinor,
	ActionRestartAllRuntimes: SeverityMajor,
	ActionSetMaintenanceMode: SeverityMajor,
}

// Executor performs the remediation actions that reach outside the guardian.
type Executor interface {
	RestartRuntime(ctx context.Context, engine string) error
	RestartAllRuntimes(ctx context.Context) error
	RefreshKeyPool(ctx context.Context) (int, error)
}

// Finding is one detected anomaly.
type Finding struct {
	Rule    string  `json:"rule"`
	Route   string  `json:"route,omitempty"`
	Detail  string  `json:"detail"`
	Rate    float64 `json:"rate,omitempty"`
	Samples int     `json:"samples,omitempty"`
}

// Proposal pairs a finding with the action that should address it. An empty
// action means the finding is surfaced for operators but nothing can be
// executed automatically.
type Proposal struct {
	Finding  Finding        `json:"finding"`
	Action   string         `json:"action,omitempty"`
	Severity string         `json:"severity"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// ActionRecord is one executed (or skipped) action in the history ring.
type ActionRecord struct {
	Action   string `json:"action"`
	Severity string `json:"severity"`
	Outcome  string `json:"outcome"`
	Detail   string `json:"detail,omitempty"`
	AtMs     int64  `json:"atMs"`
}

// Approval statuses. A decided-and-run approval lands on executed or failed
// depending on the execution outcome.
const (
	ApprovalPending  = "pending"
	ApprovalExecuted = "executed"
	ApprovalRejected = "rejected"
	ApprovalFailed   = "failed"
)

// Approval is a queued major action awaiting an admin verdict.
type Approval struct {
	ID          string         `json:"id"`
	Action      string         `json:"action"`
	Payload     map[string]any `json:"payload,omitempty"`
	Reason      string         `json:"reason"`
	Severity    string         `json:"severity"`
	Status      string         `json:"status"`
	RequestedBy string         `json:"requestedBy,omitempty"`
	CreatedMs   int64          `json:"createdMs"`
	DecidedMs   int64          `json:"decidedMs,omitempty"`
	DecidedBy   string         `json:"decidedBy,omitempty"`
}

// cooldownKey fingerprints an action plus its payload so repeated identical
// autofixes are suppressed while distinct payloads are not.
func cooldownKey(action string, payload map[string]any) string {
	raw, _ := json.Marshal(payload)
	sum := sha256.Sum256(raw)
	return action + ":" + hex.EncodeToString(sum[:])[:12]
}

const runtimeStateFailed = "failed"

// Scan evaluates the detection rules and returns the proposals. It does not
// execute anything. Rule order: runtime liveness, concurrency pressure,
// per-route error bursts, key-pool capacity.
func (g *Guardian) Scan() []Proposal {
	var proposals []Proposal

	// provider snapshots are taken before the guardian lock; they acquire
	// their own module locks
	if g.runtimeStates != nil {
		var offline []string
		for engine, state := range g.runtimeStates() {
			if state == runtimeStateFailed {
				offline = append(offline, engine)
			}
		}
		sort.Strings(offline)
		switch {
		case len(offline) == 1:
			proposals = append(proposals, Proposal{
				Finding:  Finding{Rule: "runtime_offline", Detail: fmt.Sprintf("engine %s is offline", offline[0])},
				Action:   ActionRestartRuntime,
				Severity: SeverityMinor,
				Payload:  map[string]any{"engine": offline[0]},
			})
		case len(offline) > 1:
			proposals = append(proposals, Proposal{
				Finding:  Finding{Rule: "runtimes_offline", Detail: fmt.Sprintf("%d engines are offline", len(offline))},
				Action:   ActionRestartAllRuntimes,
				Severity: SeverityMajor,
			})
		}
	}

	var pool PoolHealth
	havePool := g.poolHealth != nil
	if havePool {
		pool = g.poolHealth()
	}

	g.mu.Lock()
	switch {
	case g.inFlight >= g.hardLimit:
		proposals = append(proposals, Proposal{
			Finding:  Finding{Rule: "hard_limit_saturated", Detail: fmt.Sprintf("%d requests in flight at hard limit %d", g.inFlight, g.hardLimit)},
			Action:   ActionSetMaintenanceMode,
			Severity: SeverityMajor,
			Payload:  map[string]any{"enabled": true},
		})
	case g.inFlight >= g.softLimit:
		proposals = append(proposals, Proposal{
			Finding:  Finding{Rule: "soft_limit_pressure", Detail: fmt.Sprintf("%d requests in flight at soft limit %d", g.inFlight, g.softLimit)},
			Action:   ActionEnableSoftShedding,
			Severity: SeverityMinor,
			Payload:  map[string]any{"durationMs": float64(pressureShedMs)},
		})
	}

	routeNames := make([]string, 0, len(g.routes))
	for route := range g.routes {
		routeNames = append(routeNames, route)
	}
	sort.Strings(routeNames)
	for _, route := range routeNames {
		stats := g.routes[route]
		if len(stats.recent) < burstMinRecent {
			continue
		}
		tail := stats.recent
		if len(tail) > burstTail {
			tail = tail[len(tail)-burstTail:]
		}
		serverErrors := 0
		for _, status := range tail {
			if status >= 500 {
				serverErrors++
			}
		}
		rate := float64(serverErrors) / float64(len(tail))
		if serverErrors < burstMinServerErrors || rate < burstMinErrorRate {
			continue
		}
		proposals = append(proposals, Proposal{
			Finding: Finding{
				Rule:    "error_burst",
				Route:   route,
				Detail:  fmt.Sprintf("%d of last %d responses were 5xx", serverErrors, len(tail)),
				Rate:    rate,
				Samples: len(tail),
			},
			Action:   ActionEnableSoftShedding,
			Severity: SeverityMinor,
			Payload:  map[string]any{"durationMs": float64(burstShedDurationMs)},
		})
	}
	g.mu.Unlock()

	if havePool && pool.TotalKeys > 0 {
		if pool.AtLimitKeys >= pool.TotalKeys {
			proposals = append(proposals, Proposal{
				Finding:  Finding{Rule: "key_pool_at_capacity", Detail: fmt.Sprintf("all %d keys are at their rate limits", pool.TotalKeys)},
				Action:   ActionRefreshKeyPool,
				Severity: SeverityMinor,
			})
		}
		if pool.HealthyKeys == 0 {
			proposals = append(proposals, Proposal{
				Finding:  Finding{Rule: "keys_unhealthy", Detail: fmt.Sprintf("none of the %d keys is healthy", pool.TotalKeys)},
				Severity: SeverityMajor,
			})
		}
	}
	return proposals
}

// Autofix runs a scan and executes what it may: minor proposals run
// immediately unless their cooldown is hot, major proposals are queued for
// approval. Proposals without an action are surfaced by Scan only.
func (g *Guardian) Autofix(ctx context.Context) ([]ActionRecord, []*Approval) {
	proposals := g.Scan()
	var records []ActionRecord
	var queued []*Approval
	for _, proposal := range proposals {
		if proposal.Action == "" {
			continue
		}
		if proposal.Severity == SeverityMajor {
			if approval := g.queueApproval(proposal, "guardian"); approval != nil {
				queued = append(queued, approval)
			}
			continue
		}
		records = append(records, g.executeMinor(ctx, proposal))
	}
	return records, queued
}

func (g *Guardian) executeMinor(ctx context.Context, proposal Proposal) ActionRecord {
	key := cooldownKey(proposal.Action, proposal.Payload)
	now := g.nowMs()

	g.mu.Lock()
	if until, hot := g.cooldowns[key]; hot && until > now {
		g.mu.Unlock()
		record := ActionRecord{
			Action:   proposal.Action,
			Severity: proposal.Severity,
			Outcome:  "skipped_cooldown",
			AtMs:     now,
		}
		g.appendHistory(record)
		return record
	}
	g.cooldowns[key] = now + autofixCooldownMs
	g.mu.Unlock()

	record := g.execute(ctx, proposal.Action, proposal.Payload)
	g.appendHistory(record)
	return record
}

// execute performs one action. Callers handle cooldown and approval policy.
func (g *Guardian) execute(ctx context.Context, action string, payload map[string]any) ActionRecord {
	record := ActionRecord{
		Action:   action,
		Severity: actionSeverity[action],
		Outcome:  "executed",
		AtMs:     g.nowMs(),
	}
	var err error
	switch action {
	case ActionEnableSoftShedding:
		durationMs := int64(payloadNumber(payload, "durationMs"))
		applied := g.enableSoftShedding(durationMs)
		record.Detail = fmt.Sprintf("shedding for %dms", applied)
	case ActionSetMaintenanceMode:
		enabled, _ := payload["enabled"].(bool)
		g.SetMaintenance(enabled)
		record.Detail = fmt.Sprintf("maintenance=%t", enabled)
	case ActionRestartRuntime:
		engine, _ := payload["engine"].(string)
		if g.executor == nil {
			err = fmt.Errorf("no executor configured")
		} else {
			err = g.executor.RestartRuntime(ctx, engine)
			record.Detail = "engine=" + engine
		}
	case ActionRestartAllRuntimes:
		if g.executor == nil {
			err = fmt.Errorf("no executor configured")
		} else {
			err = g.executor.RestartAllRuntimes(ctx)
		}
	case ActionRefreshKeyPool:
		if g.executor == nil {
			err = fmt.Errorf("no executor configured")
		} else {
			var size int
			size, err = g.executor.RefreshKeyPool(ctx)
			record.Detail = fmt.Sprintf("keys=%d", size)
		}
	default:
		err = fmt.Errorf("unknown action %s", action)
	}
	if err != nil {
		record.Outcome = "failed"
		record.Detail = err.Error()
	}
	g.logger.Info().
		Str("event", "guardian.action").
		Str("action", action).
		Str("outcome", record.Outcome).
		Str("detail", record.Detail).
		Msg("remediation action")
	return record
}

func payloadNumber(payload map[string]any, key string) float64 {
	value, _ := payload[key].(float64)
	return value
}

func (g *Guardian) appendHistory(record ActionRecord) {
	g.mu.Lock()
	g.history = append(g.history, record)
	if len(g.history) > historyCap {
		g.history = g.history[len(g.history)-historyCap:]
	}
	g.mu.Unlock()
}

// queueApproval adds a pending approval unless an identical one is already
// waiting. The queue is bounded; the oldest decided entries are dropped first.
func (g *Guardian) queueApproval(proposal Proposal, requestedBy string) *Approval {
	key := cooldownKey(proposal.Action, proposal.Payload)
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, existing := range g.approvals {
		if existing.Status == ApprovalPending && cooldownKey(existing.Action, existing.Payload) == key {
			return nil
		}
	}
	approval := &Approval{
		ID:          uuid.NewString(),
		Action:      proposal.Action,
		Payload:     proposal.Payload,
		Reason:      proposal.Finding.Detail,
		Severity:    SeverityMajor,
		Status:      ApprovalPending,
		RequestedBy: requestedBy,
		CreatedMs:   g.nowMs(),
	}
	g.approvals = append(g.approvals, approval)
	if len(g.approvals) > approvalsCap {
		g.approvals = trimApprovals(g.approvals)
	}
	return approval
}

// trimApprovals drops decided entries first, then the oldest.
func trimApprovals(approvals []*Approval) []*Approval {
	if len(approvals) <= approvalsCap {
		return approvals
	}
	kept := make([]*Approval, 0, approvalsCap)
	for _, approval := range approvals {
		if approval.Status == ApprovalPending {
			kept = append(kept, approval)
		}
	}
	if len(kept) > approvalsCap {
		kept = kept[len(kept)-approvalsCap:]
	}
	return kept
}

// Approvals returns a copy of the approval queue, optionally filtered by
// status.
func (g *Guardian) Approvals(status string) []Approval {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Approval, 0, len(g.approvals))
	for _, approval := range g.approvals {
		if status != "" && approval.Status != status {
			continue
		}
		out = append(out, *approval)
	}
	return out
}

// Invoke runs one remediation action on behalf of a caller. Minor actions
// execute immediately for anyone; major actions execute only when the caller
// is an admin, otherwise they are queued for approval. Exactly one of record
// and approval is non-nil on success.
func (g *Guardian) Invoke(ctx context.Context, action string, payload map[string]any, reason, requestedBy string, admin bool) (*ActionRecord, *Approval, error) {
	severity, known := actionSeverity[action]
	if !known {
		return nil, nil, fmt.Errorf("unknown action %s", action)
	}
	if severity == SeverityMajor && !admin {
		approval := g.queueApproval(Proposal{
			Finding: Finding{Detail: reason},
			Action:  action,
			Payload: payload,
		}, requestedBy)
		if approval == nil {
			return nil, nil, fmt.Errorf("an identical approval is already pending")
		}
		return nil, approval, nil
	}
	record := g.execute(ctx, action, payload)
	g.appendHistory(record)
	return &record, nil, nil
}

// Decide resolves a pending approval. Approving executes the action and moves
// the approval to executed or failed depending on the outcome.
func (g *Guardian) Decide(ctx context.Context, id, uid, token string, approve bool) (*ActionRecord, error) {
	if !g.IsAdmin(uid, token) {
		return nil, fmt.Errorf("admin credentials rejected")
	}

	g.mu.Lock()
	var target *Approval
	for _, approval := range g.approvals {
		if approval.ID == id {
			target = approval
			break
		}
	}
	if target == nil {
		g.mu.Unlock()
		return nil, fmt.Errorf("approval %s not found", id)
	}
	if target.Status != ApprovalPending {
		g.mu.Unlock()
		return nil, fmt.Errorf("approval %s already decided", id)
	}
	target.DecidedMs = g.nowMs()
	target.DecidedBy = uid
	if !approve {
		target.Status = ApprovalRejected
		g.mu.Unlock()
		return nil, nil
	}
	action := target.Action
	payload := target.Payload
	g.mu.Unlock()

	record := g.execute(ctx, action, payload)
	g.appendHistory(record)

	g.mu.Lock()
	if record.Outcome == "executed" {
		target.Status = ApprovalExecuted
	} else {
		target.Status = ApprovalFailed
	}
	g.mu.Unlock()
	return &record, nil
}
