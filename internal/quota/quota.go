// SPDX-License-Identifier: MIT

// Package quota enforces per-user voice credit budgets: a monthly VF
// (voice-frame) allowance priced per engine and a daily generation count.
// Reservations are debited up front and reverted when synthesis fails.
package quota

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Engine identifies a synthesis backend for pricing.
type Engine string

const (
	EngineGEM    Engine = "GEM"
	EngineKokoro Engine = "KOKORO"
)

// Engine rates in VF per character.
const (
	rateGEM    = 3
	rateKokoro = 1
)

// EngineRate returns the VF cost per character for an engine. Unknown
// engines price at the cheapest rate.
func EngineRate(engine Engine) int64 {
	if strings.EqualFold(string(engine), string(EngineGEM)) {
		return rateGEM
	}
	return rateKokoro
}

// Cost prices a synthesis request in VF.
func Cost(engine Engine, chars int) int64 {
	if chars < 0 {
		chars = 0
	}
	return EngineRate(engine) * int64(chars)
}

// Plan is one subscription tier's budget.
type Plan struct {
	Name             string `json:"name"`
	MonthlyVFLimit   int64  `json:"monthlyVfLimit"`
	DailyGenerations int    `json:"dailyGenerations"`
}

// Built-in plan names.
const (
	PlanFree = "free"
	PlanPro  = "pro"
	PlanPlus = "plus"
)

const defaultDailyGenerations = 30

// DefaultPlans returns the built-in tier table.
func DefaultPlans() map[string]Plan {
	return map[string]Plan{
		PlanFree: {Name: PlanFree, MonthlyVFLimit: 8_000, DailyGenerations: defaultDailyGenerations},
		PlanPro:  {Name: PlanPro, MonthlyVFLimit: 200_000, DailyGenerations: defaultDailyGenerations},
		PlanPlus: {Name: PlanPlus, MonthlyVFLimit: 500_000, DailyGenerations: defaultDailyGenerations},
	}
}

// Limit errors. The messages are part of the client contract and map to
// HTTP 429 at the gateway.
var (
	ErrMonthlyLimit = errors.New("Monthly VF limit exceeded.")
	ErrDailyLimit   = errors.New("Daily generation limit reached.")
)

// Event statuses.
const (
	StatusReserved  = "reserved"
	StatusCommitted = "committed"
	StatusReverted  = "reverted"
)

// Event is one reservation's audit record, keyed by uid and request id so
// retried requests stay idempotent.
type Event struct {
	UID          string `json:"uid"`
	RequestID    string `json:"requestId"`
	Status       string `json:"status"`
	Engine       Engine `json:"engine"`
	Chars        int    `json:"chars"`
	VFCost       int64  `json:"vfCost"`
	MonthKey     string `json:"monthKey"`
	DayKey       string `json:"dayKey"`
	BypassReason string `json:"bypassReason,omitempty"`
	CreatedMs    int64  `json:"createdMs"`
	UpdatedMs    int64  `json:"updatedMs"`
}

// EventID is the storage key for one reservation event.
func EventID(uid, requestID string) string {
	return fmt.Sprintf("%s_%s", uid, requestID)
}

// EngineUsage is one engine's share of a usage window.
type EngineUsage struct {
	Chars int64 `json:"chars"`
	VF    int64 `json:"vf"`
}

// Usage is one user's counters for a single window. Monthly windows use the
// YYYYMM period key, daily windows YYYYMMDD; each window lives in its own
// document, so a rollover simply starts a fresh document.
type Usage struct {
	Period          string                 `json:"period"`
	VFUsed          int64                  `json:"vfUsed"`
	GenerationCount int                    `json:"generationCount"`
	ByEngine        map[string]EngineUsage `json:"byEngine,omitempty"`
}

func (u *Usage) addEngine(engine Engine, chars int, vf int64) {
	if u.ByEngine == nil {
		u.ByEngine = make(map[string]EngineUsage, 2)
	}
	entry := u.ByEngine[string(engine)]
	entry.Chars += int64(chars)
	entry.VF += vf
	if entry.Chars < 0 {
		entry.Chars = 0
	}
	if entry.VF < 0 {
		entry.VF = 0
	}
	u.ByEngine[string(engine)] = entry
}

// Entitlement is the per-user plan document kept alongside the usage windows.
type Entitlement struct {
	Plan                 string `json:"plan"`
	MonthlyVFLimit       int64  `json:"monthlyVfLimit"`
	DailyGenerationLimit int    `json:"dailyGenerationLimit"`
	UpdatedMs            int64  `json:"updatedMs"`
}

// MonthKey returns the UTC month window key (YYYYMM).
func MonthKey(t time.Time) string {
	return t.UTC().Format("200601")
}

// DayKey returns the UTC day window key (YYYYMMDD).
func DayKey(t time.Time) string {
	return t.UTC().Format("20060102")
}
