// SPDX-License-Identifier: MIT

package quota

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/voiceflow/internal/log"
)

// Manager applies plan budgets on top of a Store. All window math runs in
// UTC. Every reservation touches its four documents (entitlement, monthly
// window, daily window, event) inside one store transaction, so the limit
// check and the debit cannot tear.
type Manager struct {
	store      Store
	plans      map[string]Plan
	bypassUIDs map[string]bool
	now        func() time.Time
	logger     zerolog.Logger
}

// ManagerOptions tune the manager.
type ManagerOptions struct {
	Plans      map[string]Plan
	BypassUIDs []string
	Now        func() time.Time
}

// NewManager builds a quota manager over the given store.
func NewManager(store Store, opts ManagerOptions) *Manager {
	plans := opts.Plans
	if len(plans) == 0 {
		plans = DefaultPlans()
	}
	bypass := make(map[string]bool, len(opts.BypassUIDs))
	for _, uid := range opts.BypassUIDs {
		if id := strings.TrimSpace(uid); id != "" {
			bypass[id] = true
		}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		store:      store,
		plans:      plans,
		bypassUIDs: bypass,
		now:        now,
		logger:     log.WithComponent("quota"),
	}
}

// PlanFor resolves a plan name, falling back to the free tier.
func (m *Manager) PlanFor(name string) Plan {
	if plan, ok := m.plans[strings.ToLower(strings.TrimSpace(name))]; ok {
		return plan
	}
	return m.plans[PlanFree]
}

// Reserve debits a synthesis request against the user's budgets. Calling it
// again with the same request id returns the existing reservation without a
// second debit.
func (m *Manager) Reserve(ctx context.Context, uid, requestID, planName string, engine Engine, chars int) (*Event, error) {
	now := m.now()
	monthKey := MonthKey(now)
	dayKey := DayKey(now)
	plan := m.PlanFor(planName)
	cost := Cost(engine, chars)

	var reserved *Event
	err := m.store.Transact(ctx, uid, requestID, monthKey, dayKey, func(tx *Tx) error {
		if tx.Event != nil && tx.Event.Status != StatusReverted {
			reserved = tx.Event
			return nil
		}

		bypassReason := ""
		if m.bypassUIDs[uid] {
			bypassReason = "admin_bypass"
		} else {
			if tx.Monthly.VFUsed+cost > plan.MonthlyVFLimit {
				return ErrMonthlyLimit
			}
			if tx.Daily.GenerationCount+1 > plan.DailyGenerations {
				return ErrDailyLimit
			}
		}

		monthly := tx.Monthly
		monthly.Period = monthKey
		monthly.VFUsed += cost
		monthly.GenerationCount++
		monthly.addEngine(engine, chars, cost)
		tx.SetMonthly(monthly)

		daily := tx.Daily
		daily.Period = dayKey
		daily.VFUsed += cost
		daily.GenerationCount++
		daily.addEngine(engine, chars, cost)
		tx.SetDaily(daily)

		tx.SetEntitlement(Entitlement{
			Plan:                 plan.Name,
			MonthlyVFLimit:       plan.MonthlyVFLimit,
			DailyGenerationLimit: plan.DailyGenerations,
			UpdatedMs:            now.UnixMilli(),
		})

		event := Event{
			UID:          uid,
			RequestID:    requestID,
			Status:       StatusReserved,
			Engine:       engine,
			Chars:        chars,
			VFCost:       cost,
			MonthKey:     monthKey,
			DayKey:       dayKey,
			BypassReason: bypassReason,
			CreatedMs:    now.UnixMilli(),
			UpdatedMs:    now.UnixMilli(),
		}
		tx.SetEvent(event)
		reserved = &event
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Debug().
		Str("event", "quota.reserved").
		Str("uid", uid).
		Str("request_id", requestID).
		Int64("vf_cost", cost).
		Bool("bypass", reserved.BypassReason != "").
		Msg("quota reserved")
	return reserved, nil
}

// Commit marks a reservation as spent. The debit already happened at reserve
// time, so this only finalizes the audit record.
func (m *Manager) Commit(ctx context.Context, uid, requestID string) error {
	return m.finalize(ctx, uid, requestID, StatusCommitted)
}

// Revert returns a failed reservation's debit to the windows it was taken
// from. Counters clamp at zero.
func (m *Manager) Revert(ctx context.Context, uid, requestID string) error {
	return m.finalize(ctx, uid, requestID, StatusReverted)
}

func (m *Manager) finalize(ctx context.Context, uid, requestID, status string) error {
	existing, err := m.store.GetEvent(ctx, uid, requestID)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("no reservation for request %s", requestID)
	}
	if existing.Status != StatusReserved {
		// already finalized; both commit and revert are idempotent
		return nil
	}

	now := m.now()
	// the transaction opens the reservation's own window documents, so a
	// revert after a rollover credits the original windows and leaves the
	// current ones untouched
	err = m.store.Transact(ctx, uid, requestID, existing.MonthKey, existing.DayKey, func(tx *Tx) error {
		if tx.Event == nil || tx.Event.Status != StatusReserved {
			return nil
		}
		event := *tx.Event

		if status == StatusReverted {
			monthly := tx.Monthly
			monthly.Period = event.MonthKey
			monthly.VFUsed -= event.VFCost
			if monthly.VFUsed < 0 {
				monthly.VFUsed = 0
			}
			monthly.GenerationCount--
			if monthly.GenerationCount < 0 {
				monthly.GenerationCount = 0
			}
			monthly.addEngine(event.Engine, -event.Chars, -event.VFCost)
			tx.SetMonthly(monthly)

			daily := tx.Daily
			daily.Period = event.DayKey
			daily.VFUsed -= event.VFCost
			if daily.VFUsed < 0 {
				daily.VFUsed = 0
			}
			daily.GenerationCount--
			if daily.GenerationCount < 0 {
				daily.GenerationCount = 0
			}
			daily.addEngine(event.Engine, -event.Chars, -event.VFCost)
			tx.SetDaily(daily)
		}

		event.Status = status
		event.UpdatedMs = now.UnixMilli()
		tx.SetEvent(event)
		return nil
	})
	if err != nil {
		return err
	}
	m.logger.Debug().
		Str("event", "quota."+status).
		Str("uid", uid).
		Str("request_id", requestID).
		Msg("quota finalized")
	return nil
}

// Entitlements is the /account/entitlements payload.
type Entitlements struct {
	Plan               string                 `json:"plan"`
	MonthlyVFLimit     int64                  `json:"monthlyVfLimit"`
	MonthlyVFUsed      int64                  `json:"monthlyVfUsed"`
	MonthlyVFRemaining int64                  `json:"monthlyVfRemaining"`
	DailyLimit         int                    `json:"dailyLimit"`
	DailyUsed          int                    `json:"dailyUsed"`
	DailyRemaining     int                    `json:"dailyRemaining"`
	ByEngine           map[string]EngineUsage `json:"byEngine,omitempty"`
	AdminBypass        bool                   `json:"adminBypass"`
}

// Entitlements reports a user's current budgets and consumption.
func (m *Manager) Entitlements(ctx context.Context, uid, planName string) (*Entitlements, error) {
	now := m.now()
	monthly, _, err := m.store.GetMonthly(ctx, uid, MonthKey(now))
	if err != nil {
		return nil, err
	}
	daily, _, err := m.store.GetDaily(ctx, uid, DayKey(now))
	if err != nil {
		return nil, err
	}
	plan := m.PlanFor(planName)

	monthlyRemaining := plan.MonthlyVFLimit - monthly.VFUsed
	if monthlyRemaining < 0 {
		monthlyRemaining = 0
	}
	dailyRemaining := plan.DailyGenerations - daily.GenerationCount
	if dailyRemaining < 0 {
		dailyRemaining = 0
	}
	return &Entitlements{
		Plan:               plan.Name,
		MonthlyVFLimit:     plan.MonthlyVFLimit,
		MonthlyVFUsed:      monthly.VFUsed,
		MonthlyVFRemaining: monthlyRemaining,
		DailyLimit:         plan.DailyGenerations,
		DailyUsed:          daily.GenerationCount,
		DailyRemaining:     dailyRemaining,
		ByEngine:           monthly.ByEngine,
		AdminBypass:        m.bypassUIDs[uid],
	}, nil
}
