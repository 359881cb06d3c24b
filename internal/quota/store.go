// SPDX-License-Identifier: MIT

package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
)

// Tx is one reservation transaction's working set: the user's entitlement
// document, the month and day usage windows, and the reservation event, all
// read and written atomically. Setters mark documents dirty; untouched
// documents are not rewritten.
type Tx struct {
	Entitlement *Entitlement
	Monthly     Usage
	Daily       Usage
	Event       *Event

	entitlementDirty bool
	monthlyDirty     bool
	dailyDirty       bool
	eventDirty       bool
}

func (tx *Tx) SetEntitlement(entitlement Entitlement) {
	tx.Entitlement = &entitlement
	tx.entitlementDirty = true
}

func (tx *Tx) SetMonthly(usage Usage) {
	tx.Monthly = usage
	tx.monthlyDirty = true
}

func (tx *Tx) SetDaily(usage Usage) {
	tx.Daily = usage
	tx.dailyDirty = true
}

func (tx *Tx) SetEvent(event Event) {
	tx.Event = &event
	tx.eventDirty = true
}

// Store persists entitlements, per-window usage counters, and reservation
// events. Transact runs all four documents of one reservation in a single
// atomic unit.
type Store interface {
	Transact(ctx context.Context, uid, requestID, monthKey, dayKey string, fn func(tx *Tx) error) error
	GetEntitlement(ctx context.Context, uid string) (*Entitlement, error)
	GetMonthly(ctx context.Context, uid, monthKey string) (Usage, bool, error)
	GetDaily(ctx context.Context, uid, dayKey string) (Usage, bool, error)
	GetEvent(ctx context.Context, uid, requestID string) (*Event, error)
	Close() error
}

func cloneUsage(usage Usage) Usage {
	if usage.ByEngine == nil {
		return usage
	}
	engines := make(map[string]EngineUsage, len(usage.ByEngine))
	for engine, entry := range usage.ByEngine {
		engines[engine] = entry
	}
	usage.ByEngine = engines
	return usage
}

// MemoryStore is the in-process store used by tests and single-node dev runs.
type MemoryStore struct {
	mu           sync.RWMutex
	entitlements map[string]Entitlement
	monthly      map[string]Usage
	daily        map[string]Usage
	events       map[string]Event
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entitlements: make(map[string]Entitlement),
		monthly:      make(map[string]Usage),
		daily:        make(map[string]Usage),
		events:       make(map[string]Event),
	}
}

func windowID(uid, period string) string { return uid + "_" + period }

func (s *MemoryStore) Transact(_ context.Context, uid, requestID, monthKey, dayKey string, fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Tx{
		Monthly: cloneUsage(s.monthly[windowID(uid, monthKey)]),
		Daily:   cloneUsage(s.daily[windowID(uid, dayKey)]),
	}
	if entitlement, ok := s.entitlements[uid]; ok {
		tx.Entitlement = &entitlement
	}
	if event, ok := s.events[EventID(uid, requestID)]; ok {
		tx.Event = &event
	}

	if err := fn(tx); err != nil {
		return err
	}

	if tx.entitlementDirty {
		s.entitlements[uid] = *tx.Entitlement
	}
	if tx.monthlyDirty {
		s.monthly[windowID(uid, monthKey)] = cloneUsage(tx.Monthly)
	}
	if tx.dailyDirty {
		s.daily[windowID(uid, dayKey)] = cloneUsage(tx.Daily)
	}
	if tx.eventDirty {
		s.events[EventID(uid, requestID)] = *tx.Event
	}
	return nil
}

func (s *MemoryStore) GetEntitlement(_ context.Context, uid string) (*Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entitlement, ok := s.entitlements[uid]
	if !ok {
		return nil, nil
	}
	return &entitlement, nil
}

func (s *MemoryStore) GetMonthly(_ context.Context, uid, monthKey string) (Usage, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	usage, ok := s.monthly[windowID(uid, monthKey)]
	return cloneUsage(usage), ok, nil
}

func (s *MemoryStore) GetDaily(_ context.Context, uid, dayKey string) (Usage, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	usage, ok := s.daily[windowID(uid, dayKey)]
	return cloneUsage(usage), ok, nil
}

func (s *MemoryStore) GetEvent(_ context.Context, uid, requestID string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	event, ok := s.events[EventID(uid, requestID)]
	if !ok {
		return nil, nil
	}
	return &event, nil
}

func (s *MemoryStore) Close() error { return nil }

// BadgerStore persists quota state in an embedded badger database.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) the quota database at dir.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open quota store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// NewBadgerStore wraps an already-open database.
func NewBadgerStore(db *badger.DB) *BadgerStore { return &BadgerStore{db: db} }

func entitlementKey(uid string) []byte { return []byte("quota/entitlements/" + uid) }

func monthlyKey(uid, monthKey string) []byte {
	return []byte("quota/usage_monthly/" + windowID(uid, monthKey))
}

func dailyKey(uid, dayKey string) []byte {
	return []byte("quota/usage_daily/" + windowID(uid, dayKey))
}

func eventKey(uid, requestID string) []byte {
	return []byte("quota/events/" + EventID(uid, requestID))
}

func readDoc(txn *badger.Txn, key []byte, out any) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func writeDoc(txn *badger.Txn, key []byte, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return txn.Set(key, raw)
}

const transactRetries = 3

// Transact runs the reservation documents through one badger transaction,
// retrying a bounded number of times when a concurrent commit conflicts.
func (s *BadgerStore) Transact(_ context.Context, uid, requestID, monthKey, dayKey string, fn func(tx *Tx) error) error {
	var err error
	for attempt := 0; attempt < transactRetries; attempt++ {
		err = s.db.Update(func(txn *badger.Txn) error {
			tx := &Tx{}
			var entitlement Entitlement
			if found, err := readDoc(txn, entitlementKey(uid), &entitlement); err != nil {
				return err
			} else if found {
				tx.Entitlement = &entitlement
			}
			if _, err := readDoc(txn, monthlyKey(uid, monthKey), &tx.Monthly); err != nil {
				return err
			}
			if _, err := readDoc(txn, dailyKey(uid, dayKey), &tx.Daily); err != nil {
				return err
			}
			var event Event
			if found, err := readDoc(txn, eventKey(uid, requestID), &event); err != nil {
				return err
			} else if found {
				tx.Event = &event
			}

			if err := fn(tx); err != nil {
				return err
			}

			if tx.entitlementDirty {
				if err := writeDoc(txn, entitlementKey(uid), tx.Entitlement); err != nil {
					return err
				}
			}
			if tx.monthlyDirty {
				if err := writeDoc(txn, monthlyKey(uid, monthKey), tx.Monthly); err != nil {
					return err
				}
			}
			if tx.dailyDirty {
				if err := writeDoc(txn, dailyKey(uid, dayKey), tx.Daily); err != nil {
					return err
				}
			}
			if tx.eventDirty {
				if err := writeDoc(txn, eventKey(uid, requestID), tx.Event); err != nil {
					return err
				}
			}
			return nil
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("quota transaction for %s: %w", EventID(uid, requestID), err)
}

func (s *BadgerStore) GetEntitlement(_ context.Context, uid string) (*Entitlement, error) {
	var entitlement *Entitlement
	err := s.db.View(func(txn *badger.Txn) error {
		var decoded Entitlement
		found, err := readDoc(txn, entitlementKey(uid), &decoded)
		if err != nil {
			return err
		}
		if found {
			entitlement = &decoded
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read entitlement %s: %w", uid, err)
	}
	return entitlement, nil
}

func (s *BadgerStore) getUsage(key []byte, label string) (Usage, bool, error) {
	var usage Usage
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = readDoc(txn, key, &usage)
		return err
	})
	if err != nil {
		return Usage{}, false, fmt.Errorf("read %s usage: %w", label, err)
	}
	return usage, found, nil
}

func (s *BadgerStore) GetMonthly(_ context.Context, uid, monthKey string) (Usage, bool, error) {
	return s.getUsage(monthlyKey(uid, monthKey), "monthly")
}

func (s *BadgerStore) GetDaily(_ context.Context, uid, dayKey string) (Usage, bool, error) {
	return s.getUsage(dailyKey(uid, dayKey), "daily")
}

func (s *BadgerStore) GetEvent(_ context.Context, uid, requestID string) (*Event, error) {
	var event *Event
	err := s.db.View(func(txn *badger.Txn) error {
		var decoded Event
		found, err := readDoc(txn, eventKey(uid, requestID), &decoded)
		if err != nil {
			return err
		}
		if found {
			event = &decoded
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read event %s: %w", EventID(uid, requestID), err)
	}
	return event, nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }
