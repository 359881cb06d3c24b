// SPDX-License-Identifier: MIT

package tts

import (
	"strings"
	"sync"
	"time"
)

const defaultAffinityCap = 4096

type affinityEntry struct {
	key       string
	updatedMs int64
}

// Affinity remembers which API key last voiced each speaker so consecutive
// requests keep a consistent voice timbre. Entries beyond the cap are pruned
// oldest-first; keys that fail auth are evicted everywhere.
type Affinity struct {
	mu      sync.Mutex
	cap     int
	entries map[string]*affinityEntry
	nowMs   func() int64
}

// NewAffinity builds an affinity table. cap <= 0 uses the default cap.
func NewAffinity(cap int) *Affinity {
	if cap <= 0 {
		cap = defaultAffinityCap
	}
	return &Affinity{
		cap:     cap,
		entries: make(map[string]*affinityEntry),
		nowMs:   func() int64 { return time.Now().UnixMilli() },
	}
}

func normalizeSpeaker(speaker string) string {
	return strings.ToLower(strings.TrimSpace(speaker))
}

// Lookup returns the remembered key for a speaker, if any.
func (a *Affinity) Lookup(speaker string) (string, bool) {
	id := normalizeSpeaker(speaker)
	if id == "" {
		return "", false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.entries[id]
	if !ok {
		return "", false
	}
	return entry.key, true
}

// Bind records a successful speaker→key pairing.
func (a *Affinity) Bind(speaker, key string) {
	id := normalizeSpeaker(speaker)
	key = strings.TrimSpace(key)
	if id == "" || key == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.nowMs()
	if entry, ok := a.entries[id]; ok {
		entry.key = key
		entry.updatedMs = now
		return
	}
	if len(a.entries) >= a.cap {
		a.pruneOldestLocked()
	}
	a.entries[id] = &affinityEntry{key: key, updatedMs: now}
}

// EvictKey drops every speaker bound to the given key.
func (a *Affinity) EvictKey(key string) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, entry := range a.entries {
		if entry.key == key {
			delete(a.entries, id)
		}
	}
}

// Len returns the number of live bindings.
func (a *Affinity) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

func (a *Affinity) pruneOldestLocked() {
	oldestID := ""
	var oldestMs int64
	for id, entry := range a.entries {
		if oldestID == "" || entry.updatedMs < oldestMs {
			oldestID = id
			oldestMs = entry.updatedMs
		}
	}
	if oldestID != "" {
		delete(a.entries, oldestID)
	}
}
