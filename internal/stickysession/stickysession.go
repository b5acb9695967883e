// Package stickysession maps (client IP, service ID) pairs onto a chosen
// instance ID for the lifetime of a TTL, so stateful services route a
// client back to the same backend across requests.
package stickysession

import (
	"sync"
	"time"
)

// DefaultTTL and DefaultCleanupInterval are the spec's defaults (§4.2).
const (
	DefaultTTL             = 300 * time.Second
	DefaultCleanupInterval = 60 * time.Second
)

type key struct {
	clientIP  string
	serviceID string
}

type entry struct {
	instanceID string
	touchedAt  time.Time
}

// Manager owns the sticky-session map exclusively; no other component may
// read or write it directly. All operations are safe for concurrent use.
type Manager struct {
	ttl             time.Duration
	cleanupInterval time.Duration

	mu          sync.Mutex
	sessions    map[key]entry
	lastCleanup time.Time

	now func() time.Time
}

// New builds a Manager with the given TTL and cleanup interval. A zero
// value for either falls back to the spec defaults.
func New(ttl, cleanupInterval time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	return &Manager{
		ttl:             ttl,
		cleanupInterval: cleanupInterval,
		sessions:        make(map[key]entry),
		lastCleanup:     time.Now(),
		now:             time.Now,
	}
}

// Lookup returns the sticky instance id for (clientIP, serviceID) if one
// exists and is within TTL, refreshing its timestamp on a hit. A stale or
// absent entry returns ("", false); a stale entry is dropped as a side
// effect.
func (m *Manager) Lookup(clientIP, serviceID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweepLocked()

	k := key{clientIP, serviceID}
	e, ok := m.sessions[k]
	if !ok {
		return "", false
	}
	if m.now().Sub(e.touchedAt) >= m.ttl {
		delete(m.sessions, k)
		return "", false
	}
	e.touchedAt = m.now()
	m.sessions[k] = e
	return e.instanceID, true
}

// Remember writes (instanceID, now) for (clientIP, serviceID), overwriting
// any prior mapping.
func (m *Manager) Remember(clientIP, serviceID, instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[key{clientIP, serviceID}] = entry{instanceID: instanceID, touchedAt: m.now()}
	m.sweepLocked()
}

// Forget removes the mapping for (clientIP, serviceID), if present.
func (m *Manager) Forget(clientIP, serviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, key{clientIP, serviceID})
}

// sweepLocked deletes every expired entry, but at most once per
// cleanupInterval — it is triggered opportunistically from Lookup and
// Remember rather than a dedicated ticker (spec §4.2, §9).
// Callers must hold m.mu.
func (m *Manager) sweepLocked() {
	now := m.now()
	if now.Sub(m.lastCleanup) < m.cleanupInterval {
		return
	}
	for k, e := range m.sessions {
		if now.Sub(e.touchedAt) >= m.ttl {
			delete(m.sessions, k)
		}
	}
	m.lastCleanup = now
}
