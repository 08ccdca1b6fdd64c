// Package ratelimit tracks per-credential call usage against rolling quota
// windows. It is the only broadly shared mutable state in the system: every
// outbound call's response metadata funnels into RecordUsage, and routing reads
// consistent snapshots out.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"
)

// Config holds tracker thresholds and defaults.
type Config struct {
	// SoftThreshold is the usage ratio at which routing starts preferring
	// alternate credentials.
	SoftThreshold float64
	// HardThreshold is the usage ratio at which a credential is exhausted.
	HardThreshold float64
	// DefaultCallLimit is the optimistic quota assumed for a credential that
	// has not reported usage yet.
	DefaultCallLimit int
	Logger           *slog.Logger
}

type entry struct {
	credentialID string
	ownerUserID  string
	pool         bool
	active       bool
	used         int
	limit        int
	resetAt      time.Time
	observed     bool // whether any real usage metadata has arrived
}

// Snapshot is a point-in-time view of one credential's quota state.
type Snapshot struct {
	CredentialID string
	OwnerUserID  string
	Pool         bool
	Active       bool
	Used         int
	Limit        int
	ResetAt      time.Time
}

// Remaining returns the calls left in the current window.
func (s Snapshot) Remaining() int {
	if r := s.Limit - s.Used; r > 0 {
		return r
	}
	return 0
}

// Ratio returns the usage ratio for threshold checks.
func (s Snapshot) Ratio() float64 {
	if s.Limit <= 0 {
		return 1
	}
	return float64(s.Used) / float64(s.Limit)
}

// Tracker is the in-process credential pool ledger. All mutation goes through
// RecordUsage and Tick; concurrent callers see window-consistent state.
type Tracker struct {
	mu      sync.RWMutex
	creds   map[string]*entry
	cfg     Config
	nowFunc func() time.Time
}

// Seed is one credential registration for NewTracker.
type Seed struct {
	CredentialID string
	OwnerUserID  string
	Pool         bool
	Active       bool
}

// NewTracker creates a tracker seeded with the known credential records.
func NewTracker(cfg Config, records []Seed) *Tracker {
	if cfg.SoftThreshold <= 0 {
		cfg.SoftThreshold = 0.8
	}
	if cfg.HardThreshold <= 0 {
		cfg.HardThreshold = 0.95
	}
	if cfg.DefaultCallLimit <= 0 {
		cfg.DefaultCallLimit = 1000
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	t := &Tracker{
		creds:   make(map[string]*entry, len(records)),
		cfg:     cfg,
		nowFunc: time.Now,
	}
	for _, r := range records {
		t.creds[r.CredentialID] = &entry{
			credentialID: r.CredentialID,
			ownerUserID:  r.OwnerUserID,
			pool:         r.Pool,
			active:       r.Active,
			limit:        cfg.DefaultCallLimit,
		}
	}
	return t
}

// RecordUsage applies observed usage metadata for a credential. Semantics are
// last-observed-wins per window: once a newer window (later resetAt) has been
// seen, reports from older windows are ignored, so out-of-order response
// arrivals from retries cannot corrupt the accounting.
func (t *Tracker) RecordUsage(credentialID string, used, limit int, resetAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.creds[credentialID]
	if !ok {
		e = &entry{credentialID: credentialID, active: true}
		t.creds[credentialID] = e
	}

	if resetAt.Before(e.resetAt) {
		// Stale window; a newer one has already been observed.
		return
	}

	if resetAt.After(e.resetAt) {
		e.resetAt = resetAt
	}
	e.used = used
	if limit > 0 {
		e.limit = limit
	}
	e.observed = true
}

// Available returns the remaining calls for a credential. Untested credentials
// report the optimistic default so routing will try them.
func (t *Tracker) Available(credentialID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.creds[credentialID]
	if !ok {
		return t.cfg.DefaultCallLimit
	}
	if !e.observed {
		return e.limit
	}
	if r := e.limit - e.used; r > 0 {
		return r
	}
	return 0
}

// IsExhausted reports whether a credential's usage ratio has crossed the hard
// threshold.
func (t *Tracker) IsExhausted(credentialID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.creds[credentialID]
	if !ok || !e.observed {
		return false
	}
	return ratio(e) >= t.cfg.HardThreshold
}

// IsSaturated reports whether a credential's usage ratio has crossed the soft
// threshold, at which routing prefers a less-loaded alternate.
func (t *Tracker) IsSaturated(credentialID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.creds[credentialID]
	if !ok || !e.observed {
		return false
	}
	return ratio(e) >= t.cfg.SoftThreshold
}

// Tick resets counters whose window has elapsed, so idle credentials recover
// quota even with no traffic. Intended to run on a fixed interval.
func (t *Tracker) Tick() {
	now := t.nowFunc()

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range t.creds {
		if e.observed && !e.resetAt.IsZero() && !e.resetAt.After(now) {
			t.cfg.Logger.Debug("Rate-limit window elapsed, resetting counter",
				slog.String("credential_id", e.credentialID),
				slog.Int("used", e.used),
			)
			e.used = 0
			e.resetAt = time.Time{}
			e.observed = false
		}
	}
}

// SnapshotAll returns point-in-time snapshots of every active credential,
// for the routing decision.
func (t *Tracker) SnapshotAll() []Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Snapshot, 0, len(t.creds))
	for _, e := range t.creds {
		if !e.active {
			continue
		}
		out = append(out, Snapshot{
			CredentialID: e.credentialID,
			OwnerUserID:  e.ownerUserID,
			Pool:         e.pool,
			Active:       e.active,
			Used:         e.used,
			Limit:        e.limit,
			ResetAt:      e.resetAt,
		})
	}
	return out
}

func ratio(e *entry) float64 {
	if e.limit <= 0 {
		return 1
	}
	return float64(e.used) / float64(e.limit)
}
