// Package health aggregates per-provider outcome history into the
// /health status surface.
package health

import (
	"sync"
	"time"

	"github.com/quantpulse/cryptogate/internal/model"
	"github.com/quantpulse/cryptogate/internal/provider"
)

// Status levels for the gateway as a whole.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusDown     = "down"
)

// Windows for the status rules: a category is healthy if a provider
// succeeded within okWindow, and down if none succeeded within downWindow.
const (
	okWindow   = 5 * time.Minute
	downWindow = 15 * time.Minute
)

const windowSize = 50

// ProviderHealth is the per-provider block in the /health response.
type ProviderHealth struct {
	Breaker           string     `json:"breaker"`
	RecentSuccessRate float64    `json:"recent_success_rate"`
	LastOKAt          *time.Time `json:"last_ok_at,omitempty"`
}

// Snapshot is the /health response body.
type Snapshot struct {
	Status    string                    `json:"status"`
	Providers map[string]ProviderHealth `json:"providers"`
}

type record struct {
	lastOK   time.Time
	outcomes []bool // ring buffer of recent outcomes
	next     int
	filled   int
}

// Tracker accumulates outcome history. The dispatcher reports every
// chain attempt outcome here.
type Tracker struct {
	registry *provider.Registry
	start    time.Time

	mu      sync.Mutex
	records map[string]*record
}

// NewTracker creates a tracker over the loaded registry.
func NewTracker(reg *provider.Registry) *Tracker {
	return &Tracker{
		registry: reg,
		start:    time.Now(),
		records:  make(map[string]*record),
	}
}

// Record notes one attempt outcome for a provider.
func (t *Tracker) Record(providerID string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, exists := t.records[providerID]
	if !exists {
		rec = &record{outcomes: make([]bool, windowSize)}
		t.records[providerID] = rec
	}
	rec.outcomes[rec.next] = ok
	rec.next = (rec.next + 1) % windowSize
	if rec.filled < windowSize {
		rec.filled++
	}
	if ok {
		rec.lastOK = time.Now()
	}
}

// Snapshot computes the current health status. A freshly started gateway
// that has not yet dispatched anything reports ok: absence of traffic is
// not an outage.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	snap := Snapshot{
		Status:    StatusOK,
		Providers: make(map[string]ProviderHealth),
	}

	for _, p := range t.registry.All() {
		ph := ProviderHealth{Breaker: p.Breaker.State().String()}
		if rec, ok := t.records[p.Spec.ID]; ok {
			ph.RecentSuccessRate = rec.successRate()
			if !rec.lastOK.IsZero() {
				lastOK := rec.lastOK
				ph.LastOKAt = &lastOK
			}
		}
		snap.Providers[p.Spec.ID] = ph
	}

	for _, cat := range model.Categories {
		chain := t.registry.ChainFor(cat)
		if len(chain) == 0 {
			continue
		}
		catStatus := t.categoryStatusLocked(chain, now)
		switch catStatus {
		case StatusDown:
			snap.Status = StatusDown
		case StatusDegraded:
			if snap.Status == StatusOK {
				snap.Status = StatusDegraded
			}
		}
	}
	return snap
}

func (t *Tracker) categoryStatusLocked(chain []*provider.Provider, now time.Time) string {
	sawTraffic := false
	anyRecentOK := false
	anyOKInDownWindow := false

	for _, p := range chain {
		rec, ok := t.records[p.Spec.ID]
		if !ok {
			continue
		}
		sawTraffic = true
		if rec.lastOK.IsZero() {
			continue
		}
		age := now.Sub(rec.lastOK)
		if age < downWindow {
			anyOKInDownWindow = true
		}
		if age < okWindow && p.Breaker.State() == provider.BreakerClosed {
			anyRecentOK = true
		}
	}

	if !sawTraffic {
		return StatusOK
	}
	if anyRecentOK {
		return StatusOK
	}
	if !anyOKInDownWindow && now.Sub(t.start) > downWindow {
		return StatusDown
	}
	return StatusDegraded
}

func (r *record) successRate() float64 {
	if r.filled == 0 {
		return 0
	}
	okCount := 0
	for i := 0; i < r.filled; i++ {
		if r.outcomes[i] {
			okCount++
		}
	}
	return float64(okCount) / float64(r.filled)
}
