// Package reconcile implements the consumer-side contract that protects
// just-made optimistic edits from being clobbered by a slightly stale
// reconciliation snapshot.
package reconcile

import (
	"reflect"
	"sync"
	"time"

	"github.com/ironquill/battlemap/internal/maps"
)

// DefaultWindow is how long a locally originated token mutation is protected
// from a differing snapshot value.
const DefaultWindow = 10 * time.Second

// TrackerConfig configures the dirty-window tracker.
type TrackerConfig struct {
	Window time.Duration
	Clock  func() time.Time
}

// Tracker records which tokens carry unconfirmed local edits. A snapshot
// value that differs from the local optimistic value is skipped for a token
// still inside its dirty window; once the window elapses the next snapshot
// is authoritative and fully replaces local state, self-healing any
// divergence from a dropped relay message.
type Tracker struct {
	window time.Duration
	clock  func() time.Time

	mu    sync.Mutex
	marks map[string]time.Time
}

// NewTracker constructs a tracker with the configured window.
func NewTracker(cfg TrackerConfig) *Tracker {
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{
		window: window,
		clock:  clock,
		marks:  make(map[string]time.Time),
	}
}

// MarkDirty records a locally originated mutation of the token.
func (t *Tracker) MarkDirty(tokenID string) {
	if tokenID == "" {
		return
	}
	t.mu.Lock()
	t.marks[tokenID] = t.clock()
	t.mu.Unlock()
}

// IsDirty reports whether the token is still inside its dirty window.
// Expired marks are dropped as a side effect.
func (t *Tracker) IsDirty(tokenID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	markedAt, marked := t.marks[tokenID]
	if !marked {
		return false
	}
	if t.clock().Sub(markedAt) >= t.window {
		delete(t.marks, tokenID)
		return false
	}
	return true
}

// Apply merges a reconciliation snapshot into the local token state. The
// returned map is the new local state: snapshot values everywhere, except
// tokens inside their dirty window whose local value differs from the
// incoming one, which keep the local value for this round.
func (t *Tracker) Apply(local map[string]maps.TokenView, snapshot []maps.TokenView) map[string]maps.TokenView {
	merged := make(map[string]maps.TokenView, len(snapshot))
	for _, token := range snapshot {
		merged[token.TokenID] = token
	}
	for tokenID, localToken := range local {
		if !t.IsDirty(tokenID) {
			continue
		}
		incoming, present := merged[tokenID]
		if !present || !reflect.DeepEqual(incoming, localToken) {
			merged[tokenID] = localToken
		}
	}
	return merged
}
