package supervisor

import (
	"sync"
	"time"

	"github.com/xiaoyuanzhu-com/agent-hub/events"
	"github.com/xiaoyuanzhu-com/agent-hub/log"
)

// OwnershipFunc reports whether a live process currently owns a session.
type OwnershipFunc func(sessionID string) bool

// ExternalSessionTracker attributes on-disk session log writes to agent
// instances outside this hub. A session is external while recent activity
// exists, no process of ours owns it, and no post-abort grace window is
// suppressing it. Clock skew is tolerated by clamping negative deltas.
type ExternalSessionTracker struct {
	bus   *events.Bus
	owns  OwnershipFunc
	decay time.Duration
	grace time.Duration

	// now is swappable for tests
	now func() time.Time

	mu            sync.Mutex
	lastExternal  map[string]time.Time
	lastProject   map[string]string
	suppressUntil map[string]time.Time
	decayTimers   map[string]*time.Timer
	sub           *events.Subscription
	closed        bool
}

// NewExternalSessionTracker creates a tracker and subscribes it to
// file-activity and session-aborted events on the bus.
func NewExternalSessionTracker(bus *events.Bus, owns OwnershipFunc, decay, grace time.Duration) *ExternalSessionTracker {
	t := &ExternalSessionTracker{
		bus:           bus,
		owns:          owns,
		decay:         decay,
		grace:         grace,
		now:           time.Now,
		lastExternal:  make(map[string]time.Time),
		lastProject:   make(map[string]string),
		suppressUntil: make(map[string]time.Time),
		decayTimers:   make(map[string]*time.Timer),
	}
	t.sub = bus.Subscribe(t.onEvent)
	return t
}

// Close unsubscribes and stops pending decay timers.
func (t *ExternalSessionTracker) Close() {
	t.sub.Close()
	t.mu.Lock()
	t.closed = true
	for _, timer := range t.decayTimers {
		timer.Stop()
	}
	t.decayTimers = make(map[string]*time.Timer)
	t.mu.Unlock()
}

func (t *ExternalSessionTracker) onEvent(e events.Event) {
	switch evt := e.(type) {
	case *events.FileActivity:
		t.handleActivity(evt.SessionID, evt.ProjectID)
	case *events.SessionAborted:
		t.suppress(evt.SessionID)
	}
}

// handleActivity classifies one log write.
func (t *ExternalSessionTracker) handleActivity(sessionID, projectID string) {
	if t.owns != nil && t.owns(sessionID) {
		return
	}
	now := t.now()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if until, ok := t.suppressUntil[sessionID]; ok {
		if now.Before(until) {
			t.mu.Unlock()
			return
		}
		delete(t.suppressUntil, sessionID)
	}

	wasExternal := t.isExternalLocked(sessionID, now)
	t.lastExternal[sessionID] = now
	t.lastProject[sessionID] = projectID
	t.armDecayTimerLocked(sessionID)
	t.mu.Unlock()

	if !wasExternal {
		log.Debug().Str("sessionId", sessionID).Msg("session classified external")
		t.bus.Publish(&events.SessionStatusChanged{
			SessionID: sessionID,
			ProjectID: projectID,
			Ownership: events.ExternalOwnership(),
		})
	}
}

// suppress arms the post-abort grace window for a session, installed before
// the abort so the termination writes that follow do not re-classify it.
func (t *ExternalSessionTracker) suppress(sessionID string) {
	t.mu.Lock()
	t.suppressUntil[sessionID] = t.now().Add(t.grace)
	delete(t.lastExternal, sessionID)
	if timer, ok := t.decayTimers[sessionID]; ok {
		timer.Stop()
		delete(t.decayTimers, sessionID)
	}
	t.mu.Unlock()
}

// IsExternal reports whether the session is currently classified external.
func (t *ExternalSessionTracker) IsExternal(sessionID string) bool {
	if t.owns != nil && t.owns(sessionID) {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isExternalLocked(sessionID, t.now())
}

func (t *ExternalSessionTracker) isExternalLocked(sessionID string, now time.Time) bool {
	last, ok := t.lastExternal[sessionID]
	if !ok {
		return false
	}
	age := now.Sub(last)
	if age < 0 {
		age = 0
	}
	return age < t.decay
}

// armDecayTimerLocked schedules the external-to-none edge for when the
// decay window runs out, extending any previous schedule.
func (t *ExternalSessionTracker) armDecayTimerLocked(sessionID string) {
	if timer, ok := t.decayTimers[sessionID]; ok {
		timer.Stop()
	}
	t.decayTimers[sessionID] = time.AfterFunc(t.decay, func() { t.decayFired(sessionID) })
}

func (t *ExternalSessionTracker) decayFired(sessionID string) {
	now := t.now()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if t.isExternalLocked(sessionID, now) {
		// Extended by a later write; its timer will fire again.
		t.mu.Unlock()
		return
	}
	delete(t.lastExternal, sessionID)
	delete(t.decayTimers, sessionID)
	projectID := t.lastProject[sessionID]
	delete(t.lastProject, sessionID)
	t.mu.Unlock()

	t.bus.Publish(&events.SessionStatusChanged{
		SessionID: sessionID,
		ProjectID: projectID,
		Ownership: events.NoOwnership(),
	})
}
