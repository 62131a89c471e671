package supervisor

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xiaoyuanzhu-com/agent-hub/agent"
	"github.com/xiaoyuanzhu-com/agent-hub/events"
)

// RequestKind distinguishes queued admission requests
type RequestKind string

const (
	RequestNewSession    RequestKind = "new_session"
	RequestResumeSession RequestKind = "resume_session"
)

// Queue outcome reasons
const (
	OutcomeStarted   = "started"
	OutcomeCancelled = "cancelled"
)

// QueueOutcome resolves a queued request exactly once.
type QueueOutcome struct {
	Started   bool
	ProcessID string
	// Reason explains a cancellation
	Reason string
}

// QueuedRequest is one entry waiting for worker capacity.
type QueuedRequest struct {
	ID          string
	Kind        RequestKind
	ProjectID   string
	ProjectPath string
	// SessionID is set for resume requests
	SessionID      string
	Message        string
	Attachments    []agent.Attachment
	PermissionMode agent.PermissionMode
	EnqueuedAt     time.Time

	outcome  chan QueueOutcome
	resolved bool
	mu       sync.Mutex
}

// Outcome resolves with started or cancelled, exactly once.
func (r *QueuedRequest) Outcome() <-chan QueueOutcome {
	return r.outcome
}

// resolve delivers the outcome if it has not been delivered yet.
func (r *QueuedRequest) resolve(out QueueOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved {
		return
	}
	r.resolved = true
	r.outcome <- out
}

// ResolveStarted marks the request as started on a process.
func (r *QueuedRequest) ResolveStarted(processID string) {
	r.resolve(QueueOutcome{Started: true, ProcessID: processID})
}

// ResolveCancelled marks the request as cancelled with a reason.
func (r *QueuedRequest) ResolveCancelled(reason string) {
	r.resolve(QueueOutcome{Reason: reason})
}

// WorkerQueue is the FIFO of admission requests that could not start
// immediately. Positions are 1-based. All bus events are emitted after the
// internal lock is released.
type WorkerQueue struct {
	mu      sync.Mutex
	entries []*QueuedRequest
	maxLen  int
	bus     *events.Bus
}

// NewWorkerQueue creates a queue; maxLen 0 means unlimited.
func NewWorkerQueue(bus *events.Bus, maxLen int) *WorkerQueue {
	return &WorkerQueue{bus: bus, maxLen: maxLen}
}

// NewQueuedRequest builds an entry ready for Enqueue.
func NewQueuedRequest(kind RequestKind, projectID, projectPath, sessionID, message string, atts []agent.Attachment, mode agent.PermissionMode) *QueuedRequest {
	return &QueuedRequest{
		ID:             uuid.New().String(),
		Kind:           kind,
		ProjectID:      projectID,
		ProjectPath:    projectPath,
		SessionID:      sessionID,
		Message:        message,
		Attachments:    atts,
		PermissionMode: mode,
		EnqueuedAt:     time.Now(),
		outcome:        make(chan QueueOutcome, 1),
	}
}

// Enqueue appends the request and returns its 1-based position.
func (q *WorkerQueue) Enqueue(req *QueuedRequest) (int, error) {
	q.mu.Lock()
	if q.maxLen > 0 && len(q.entries) >= q.maxLen {
		q.mu.Unlock()
		return 0, ErrQueueFull
	}
	q.entries = append(q.entries, req)
	position := len(q.entries)
	q.mu.Unlock()

	q.bus.Publish(&events.QueueRequestAdded{
		QueueID:   req.ID,
		SessionID: req.SessionID,
		ProjectID: req.ProjectID,
		Position:  position,
	})
	return position, nil
}

// Dequeue pops the head entry, emitting position updates for the rest.
// Returns nil when the queue is empty.
func (q *WorkerQueue) Dequeue() *QueuedRequest {
	q.mu.Lock()
	if len(q.entries) == 0 {
		q.mu.Unlock()
		return nil
	}
	head := q.entries[0]
	q.entries = q.entries[1:]
	remaining := append([]*QueuedRequest(nil), q.entries...)
	q.mu.Unlock()

	q.publishPositions(remaining)
	return head
}

// Cancel removes the entry with the given id, resolving it as cancelled.
// Returns false if no such entry exists.
func (q *WorkerQueue) Cancel(queueID string) bool {
	q.mu.Lock()
	idx := -1
	for i, e := range q.entries {
		if e.ID == queueID {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return false
	}
	entry := q.entries[idx]
	q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
	shifted := append([]*QueuedRequest(nil), q.entries[idx:]...)
	q.mu.Unlock()

	entry.ResolveCancelled(OutcomeCancelled)
	q.bus.Publish(&events.QueueRequestRemoved{
		QueueID:   entry.ID,
		SessionID: entry.SessionID,
		ProjectID: entry.ProjectID,
		Reason:    OutcomeCancelled,
	})
	q.publishPositions(shifted)
	return true
}

// FindBySessionID returns the first entry for the session and its 1-based
// position, or nil.
func (q *WorkerQueue) FindBySessionID(sessionID string) (*QueuedRequest, int) {
	if sessionID == "" {
		return nil, 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.SessionID == sessionID {
			return e, i + 1
		}
	}
	return nil, 0
}

// Position returns the 1-based position of the entry, or false.
func (q *WorkerQueue) Position(queueID string) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.ID == queueID {
			return i + 1, true
		}
	}
	return 0, false
}

// Len returns the number of waiting entries.
func (q *WorkerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Entries returns a snapshot for inspection.
func (q *WorkerQueue) Entries() []*QueuedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*QueuedRequest(nil), q.entries...)
}

// publishPositions recomputes and emits positions for the given entries.
// The entries slice must be a snapshot taken while holding the lock, in
// queue order starting at the first entry whose position changed.
func (q *WorkerQueue) publishPositions(entries []*QueuedRequest) {
	for _, e := range entries {
		pos, ok := q.Position(e.ID)
		if !ok {
			continue
		}
		q.bus.Publish(&events.QueuePositionChanged{
			QueueID:   e.ID,
			SessionID: e.SessionID,
			ProjectID: e.ProjectID,
			Position:  pos,
		})
	}
}
