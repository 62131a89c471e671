// Package events carries the hub's typed event bus and every event payload
// published on it. Fan-out is synchronous and ordered; see Bus.
package events

import (
	"time"

	"github.com/xiaoyuanzhu-com/agent-hub/agent"
)

// Kind identifies an event type on the wire
type Kind string

const (
	KindSessionCreated        Kind = "session-created"
	KindSessionStatusChanged  Kind = "session-status-changed"
	KindProcessStateChanged   Kind = "process-state-changed"
	KindSessionAborted        Kind = "session-aborted"
	KindWorkerActivityChanged Kind = "worker-activity-changed"
	KindQueueRequestAdded     Kind = "queue-request-added"
	KindQueueRequestRemoved   Kind = "queue-request-removed"
	KindQueuePositionChanged  Kind = "queue-position-changed"
	KindFileActivity          Kind = "file-activity"
)

// Event is anything publishable on the bus.
type Event interface {
	EventKind() Kind
	OccurredAt() time.Time
}

// Meta is embedded by every event; the bus stamps Timestamp when the
// producer leaves it zero.
type Meta struct {
	Timestamp time.Time `json:"timestamp"`
}

// OccurredAt implements Event
func (m Meta) OccurredAt() time.Time { return m.Timestamp }

func (m *Meta) stamp(t time.Time) {
	if m.Timestamp.IsZero() {
		m.Timestamp = t
	}
}

// Ownership describes who, if anyone, is driving a session.
type Ownership struct {
	Kind           string               `json:"kind"` // "self", "external" or "none"
	ProcessID      string               `json:"process_id,omitempty"`
	PermissionMode agent.PermissionMode `json:"permission_mode,omitempty"`
	ModeVersion    int64                `json:"mode_version,omitempty"`
}

// SelfOwnership marks a session driven by one of our processes.
func SelfOwnership(processID string, mode agent.PermissionMode, modeVersion int64) Ownership {
	return Ownership{Kind: "self", ProcessID: processID, PermissionMode: mode, ModeVersion: modeVersion}
}

// ExternalOwnership marks a session driven outside this hub.
func ExternalOwnership() Ownership { return Ownership{Kind: "external"} }

// NoOwnership marks a session nobody is driving.
func NoOwnership() Ownership { return Ownership{Kind: "none"} }

// SessionCreated announces a newly registered session.
type SessionCreated struct {
	Meta
	SessionID      string               `json:"session_id"`
	ProjectID      string               `json:"project_id"`
	ProjectPath    string               `json:"project_path"`
	ProcessID      string               `json:"process_id"`
	PermissionMode agent.PermissionMode `json:"permission_mode"`
}

func (SessionCreated) EventKind() Kind { return KindSessionCreated }

// SessionStatusChanged announces an ownership transition for a session.
type SessionStatusChanged struct {
	Meta
	SessionID string    `json:"session_id"`
	ProjectID string    `json:"project_id"`
	Ownership Ownership `json:"ownership"`
}

func (SessionStatusChanged) EventKind() Kind { return KindSessionStatusChanged }

// ProcessStateChanged announces a process entering running or waiting-input.
type ProcessStateChanged struct {
	Meta
	SessionID string `json:"session_id"`
	ProjectID string `json:"project_id"`
	ProcessID string `json:"process_id"`
	State     string `json:"state"`
	// RequestID is set when State is waiting_input
	RequestID string `json:"request_id,omitempty"`
}

func (ProcessStateChanged) EventKind() Kind { return KindProcessStateChanged }

// SessionAborted is published before the abort is carried out, so listeners
// such as the external tracker can arm their suppression windows first.
type SessionAborted struct {
	Meta
	SessionID string `json:"session_id"`
	ProjectID string `json:"project_id"`
	ProcessID string `json:"process_id"`
}

func (SessionAborted) EventKind() Kind { return KindSessionAborted }

// WorkerActivityChanged summarizes pool load after any membership change.
type WorkerActivityChanged struct {
	Meta
	ActiveWorkers int  `json:"active_workers"`
	QueueLength   int  `json:"queue_length"`
	HasActiveWork bool `json:"has_active_work"`
}

func (WorkerActivityChanged) EventKind() Kind { return KindWorkerActivityChanged }

// QueueRequestAdded announces a request entering the worker queue.
type QueueRequestAdded struct {
	Meta
	QueueID   string `json:"queue_id"`
	SessionID string `json:"session_id,omitempty"`
	ProjectID string `json:"project_id"`
	Position  int    `json:"position"`
}

func (QueueRequestAdded) EventKind() Kind { return KindQueueRequestAdded }

// QueueRequestRemoved announces a request leaving the queue; Reason is
// "started" or "cancelled".
type QueueRequestRemoved struct {
	Meta
	QueueID   string `json:"queue_id"`
	SessionID string `json:"session_id,omitempty"`
	ProjectID string `json:"project_id"`
	Reason    string `json:"reason"`
}

func (QueueRequestRemoved) EventKind() Kind { return KindQueueRequestRemoved }

// QueuePositionChanged announces a queued request moving up.
type QueuePositionChanged struct {
	Meta
	QueueID   string `json:"queue_id"`
	SessionID string `json:"session_id,omitempty"`
	ProjectID string `json:"project_id"`
	Position  int    `json:"position"`
}

func (QueuePositionChanged) EventKind() Kind { return KindQueuePositionChanged }

// FileActivity reports a write to a session's on-disk log.
type FileActivity struct {
	Meta
	SessionID string `json:"session_id"`
	ProjectID string `json:"project_id"`
}

func (FileActivity) EventKind() Kind { return KindFileActivity }
