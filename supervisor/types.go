// Package supervisor owns the agent worker pool: the per-session Process
// state machine, the admission-controlled Supervisor, the FIFO WorkerQueue,
// and the tracker that attributes on-disk session activity to outside
// agent instances.
package supervisor

import (
	"errors"
	"time"

	"github.com/xiaoyuanzhu-com/agent-hub/agent"
)

// Sentinel errors surfaced by supervisor operations
var (
	// ErrSessionNotFound means no live process or queue entry matches
	ErrSessionNotFound = errors.New("session not found")
	// ErrProcessNotFound means no process matches the given process id
	ErrProcessNotFound = errors.New("process not found")
	// ErrQueueFull means the worker queue reached its configured maximum
	ErrQueueFull = errors.New("queue full")
	// ErrProcessTerminated means the target process has ended
	ErrProcessTerminated = errors.New("process terminated")
)

// StateTag names a process state
type StateTag string

const (
	StateTagRunning      StateTag = "running"
	StateTagIdle         StateTag = "idle"
	StateTagWaitingInput StateTag = "waiting_input"
	StateTagTerminated   StateTag = "terminated"
)

// ProcessState is the tagged state of a Process.
type ProcessState interface {
	Tag() StateTag
}

// StateRunning means an agent turn is in progress.
type StateRunning struct{}

func (StateRunning) Tag() StateTag { return StateTagRunning }

// StateIdle means no turn is in progress; Since is monotonic-clock based.
type StateIdle struct {
	Since time.Time
}

func (StateIdle) Tag() StateTag { return StateTagIdle }

// StateWaitingInput means a tool approval is blocking the agent.
type StateWaitingInput struct {
	Request InputRequest
}

func (StateWaitingInput) Tag() StateTag { return StateTagWaitingInput }

// StateTerminated means the session ended; no state follows it.
type StateTerminated struct {
	Reason string
	Err    error
}

func (StateTerminated) Tag() StateTag { return StateTagTerminated }

// InputRequest is a pending tool approval shown to the user.
type InputRequest struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Type      string         `json:"type"` // always "tool_approval"
	ToolName  string         `json:"tool_name"`
	ToolInput map[string]any `json:"tool_input,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ProcessInfo is the read-only projection of a Process.
type ProcessInfo struct {
	ProcessID      string               `json:"process_id"`
	SessionID      string               `json:"session_id"`
	ProjectID      string               `json:"project_id"`
	ProjectPath    string               `json:"project_path"`
	State          StateTag             `json:"state"`
	PermissionMode agent.PermissionMode `json:"permission_mode"`
	ModeVersion    int64                `json:"mode_version"`
	StartedAt      time.Time            `json:"started_at"`
	QueueDepth     int                  `json:"queue_depth"`
}

// MessageResult is the outcome of queueing a user message.
type MessageResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	// Reason carries the termination reason on failure
	Reason string `json:"reason,omitempty"`
}

// ProcessEventType distinguishes local process events
type ProcessEventType string

const (
	ProcessEventMessage     ProcessEventType = "message"
	ProcessEventStateChange ProcessEventType = "state_change"
	ProcessEventModeChange  ProcessEventType = "mode_change"
	ProcessEventError       ProcessEventType = "error"
	ProcessEventComplete    ProcessEventType = "complete"
)

// ProcessEvent is delivered to local Process subscribers.
type ProcessEvent struct {
	Type ProcessEventType
	// Message is set for message events
	Message *agent.Message
	// State is set for state_change events
	State ProcessState
	// Mode and ModeVersion are set for mode_change events
	Mode        agent.PermissionMode
	ModeVersion int64
	// Err is set for error events
	Err error
}
