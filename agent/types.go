// Package agent defines the contract between the session supervisor and an
// agent runtime: a factory that launches one streaming agent session per
// call, plus the message, queue and approval types flowing across it.
package agent

import (
	"context"
	"encoding/json"
	"errors"
)

// PermissionMode controls how tool use requests are handled
type PermissionMode string

const (
	// PermissionModeDefault prompts for dangerous tools
	PermissionModeDefault PermissionMode = "default"
	// PermissionModeAcceptEdits auto-accepts file edits
	PermissionModeAcceptEdits PermissionMode = "acceptEdits"
	// PermissionModePlan plan mode, read-only tools only
	PermissionModePlan PermissionMode = "plan"
	// PermissionModeBypassPermissions allows all tools without prompting
	PermissionModeBypassPermissions PermissionMode = "bypassPermissions"
)

// ValidPermissionMode reports whether mode is one of the four known modes.
func ValidPermissionMode(mode PermissionMode) bool {
	switch mode {
	case PermissionModeDefault, PermissionModeAcceptEdits, PermissionModePlan, PermissionModeBypassPermissions:
		return true
	}
	return false
}

// Message types emitted on a session stream
const (
	MessageTypeSystem    = "system"
	MessageTypeAssistant = "assistant"
	MessageTypeUser      = "user"
	MessageTypeResult    = "result"

	SystemSubtypeInit         = "init"
	SystemSubtypeInputRequest = "input_request"
)

// Message is one entry on a session's output stream. Only the fields the
// supervisor routes on are decoded; Raw preserves the full payload so
// transports and history forward messages byte-for-byte.
type Message struct {
	Type      string              `json:"type"`
	Subtype   string              `json:"subtype,omitempty"`
	UUID      string              `json:"uuid,omitempty"`
	SessionID string              `json:"session_id,omitempty"`
	Text      string              `json:"text,omitempty"`
	Request   *InlineInputRequest `json:"input_request,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// MarshalJSON emits the original payload when one was captured, so opaque
// runtime fields survive the round trip through history and the event API.
func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.Raw) > 0 {
		return m.Raw, nil
	}
	type alias Message
	return json.Marshal(alias(m))
}

// ParseMessage decodes one stream line, keeping the raw bytes.
func ParseMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	m.Raw = append(json.RawMessage(nil), data...)
	return m, nil
}

// InlineInputRequest is the legacy inline form of an input request carried
// on a system/input_request message instead of through the approval callback.
type InlineInputRequest struct {
	ID       string         `json:"id"`
	ToolName string         `json:"tool_name"`
	Input    map[string]any `json:"input,omitempty"`
}

// UserMessage is a prompt handed to the runtime through the write queue.
type UserMessage struct {
	UUID string `json:"uuid"`
	Text string `json:"text"`

	// ControlResponse carries a decision for a legacy inline input request
	// instead of prompt text. Exactly one of Text/ControlResponse is set.
	ControlResponse *ControlResponse `json:"control_response,omitempty"`
}

// ControlResponse answers a legacy inline input request.
type ControlResponse struct {
	RequestID string         `json:"request_id"`
	Behavior  string         `json:"behavior"` // "allow" or "deny"
	Input     map[string]any `json:"input,omitempty"`
	Message   string         `json:"message,omitempty"`
}

// WriteQueue is the write side of a session: prompts pushed here reach the
// runtime in order. Push returns the queue depth including the new message.
type WriteQueue interface {
	Push(msg UserMessage) int
	Depth() int
}

// Attachment describes a file attached to a prompt. Only the descriptor
// travels with the message; content stays on disk.
type Attachment struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// ApprovalBehavior is the decision side of an approval result
type ApprovalBehavior string

const (
	BehaviorAllow ApprovalBehavior = "allow"
	BehaviorDeny  ApprovalBehavior = "deny"
)

// ApprovalResult is the outcome of a tool approval request.
type ApprovalResult struct {
	Behavior ApprovalBehavior `json:"behavior"`
	// UpdatedInput replaces the tool input on allow (nil keeps the original)
	UpdatedInput map[string]any `json:"updated_input,omitempty"`
	// Message explains a denial to the agent
	Message string `json:"message,omitempty"`
	// Interrupt asks the runtime to interrupt the current turn on deny
	Interrupt bool `json:"interrupt,omitempty"`
}

// ToolApprovalFunc decides whether the agent may use a tool. The runtime
// blocks the tool call until it returns; cancelling ctx abandons the ask.
type ToolApprovalFunc func(ctx context.Context, toolName string, input map[string]any) (ApprovalResult, error)

// StartOptions configures one session launch.
type StartOptions struct {
	// Cwd is the project working directory for the session
	Cwd string
	// InitialMessage, when non-empty, is delivered as the first prompt
	InitialMessage string
	// ResumeSessionID resumes an existing session instead of starting fresh
	ResumeSessionID string
	// PermissionMode is the initial permission mode ("" means default)
	PermissionMode PermissionMode
	// OnToolApproval is consulted for tool use; nil denies everything
	OnToolApproval ToolApprovalFunc
}

// Stream is one live agent session. Messages and Errors are closed when the
// session ends; Abort tears the session down and is safe to call repeatedly.
type Stream struct {
	Messages <-chan Message
	Errors   <-chan error
	Queue    WriteQueue
	Abort    func()
}

// Runtime launches agent sessions.
type Runtime interface {
	StartSession(ctx context.Context, opts StartOptions) (*Stream, error)
}

// ErrNoApprover is returned to the runtime when a tool approval arrives with
// no callback configured.
var ErrNoApprover = errors.New("no tool approval handler configured")
