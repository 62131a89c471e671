package supervisor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xiaoyuanzhu-com/agent-hub/agent"
	"github.com/xiaoyuanzhu-com/agent-hub/log"
)

// Process is the in-memory handle to one live agent session. It consumes
// the runtime's message stream, owns the write-side queue, drives the
// tool-approval protocol and tracks the permission mode. All lifecycle
// notifications go to local subscribers; the Supervisor translates them
// onto the bus.
type Process struct {
	id          string
	projectID   string
	projectPath string
	idleTimeout time.Duration

	queue       agent.WriteQueue
	abortStream func()

	mu             sync.Mutex
	sessionID      string
	sessionAdopted bool
	sessionIDCh    chan struct{}
	mode           agent.PermissionMode
	modeVersion    int64
	state          ProcessState
	history        []agent.Message
	pending        map[string]*pendingApproval
	pendingOrder   []string
	subscribers    map[uint64]func(ProcessEvent)
	nextSubID      uint64
	idleTimer      *time.Timer
	idleEpoch      int
	startedAt      time.Time
	completed      bool
	aborted        bool
}

type pendingApproval struct {
	request InputRequest
	result  chan agent.ApprovalResult
	// legacy marks inline input_request entries whose resolution is
	// returned through the write queue instead of a waiting callback
	legacy bool
}

// ProcessConfig carries the constructor inputs for a Process.
type ProcessConfig struct {
	// ProcessID is generated when empty
	ProcessID string
	// SessionID is the provisional or resumed session identifier
	SessionID   string
	ProjectID   string
	ProjectPath string
	Mode        agent.PermissionMode
	IdleTimeout time.Duration
	// InitialMessage, when non-empty, is echoed into history; the runtime
	// already received it through StartOptions
	InitialMessage string
	Attachments    []agent.Attachment
	Stream         *agent.Stream
}

// NewProcess constructs a Process and starts consuming its stream.
func NewProcess(cfg ProcessConfig) *Process {
	id := cfg.ProcessID
	if id == "" {
		id = uuid.New().String()
	}
	mode := cfg.Mode
	if mode == "" {
		mode = agent.PermissionModeDefault
	}

	p := &Process{
		id:          id,
		projectID:   cfg.ProjectID,
		projectPath: cfg.ProjectPath,
		idleTimeout: cfg.IdleTimeout,
		queue:       cfg.Stream.Queue,
		abortStream: cfg.Stream.Abort,
		sessionID:   cfg.SessionID,
		sessionIDCh: make(chan struct{}),
		mode:        mode,
		state:       StateRunning{},
		pending:     make(map[string]*pendingApproval),
		subscribers: make(map[uint64]func(ProcessEvent)),
		startedAt:   time.Now(),
	}

	if cfg.InitialMessage != "" {
		p.history = append(p.history, userHistoryMessage(uuid.New().String(), cfg.SessionID, cfg.InitialMessage, cfg.Attachments))
	}

	go p.consume(cfg.Stream)
	return p
}

// Accessors

func (p *Process) ID() string          { return p.id }
func (p *Process) ProjectID() string   { return p.projectID }
func (p *Process) ProjectPath() string { return p.projectPath }

// SessionID returns the current (possibly provisional) session identifier.
func (p *Process) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// State returns the current state.
func (p *Process) State() ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Mode returns the permission mode and its version.
func (p *Process) Mode() (agent.PermissionMode, int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode, p.modeVersion
}

// Info returns a read-only projection of the process.
func (p *Process) Info() ProcessInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ProcessInfo{
		ProcessID:      p.id,
		SessionID:      p.sessionID,
		ProjectID:      p.projectID,
		ProjectPath:    p.projectPath,
		State:          p.state.Tag(),
		PermissionMode: p.mode,
		ModeVersion:    p.modeVersion,
		StartedAt:      p.startedAt,
		QueueDepth:     p.queue.Depth(),
	}
}

// History returns a defensive copy of the in-memory message history.
func (p *Process) History() []agent.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]agent.Message(nil), p.history...)
}

// Subscribe registers a listener for process events; the returned function
// unsubscribes it.
func (p *Process) Subscribe(fn func(ProcessEvent)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextSubID++
	id := p.nextSubID
	if p.subscribers == nil {
		p.subscribers = make(map[uint64]func(ProcessEvent))
	}
	p.subscribers[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subscribers, id)
	}
}

// QueueMessage records a user message in history and delivers it to the
// runtime. On a terminated process it fails with the termination reason.
// An idle process transitions back to running first.
func (p *Process) QueueMessage(text string, atts []agent.Attachment) MessageResult {
	p.mu.Lock()
	if st, ok := p.state.(StateTerminated); ok {
		p.mu.Unlock()
		return MessageResult{Success: false, Reason: st.Reason}
	}

	id := uuid.New().String()
	msg := userHistoryMessage(id, p.sessionID, text, atts)
	p.history = append(p.history, msg)

	evts := []ProcessEvent{{Type: ProcessEventMessage, Message: &msg}}
	if _, idle := p.state.(StateIdle); idle {
		p.cancelIdleTimerLocked()
		p.state = StateRunning{}
		evts = append(evts, ProcessEvent{Type: ProcessEventStateChange, State: p.state})
	}
	subs := p.subscribersLocked()
	p.mu.Unlock()

	notify(subs, evts)

	// Push outside the lock; the runtime may consume synchronously.
	p.queue.Push(agent.UserMessage{UUID: id, Text: renderUserText(text, atts)})
	return MessageResult{Success: true, MessageID: id}
}

// SetPermissionMode updates the mode, bumping the mode version.
func (p *Process) SetPermissionMode(mode agent.PermissionMode) int64 {
	p.mu.Lock()
	evt, version := p.setModeLocked(mode)
	subs := p.subscribersLocked()
	p.mu.Unlock()

	notify(subs, []ProcessEvent{evt})
	return version
}

func (p *Process) setModeLocked(mode agent.PermissionMode) (ProcessEvent, int64) {
	p.mode = mode
	p.modeVersion++
	return ProcessEvent{Type: ProcessEventModeChange, Mode: mode, ModeVersion: p.modeVersion}, p.modeVersion
}

// HandleToolApproval gates one tool call. Auto-allowed tools return
// immediately; everything else registers a pending input request and blocks
// until RespondToInput resolves it, the process terminates, or ctx fires.
func (p *Process) HandleToolApproval(ctx context.Context, toolName string, input map[string]any) (agent.ApprovalResult, error) {
	p.mu.Lock()
	if st, ok := p.state.(StateTerminated); ok {
		p.mu.Unlock()
		return terminatedDenial(st.Reason), nil
	}

	if evaluatePolicy(p.mode, toolName, input) == decisionAllow {
		p.mu.Unlock()
		return agent.ApprovalResult{Behavior: agent.BehaviorAllow}, nil
	}

	pa := &pendingApproval{
		request: InputRequest{
			ID:        uuid.New().String(),
			SessionID: p.sessionID,
			Type:      "tool_approval",
			ToolName:  toolName,
			ToolInput: input,
			CreatedAt: time.Now(),
		},
		result: make(chan agent.ApprovalResult, 1),
	}
	evts := p.registerPendingLocked(pa)
	subs := p.subscribersLocked()
	p.mu.Unlock()

	notify(subs, evts)

	select {
	case res := <-pa.result:
		return res, nil
	case <-ctx.Done():
		p.cancelApproval(pa.request.ID)
		// A response may have raced the cancellation.
		select {
		case res := <-pa.result:
			return res, nil
		default:
		}
		return agent.ApprovalResult{Behavior: agent.BehaviorDeny, Message: "Request cancelled", Interrupt: true}, nil
	}
}

// registerPendingLocked admits a pending approval; when it is the first one
// the process surfaces it as waiting-input.
func (p *Process) registerPendingLocked(pa *pendingApproval) []ProcessEvent {
	p.pending[pa.request.ID] = pa
	p.pendingOrder = append(p.pendingOrder, pa.request.ID)
	if len(p.pendingOrder) == 1 {
		p.cancelIdleTimerLocked()
		p.state = StateWaitingInput{Request: pa.request}
		return []ProcessEvent{{Type: ProcessEventStateChange, State: p.state}}
	}
	return nil
}

// RespondToInput resolves the pending approval with the given id. Returns
// false when no such approval is pending.
func (p *Process) RespondToInput(requestID string, approve bool, answers map[string]any, feedback string) bool {
	p.mu.Lock()
	pa, ok := p.pending[requestID]
	if !ok {
		p.mu.Unlock()
		return false
	}
	p.removePendingLocked(requestID)

	result := composeResult(pa.request, approve, answers, feedback)

	var evts []ProcessEvent
	if approve {
		// Approving the mode-switch tools implicitly changes the mode.
		switch pa.request.ToolName {
		case toolEnterPlanMode:
			evt, _ := p.setModeLocked(agent.PermissionModePlan)
			evts = append(evts, evt)
		case toolExitPlanMode:
			evt, _ := p.setModeLocked(agent.PermissionModeDefault)
			evts = append(evts, evt)
		}
	}
	evts = append(evts, p.surfaceNextLocked()...)
	subs := p.subscribersLocked()
	p.mu.Unlock()

	pa.result <- result
	if pa.legacy {
		p.pushLegacyResponse(pa.request.ID, result)
	}
	notify(subs, evts)
	return true
}

// PendingInputRequest returns the approval currently shown to the user.
func (p *Process) PendingInputRequest() (InputRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pendingOrder) == 0 {
		return InputRequest{}, false
	}
	return p.pending[p.pendingOrder[0]].request, true
}

// cancelApproval removes a pending approval whose waiter gave up.
func (p *Process) cancelApproval(requestID string) {
	p.mu.Lock()
	if _, ok := p.pending[requestID]; !ok {
		p.mu.Unlock()
		return
	}
	p.removePendingLocked(requestID)
	evts := p.surfaceNextLocked()
	subs := p.subscribersLocked()
	p.mu.Unlock()

	notify(subs, evts)
}

func (p *Process) removePendingLocked(requestID string) {
	delete(p.pending, requestID)
	for i, id := range p.pendingOrder {
		if id == requestID {
			p.pendingOrder = append(p.pendingOrder[:i], p.pendingOrder[i+1:]...)
			break
		}
	}
}

// surfaceNextLocked moves the process to the next pending approval, or back
// to running, after the head approval went away. No-op unless currently
// waiting for input.
func (p *Process) surfaceNextLocked() []ProcessEvent {
	if _, waiting := p.state.(StateWaitingInput); !waiting {
		return nil
	}
	if len(p.pendingOrder) > 0 {
		p.state = StateWaitingInput{Request: p.pending[p.pendingOrder[0]].request}
	} else {
		p.state = StateRunning{}
	}
	return []ProcessEvent{{Type: ProcessEventStateChange, State: p.state}}
}

// WaitForSessionID blocks until the runtime reports the authoritative
// session id or the timeout passes, returning the best id known.
func (p *Process) WaitForSessionID(timeout time.Duration) string {
	select {
	case <-p.sessionIDCh:
	case <-time.After(timeout):
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// Abort tears the session down. Idempotent: pending approvals resolve with
// a deny+interrupt, the runtime stream is aborted, complete is emitted once
// and subscribers are dropped.
func (p *Process) Abort() {
	p.mu.Lock()
	if p.aborted {
		p.mu.Unlock()
		return
	}
	p.aborted = true
	p.cancelIdleTimerLocked()
	if _, ok := p.state.(StateTerminated); !ok {
		p.state = StateTerminated{Reason: agent.ReasonAborted}
	}
	pendings := p.takePendingLocked()
	subs := p.subscribersLocked()
	alreadyComplete := p.completed
	p.completed = true
	p.mu.Unlock()

	// Resolve waiters before stopping the stream so runtime goroutines
	// blocked in the approval callback can unwind.
	resolveTerminated(pendings, agent.ReasonAborted)
	p.abortStream()

	if !alreadyComplete {
		notify(subs, []ProcessEvent{{Type: ProcessEventComplete}})
	}

	p.mu.Lock()
	p.subscribers = nil
	p.mu.Unlock()
}

// consume is the stream-consumption loop, one goroutine per process.
func (p *Process) consume(stream *agent.Stream) {
	msgs := stream.Messages
	errs := stream.Errors

	for msgs != nil || errs != nil {
		select {
		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				// A fatal error can race channel closure; prefer it.
				select {
				case err, ok2 := <-errs:
					if ok2 && p.handleStreamError(err) {
						return
					}
				default:
				}
				p.handleStreamDone()
				continue
			}
			p.handleMessage(msg)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if p.handleStreamError(err) {
				return
			}
		}
	}
}

// handleMessage appends to history and applies the message's transition.
func (p *Process) handleMessage(msg agent.Message) {
	p.mu.Lock()
	if _, ok := p.state.(StateTerminated); ok {
		p.mu.Unlock()
		return
	}

	p.history = append(p.history, msg)
	evts := []ProcessEvent{{Type: ProcessEventMessage, Message: &msg}}

	switch {
	case msg.Type == agent.MessageTypeSystem && msg.Subtype == agent.SystemSubtypeInit && msg.SessionID != "":
		p.sessionID = msg.SessionID
		if !p.sessionAdopted {
			p.sessionAdopted = true
			close(p.sessionIDCh)
		}

	case msg.Type == agent.MessageTypeSystem && msg.Subtype == agent.SystemSubtypeInputRequest && msg.Request != nil:
		// Legacy inline path used by mock runtimes.
		reqID := msg.Request.ID
		if reqID == "" {
			reqID = uuid.New().String()
		}
		pa := &pendingApproval{
			request: InputRequest{
				ID:        reqID,
				SessionID: p.sessionID,
				Type:      "tool_approval",
				ToolName:  msg.Request.ToolName,
				ToolInput: msg.Request.Input,
				CreatedAt: time.Now(),
			},
			result: make(chan agent.ApprovalResult, 1),
			legacy: true,
		}
		evts = append(evts, p.registerPendingLocked(pa)...)

	case msg.Type == agent.MessageTypeResult:
		if _, waiting := p.state.(StateWaitingInput); !waiting {
			evts = append(evts, p.transitionIdleLocked())
		}
	}

	subs := p.subscribersLocked()
	p.mu.Unlock()

	notify(subs, evts)
}

// handleStreamDone applies the end-of-stream transition: idle, unless a
// user response is still owed or the process already terminated.
func (p *Process) handleStreamDone() {
	p.mu.Lock()
	switch p.state.(type) {
	case StateWaitingInput, StateTerminated:
		p.mu.Unlock()
		return
	}
	evt := p.transitionIdleLocked()
	subs := p.subscribersLocked()
	p.mu.Unlock()

	notify(subs, []ProcessEvent{evt})
}

// handleStreamError classifies a stream error; fatal signatures terminate
// the process and stop consumption.
func (p *Process) handleStreamError(err error) bool {
	if reason, fatal := agent.TerminationReason(err); fatal {
		p.terminate(reason, err)
		return true
	}

	p.mu.Lock()
	if _, ok := p.state.(StateTerminated); ok {
		p.mu.Unlock()
		return false
	}
	evts := []ProcessEvent{{Type: ProcessEventError, Err: err}}
	if _, waiting := p.state.(StateWaitingInput); !waiting {
		evts = append(evts, p.transitionIdleLocked())
	}
	subs := p.subscribersLocked()
	p.mu.Unlock()

	notify(subs, evts)
	log.Warn().Err(err).Str("processId", p.id).Msg("recoverable agent stream error")
	return false
}

// terminate moves the process to terminated and resolves all pending
// approvals with a deny+interrupt.
func (p *Process) terminate(reason string, err error) {
	p.mu.Lock()
	if _, ok := p.state.(StateTerminated); ok {
		p.mu.Unlock()
		return
	}
	p.cancelIdleTimerLocked()
	p.state = StateTerminated{Reason: reason, Err: err}
	pendings := p.takePendingLocked()
	evts := []ProcessEvent{{Type: ProcessEventStateChange, State: p.state}}
	subs := p.subscribersLocked()
	p.mu.Unlock()

	resolveTerminated(pendings, reason)
	notify(subs, evts)
	log.Info().Str("processId", p.id).Str("reason", reason).Err(err).Msg("process terminated")
}

// Idle timer

func (p *Process) transitionIdleLocked() ProcessEvent {
	p.cancelIdleTimerLocked()
	p.state = StateIdle{Since: time.Now()}
	if p.idleTimeout > 0 {
		epoch := p.idleEpoch
		p.idleTimer = time.AfterFunc(p.idleTimeout, func() { p.idleTimerFired(epoch) })
	}
	return ProcessEvent{Type: ProcessEventStateChange, State: p.state}
}

func (p *Process) cancelIdleTimerLocked() {
	p.idleEpoch++
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
}

// idleTimerFired emits complete once for the idle period it was armed in.
func (p *Process) idleTimerFired(epoch int) {
	p.mu.Lock()
	if p.idleEpoch != epoch || p.completed {
		p.mu.Unlock()
		return
	}
	if _, idle := p.state.(StateIdle); !idle {
		p.mu.Unlock()
		return
	}
	p.completed = true
	subs := p.subscribersLocked()
	p.mu.Unlock()

	notify(subs, []ProcessEvent{{Type: ProcessEventComplete}})
}

// Helpers

func (p *Process) subscribersLocked() []func(ProcessEvent) {
	subs := make([]func(ProcessEvent), 0, len(p.subscribers))
	for _, fn := range p.subscribers {
		subs = append(subs, fn)
	}
	return subs
}

func (p *Process) takePendingLocked() []*pendingApproval {
	pendings := make([]*pendingApproval, 0, len(p.pendingOrder))
	for _, id := range p.pendingOrder {
		pendings = append(pendings, p.pending[id])
	}
	p.pending = make(map[string]*pendingApproval)
	p.pendingOrder = nil
	return pendings
}

func (p *Process) pushLegacyResponse(requestID string, result agent.ApprovalResult) {
	p.queue.Push(agent.UserMessage{
		UUID: uuid.New().String(),
		ControlResponse: &agent.ControlResponse{
			RequestID: requestID,
			Behavior:  string(result.Behavior),
			Input:     result.UpdatedInput,
			Message:   result.Message,
		},
	})
}

func notify(subs []func(ProcessEvent), evts []ProcessEvent) {
	for _, evt := range evts {
		for _, fn := range subs {
			fn(evt)
		}
	}
}

func resolveTerminated(pendings []*pendingApproval, reason string) {
	for _, pa := range pendings {
		pa.result <- terminatedDenial(reason)
	}
}

func terminatedDenial(reason string) agent.ApprovalResult {
	return agent.ApprovalResult{
		Behavior:  agent.BehaviorDeny,
		Message:   fmt.Sprintf("Process terminated: %s", reason),
		Interrupt: true,
	}
}

func composeResult(req InputRequest, approve bool, answers map[string]any, feedback string) agent.ApprovalResult {
	if approve {
		result := agent.ApprovalResult{Behavior: agent.BehaviorAllow}
		if len(answers) > 0 {
			merged := make(map[string]any, len(req.ToolInput)+len(answers))
			for k, v := range req.ToolInput {
				merged[k] = v
			}
			for k, v := range answers {
				merged[k] = v
			}
			result.UpdatedInput = merged
		}
		return result
	}
	if feedback != "" {
		// Feedback goes back to the agent without an interrupt so it can
		// retry with the guidance.
		return agent.ApprovalResult{Behavior: agent.BehaviorDeny, Message: feedback}
	}
	return agent.ApprovalResult{Behavior: agent.BehaviorDeny, Message: "User denied permission", Interrupt: true}
}

// userHistoryMessage builds the history echo of a queued user message,
// using the same id the runtime will record in its log.
func userHistoryMessage(id, sessionID, text string, atts []agent.Attachment) agent.Message {
	return agent.Message{
		Type:      agent.MessageTypeUser,
		UUID:      id,
		SessionID: sessionID,
		Text:      renderUserText(text, atts),
	}
}

// renderUserText is the deterministic rendering of a prompt plus its
// attachment descriptors, matching what lands in the persistent log.
func renderUserText(text string, atts []agent.Attachment) string {
	if len(atts) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString(text)
	for _, att := range atts {
		b.WriteString("\n[attachment: ")
		b.WriteString(att.Name)
		if att.MediaType != "" {
			b.WriteString(" (")
			b.WriteString(att.MediaType)
			b.WriteString(")")
		}
		b.WriteString("]")
	}
	return b.String()
}
