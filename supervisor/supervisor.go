package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xiaoyuanzhu-com/agent-hub/agent"
	"github.com/xiaoyuanzhu-com/agent-hub/events"
	"github.com/xiaoyuanzhu-com/agent-hub/log"
)

// sessionIDWait bounds how long admission waits for a resumed session to
// report its authoritative id before registering.
const sessionIDWait = 5 * time.Second

// PreferenceStore persists per-session permission-mode choices. Resumes
// without an explicit mode pick up the stored one.
type PreferenceStore interface {
	PermissionMode(sessionID string) (agent.PermissionMode, bool, error)
	SavePermissionMode(sessionID string, mode agent.PermissionMode) error
}

// Config carries the Supervisor's constructor inputs.
type Config struct {
	Runtime agent.Runtime
	Bus     *events.Bus
	// MaxWorkers bounds live processes; 0 disables admission control
	MaxWorkers int
	// IdlePreemptThreshold is the minimum idle age before preemption
	IdlePreemptThreshold time.Duration
	// DefaultPermissionMode applies when a request names none
	DefaultPermissionMode agent.PermissionMode
	// IdleTimeout disposes idle processes; 0 disables the timer
	IdleTimeout time.Duration
	// QueueMaxLength bounds the worker queue; 0 means unlimited
	QueueMaxLength int
	// Prefs is optional permission-mode persistence
	Prefs PreferenceStore
	// AgentBinary is used only in startup failure messages
	AgentBinary string
}

// Supervisor owns the bounded pool of agent processes: admission control,
// idle preemption, the waiting queue, and all bus event emission for
// session lifecycle.
type Supervisor struct {
	runtime     agent.Runtime
	bus         *events.Bus
	cfg         Config
	queue       *WorkerQueue
	defaultMode agent.PermissionMode

	// admitMu serializes the admission path (capacity check through
	// registration) so the worker bound holds under concurrent requests
	admitMu sync.Mutex

	mu               sync.Mutex
	processes        map[string]*Process
	sessionToProcess map[string]string
	everOwned        map[string]struct{}
	unsubs           map[string]func()
}

// StartResult is the outcome of an admission operation: either a live
// process, or a queued placement.
type StartResult struct {
	Process *Process
	Queued  bool
	QueueID string
	// Position is the 1-based queue position when Queued
	Position int
	// Outcome resolves when a queued request starts or is cancelled
	Outcome <-chan QueueOutcome
}

// New creates a Supervisor.
func New(cfg Config) *Supervisor {
	mode := cfg.DefaultPermissionMode
	if mode == "" {
		mode = agent.PermissionModeDefault
	}
	return &Supervisor{
		runtime:          cfg.Runtime,
		bus:              cfg.Bus,
		cfg:              cfg,
		queue:            NewWorkerQueue(cfg.Bus, cfg.QueueMaxLength),
		defaultMode:      mode,
		processes:        make(map[string]*Process),
		sessionToProcess: make(map[string]string),
		everOwned:        make(map[string]struct{}),
		unsubs:           make(map[string]func()),
	}
}

// Queue exposes the worker queue for inspection and cancellation.
func (s *Supervisor) Queue() *WorkerQueue { return s.queue }

// StartSession starts a new session with an initial message.
func (s *Supervisor) StartSession(projectPath, message string, atts []agent.Attachment, mode agent.PermissionMode) (StartResult, error) {
	req := NewQueuedRequest(RequestNewSession, EncodeProjectID(projectPath), projectPath, "", message, atts, mode)
	return s.admit(req)
}

// CreateSession starts a new session with no initial message; the agent
// blocks on its queue until the first QueueMessage.
func (s *Supervisor) CreateSession(projectPath string, mode agent.PermissionMode) (StartResult, error) {
	req := NewQueuedRequest(RequestNewSession, EncodeProjectID(projectPath), projectPath, "", "", nil, mode)
	return s.admit(req)
}

// ResumeSession attaches to a previously persisted session. When a live
// process already owns the session the message is delivered to it directly.
func (s *Supervisor) ResumeSession(sessionID, projectPath, message string, atts []agent.Attachment, mode agent.PermissionMode) (StartResult, error) {
	if proc := s.liveProcessForSession(sessionID); proc != nil {
		if mode != "" && agent.ValidPermissionMode(mode) {
			proc.SetPermissionMode(mode)
		}
		res := proc.QueueMessage(message, atts)
		if res.Success {
			return StartResult{Process: proc}, nil
		}
		// Terminated under us; clear it out and admit fresh.
		s.removeProcess(proc)
	}

	// Consolidation: one queue entry per session.
	if entry, pos := s.queue.FindBySessionID(sessionID); entry != nil {
		return StartResult{Queued: true, QueueID: entry.ID, Position: pos, Outcome: entry.Outcome()}, nil
	}

	req := NewQueuedRequest(RequestResumeSession, EncodeProjectID(projectPath), projectPath, sessionID, message, atts, mode)
	return s.admit(req)
}

// liveProcessForSession returns the registered process for the session,
// unregistering and discarding it when already terminated.
func (s *Supervisor) liveProcessForSession(sessionID string) *Process {
	s.mu.Lock()
	pid, ok := s.sessionToProcess[sessionID]
	var proc *Process
	if ok {
		proc = s.processes[pid]
	}
	s.mu.Unlock()

	if proc == nil {
		return nil
	}
	if proc.State().Tag() == StateTagTerminated {
		s.removeProcess(proc)
		return nil
	}
	return proc
}

// admit runs admission control for one request.
func (s *Supervisor) admit(req *QueuedRequest) (StartResult, error) {
	s.admitMu.Lock()
	defer s.admitMu.Unlock()

	// Consolidation re-check under the admission lock: a racing resume may
	// have queued this session after the caller's lookup.
	if req.Kind == RequestResumeSession && req.SessionID != "" {
		if entry, pos := s.queue.FindBySessionID(req.SessionID); entry != nil {
			return StartResult{Queued: true, QueueID: entry.ID, Position: pos, Outcome: entry.Outcome()}, nil
		}
	}

	if !s.atCapacity() {
		return s.startRequest(req)
	}

	if victim := s.preemptCandidate(); victim != nil {
		log.Info().
			Str("victimProcessId", victim.ID()).
			Str("projectPath", req.ProjectPath).
			Msg("preempting idle process for new admission")
		s.abortProcess(victim)
		return s.startRequest(req)
	}

	position, err := s.queue.Enqueue(req)
	if err != nil {
		return StartResult{}, fmt.Errorf("cannot queue request for %s: %w", req.ProjectPath, err)
	}
	return StartResult{Queued: true, QueueID: req.ID, Position: position, Outcome: req.Outcome()}, nil
}

func (s *Supervisor) atCapacity() bool {
	if s.cfg.MaxWorkers <= 0 {
		return false
	}
	return s.liveCount() >= s.cfg.MaxWorkers
}

func (s *Supervisor) liveCount() int {
	s.mu.Lock()
	procs := make([]*Process, 0, len(s.processes))
	for _, p := range s.processes {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	n := 0
	for _, p := range procs {
		if p.State().Tag() != StateTagTerminated {
			n++
		}
	}
	return n
}

// preemptCandidate picks the longest-idle process at or above the
// threshold. Running and waiting-input processes are never preempted.
func (s *Supervisor) preemptCandidate() *Process {
	s.mu.Lock()
	procs := make([]*Process, 0, len(s.processes))
	for _, p := range s.processes {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	var best *Process
	var bestIdle time.Duration
	for _, p := range procs {
		idle, ok := p.State().(StateIdle)
		if !ok {
			continue
		}
		d := time.Since(idle.Since)
		if d < s.cfg.IdlePreemptThreshold {
			continue
		}
		if best == nil || d > bestIdle {
			best = p
			bestIdle = d
		}
	}
	return best
}

// startRequest launches the runtime session and registers the process.
func (s *Supervisor) startRequest(req *QueuedRequest) (StartResult, error) {
	mode := s.resolveMode(req)

	holder := newProcessHolder()
	initial := ""
	if req.Message != "" {
		initial = renderUserText(req.Message, req.Attachments)
	}

	stream, err := s.runtime.StartSession(context.Background(), agent.StartOptions{
		Cwd:             req.ProjectPath,
		InitialMessage:  initial,
		ResumeSessionID: req.SessionID,
		PermissionMode:  mode,
		OnToolApproval:  holder.handleToolApproval,
	})
	if err != nil {
		if errors.Is(err, agent.ErrExecutableNotFound) || errors.Is(err, agent.ErrSpawnFailed) {
			return StartResult{}, fmt.Errorf("%s: %w", agent.DescribeStartupError(err, s.cfg.AgentBinary), err)
		}
		return StartResult{}, err
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	proc := NewProcess(ProcessConfig{
		SessionID:      sessionID,
		ProjectID:      req.ProjectID,
		ProjectPath:    req.ProjectPath,
		Mode:           mode,
		IdleTimeout:    s.cfg.IdleTimeout,
		InitialMessage: req.Message,
		Attachments:    req.Attachments,
		Stream:         stream,
	})
	holder.set(proc)

	// Resumes can fork to a fresh runtime-assigned id; adopt it before
	// registering so the session map never points at a stale id.
	if req.Kind == RequestResumeSession {
		proc.WaitForSessionID(sessionIDWait)
	}

	s.register(proc, req.Kind == RequestNewSession)
	return StartResult{Process: proc}, nil
}

// resolveMode picks the permission mode for a request: explicit, then
// persisted preference (resumes), then the default.
func (s *Supervisor) resolveMode(req *QueuedRequest) agent.PermissionMode {
	if req.PermissionMode != "" && agent.ValidPermissionMode(req.PermissionMode) {
		return req.PermissionMode
	}
	if req.SessionID != "" && s.cfg.Prefs != nil {
		if mode, ok, err := s.cfg.Prefs.PermissionMode(req.SessionID); err == nil && ok {
			return mode
		}
	}
	return s.defaultMode
}

// register inserts the process into the registry and emits the lifecycle
// event sequence: created, status, state, activity.
func (s *Supervisor) register(proc *Process, isNew bool) {
	sessionID := proc.SessionID()

	s.mu.Lock()
	s.processes[proc.ID()] = proc
	s.sessionToProcess[sessionID] = proc.ID()
	s.everOwned[sessionID] = struct{}{}
	s.mu.Unlock()

	mode, version := proc.Mode()
	if isNew {
		s.bus.Publish(&events.SessionCreated{
			SessionID:      sessionID,
			ProjectID:      proc.ProjectID(),
			ProjectPath:    proc.ProjectPath(),
			ProcessID:      proc.ID(),
			PermissionMode: mode,
		})
	}
	s.bus.Publish(&events.SessionStatusChanged{
		SessionID: sessionID,
		ProjectID: proc.ProjectID(),
		Ownership: events.SelfOwnership(proc.ID(), mode, version),
	})
	// The initial state is always running at construction; transitions the
	// stream has already applied are caught up on below.
	s.bus.Publish(&events.ProcessStateChanged{
		SessionID: sessionID,
		ProjectID: proc.ProjectID(),
		ProcessID: proc.ID(),
		State:     string(StateTagRunning),
	})
	s.publishActivity()

	unsub := proc.Subscribe(func(evt ProcessEvent) { s.onProcessEvent(proc, evt) })
	s.mu.Lock()
	s.unsubs[proc.ID()] = unsub
	s.mu.Unlock()

	// Catch up on anything the stream did before we subscribed: an init
	// that adopted the real session id, or an already-pending approval.
	if cur := proc.SessionID(); cur != sessionID {
		s.adoptSessionID(proc, cur)
	}
	switch st := proc.State().(type) {
	case StateWaitingInput:
		s.publishProcessState(proc, st)
	case StateTerminated:
		proc.Abort()
		s.removeProcess(proc)
	}
}

// onProcessEvent translates local process events onto the bus.
func (s *Supervisor) onProcessEvent(proc *Process, evt ProcessEvent) {
	switch evt.Type {
	case ProcessEventComplete:
		proc.Abort()
		s.removeProcess(proc)

	case ProcessEventStateChange:
		if _, terminated := evt.State.(StateTerminated); terminated {
			// Self-termination frees the slot the same way completion does.
			proc.Abort()
			s.removeProcess(proc)
			return
		}
		s.publishProcessState(proc, evt.State)

	case ProcessEventModeChange:
		sessionID := proc.SessionID()
		s.bus.Publish(&events.SessionStatusChanged{
			SessionID: sessionID,
			ProjectID: proc.ProjectID(),
			Ownership: events.SelfOwnership(proc.ID(), evt.Mode, evt.ModeVersion),
		})
		if s.cfg.Prefs != nil {
			if err := s.cfg.Prefs.SavePermissionMode(sessionID, evt.Mode); err != nil {
				log.Warn().Err(err).Str("sessionId", sessionID).Msg("failed to persist permission mode")
			}
		}

	case ProcessEventMessage:
		msg := evt.Message
		if msg != nil && msg.Type == agent.MessageTypeSystem && msg.Subtype == agent.SystemSubtypeInit && msg.SessionID != "" {
			s.adoptSessionID(proc, msg.SessionID)
		}
	}
}

// publishProcessState emits running/waiting-input transitions. Idle and
// terminated are reported through ownership changes instead.
func (s *Supervisor) publishProcessState(proc *Process, state ProcessState) {
	evt := &events.ProcessStateChanged{
		SessionID: proc.SessionID(),
		ProjectID: proc.ProjectID(),
		ProcessID: proc.ID(),
	}
	switch st := state.(type) {
	case StateRunning:
		evt.State = string(StateTagRunning)
	case StateWaitingInput:
		evt.State = string(StateTagWaitingInput)
		evt.RequestID = st.Request.ID
	default:
		return
	}
	s.bus.Publish(evt)
}

// adoptSessionID re-keys the session map when the runtime reports the
// authoritative id for a provisionally registered process.
func (s *Supervisor) adoptSessionID(proc *Process, sessionID string) {
	s.mu.Lock()
	changed := false
	for sid, pid := range s.sessionToProcess {
		if pid == proc.ID() && sid != sessionID {
			delete(s.sessionToProcess, sid)
			changed = true
		}
	}
	if _, ok := s.sessionToProcess[sessionID]; !ok {
		s.sessionToProcess[sessionID] = proc.ID()
		changed = true
	}
	s.everOwned[sessionID] = struct{}{}
	s.mu.Unlock()

	if changed {
		mode, version := proc.Mode()
		s.bus.Publish(&events.SessionStatusChanged{
			SessionID: sessionID,
			ProjectID: proc.ProjectID(),
			Ownership: events.SelfOwnership(proc.ID(), mode, version),
		})
	}
}

// removeProcess unregisters a process, emits the ownership release and
// drains the queue into the freed slot. Idempotent.
func (s *Supervisor) removeProcess(proc *Process) {
	s.mu.Lock()
	if _, ok := s.processes[proc.ID()]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.processes, proc.ID())
	var sessionIDs []string
	for sid, pid := range s.sessionToProcess {
		if pid == proc.ID() {
			sessionIDs = append(sessionIDs, sid)
		}
	}
	for _, sid := range sessionIDs {
		delete(s.sessionToProcess, sid)
	}
	unsub := s.unsubs[proc.ID()]
	delete(s.unsubs, proc.ID())
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	for _, sid := range sessionIDs {
		s.bus.Publish(&events.SessionStatusChanged{
			SessionID: sid,
			ProjectID: proc.ProjectID(),
			Ownership: events.NoOwnership(),
		})
	}
	s.publishActivity()

	go s.drainQueue()
}

// drainQueue starts queued requests while capacity allows.
func (s *Supervisor) drainQueue() {
	s.admitMu.Lock()
	defer s.admitMu.Unlock()

	for {
		if s.atCapacity() || s.queue.Len() == 0 {
			return
		}
		entry := s.queue.Dequeue()
		if entry == nil {
			return
		}

		res, err := s.startRequest(entry)
		if err != nil {
			log.Warn().Err(err).Str("queueId", entry.ID).Msg("queued request failed to start")
			entry.ResolveCancelled(err.Error())
			s.bus.Publish(&events.QueueRequestRemoved{
				QueueID:   entry.ID,
				SessionID: entry.SessionID,
				ProjectID: entry.ProjectID,
				Reason:    OutcomeCancelled,
			})
			continue
		}

		s.bus.Publish(&events.QueueRequestRemoved{
			QueueID:   entry.ID,
			SessionID: entry.SessionID,
			ProjectID: entry.ProjectID,
			Reason:    OutcomeStarted,
		})
		entry.ResolveStarted(res.Process.ID())
	}
}

// AbortProcess aborts the process with the given id.
func (s *Supervisor) AbortProcess(processID string) error {
	s.mu.Lock()
	proc, ok := s.processes[processID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrProcessNotFound, processID)
	}
	s.abortProcess(proc)
	return nil
}

// AbortSession aborts the live process owning the session.
func (s *Supervisor) AbortSession(sessionID string) error {
	s.mu.Lock()
	pid, ok := s.sessionToProcess[sessionID]
	var proc *Process
	if ok {
		proc = s.processes[pid]
	}
	s.mu.Unlock()
	if proc == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	s.abortProcess(proc)
	return nil
}

// abortProcess emits session-aborted before the abort itself, giving the
// external tracker time to arm its grace window before termination writes
// reach disk.
func (s *Supervisor) abortProcess(proc *Process) {
	s.bus.Publish(&events.SessionAborted{
		SessionID: proc.SessionID(),
		ProjectID: proc.ProjectID(),
		ProcessID: proc.ID(),
	})
	proc.Abort()
	s.removeProcess(proc)
}

// OwnsSession reports whether a live (non-terminated) process is registered
// for the session.
func (s *Supervisor) OwnsSession(sessionID string) bool {
	s.mu.Lock()
	pid, ok := s.sessionToProcess[sessionID]
	var proc *Process
	if ok {
		proc = s.processes[pid]
	}
	s.mu.Unlock()
	return proc != nil && proc.State().Tag() != StateTagTerminated
}

// EverOwned reports whether this supervisor has owned the session at any
// point in its lifetime.
func (s *Supervisor) EverOwned(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.everOwned[sessionID]
	return ok
}

// ProcessByID returns the registered process with the given id.
func (s *Supervisor) ProcessByID(processID string) (*Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	proc, ok := s.processes[processID]
	return proc, ok
}

// ProcessBySession returns the registered process owning the session.
func (s *Supervisor) ProcessBySession(sessionID string) (*Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pid, ok := s.sessionToProcess[sessionID]
	if !ok {
		return nil, false
	}
	proc, ok := s.processes[pid]
	return proc, ok
}

// Processes returns a snapshot of all registered processes.
func (s *Supervisor) Processes() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	procs := make([]*Process, 0, len(s.processes))
	for _, p := range s.processes {
		procs = append(procs, p)
	}
	return procs
}

// Shutdown aborts every live process and cancels all queued requests.
func (s *Supervisor) Shutdown() {
	for {
		entry := s.queue.Dequeue()
		if entry == nil {
			break
		}
		entry.ResolveCancelled("shutting down")
		s.bus.Publish(&events.QueueRequestRemoved{
			QueueID:   entry.ID,
			SessionID: entry.SessionID,
			ProjectID: entry.ProjectID,
			Reason:    OutcomeCancelled,
		})
	}
	for _, proc := range s.Processes() {
		s.abortProcess(proc)
	}
}

// publishActivity emits the worker activity summary.
func (s *Supervisor) publishActivity() {
	active := s.liveCount()
	queued := s.queue.Len()
	s.bus.Publish(&events.WorkerActivityChanged{
		ActiveWorkers: active,
		QueueLength:   queued,
		HasActiveWork: active > 0 || queued > 0,
	})
}

// processHolder breaks the construction cycle between a Process and the
// runtime's approval callback: the callback closes over the holder, which
// is populated right after the Process is built.
type processHolder struct {
	mu    sync.Mutex
	proc  *Process
	ready chan struct{}
}

func newProcessHolder() *processHolder {
	return &processHolder{ready: make(chan struct{})}
}

func (h *processHolder) set(p *Process) {
	h.mu.Lock()
	h.proc = p
	h.mu.Unlock()
	close(h.ready)
}

func (h *processHolder) handleToolApproval(ctx context.Context, toolName string, input map[string]any) (agent.ApprovalResult, error) {
	select {
	case <-h.ready:
	case <-ctx.Done():
		return agent.ApprovalResult{Behavior: agent.BehaviorDeny, Message: "Request cancelled", Interrupt: true}, ctx.Err()
	}
	h.mu.Lock()
	proc := h.proc
	h.mu.Unlock()
	return proc.HandleToolApproval(ctx, toolName, input)
}
