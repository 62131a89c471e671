package supervisor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaoyuanzhu-com/agent-hub/agent"
	"github.com/xiaoyuanzhu-com/agent-hub/events"
)

// busRecorder captures bus events for assertions.
type busRecorder struct {
	mu   sync.Mutex
	evts []events.Event
}

func recordBus(bus *events.Bus) *busRecorder {
	r := &busRecorder{}
	bus.Subscribe(func(e events.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.evts = append(r.evts, e)
	})
	return r
}

func (r *busRecorder) snapshot() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.evts...)
}

func (r *busRecorder) ofKind(kind events.Kind) []events.Event {
	var out []events.Event
	for _, e := range r.snapshot() {
		if e.EventKind() == kind {
			out = append(out, e)
		}
	}
	return out
}

// echoScript answers every user message with one assistant turn. Sessions
// adopt the resume id or a fresh one.
func echoScript(fixedID string) agent.MockScript {
	return func(s *agent.MockSession) {
		id := s.Opts.ResumeSessionID
		if id == "" {
			id = fixedID
		}
		if id == "" {
			id = uuid.New().String()
		}
		s.EmitInit(id)
		for {
			if _, err := s.NextUserMessage(); err != nil {
				return
			}
			s.EmitAssistant(id, "ok")
			s.EmitResult()
		}
	}
}

// busyScript starts a turn and never finishes it.
func busyScript() agent.MockScript {
	return func(s *agent.MockSession) {
		id := s.Opts.ResumeSessionID
		if id == "" {
			id = uuid.New().String()
		}
		s.EmitInit(id)
		for {
			if _, err := s.NextUserMessage(); err != nil {
				return
			}
		}
	}
}

func newTestSupervisor(t *testing.T, cfg Config, script agent.MockScript) (*Supervisor, *events.Bus, *busRecorder) {
	t.Helper()
	bus := events.NewBus()
	rec := recordBus(bus)
	cfg.Bus = bus
	cfg.Runtime = &agent.MockRuntime{Script: script}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = time.Minute
	}
	s := New(cfg)
	t.Cleanup(s.Shutdown)
	return s, bus, rec
}

func waitProcState(t *testing.T, p *Process, tag StateTag) {
	t.Helper()
	require.Eventually(t, func() bool {
		return p.State().Tag() == tag
	}, time.Second, 2*time.Millisecond)
}

// Basic start and resume into a live process.
func TestStartAndResumeLiveProcess(t *testing.T) {
	s, _, rec := newTestSupervisor(t, Config{}, echoScript("abc"))

	res, err := s.StartSession("/p", "hi", nil, "")
	require.NoError(t, err)
	require.NotNil(t, res.Process)
	proc := res.Process

	require.Eventually(t, func() bool {
		_, ok := s.ProcessBySession("abc")
		return ok
	}, time.Second, 2*time.Millisecond)
	waitProcState(t, proc, StateTagIdle)

	// Registration event ordering: created, then status, then state.
	kinds := []events.Kind{}
	for _, e := range rec.snapshot() {
		kinds = append(kinds, e.EventKind())
	}
	require.NotEmpty(t, kinds)
	assert.Equal(t, events.KindSessionCreated, kinds[0])
	assert.Equal(t, events.KindSessionStatusChanged, kinds[1])
	assert.Equal(t, events.KindProcessStateChanged, kinds[2])
	assert.Equal(t, events.KindWorkerActivityChanged, kinds[3])

	resumed, err := s.ResumeSession("abc", "/p", "again", nil, "")
	require.NoError(t, err)
	require.Same(t, proc, resumed.Process, "resume reuses the live process")
	waitProcState(t, proc, StateTagRunning)
	waitProcState(t, proc, StateTagIdle)

	assert.Len(t, s.Processes(), 1)
	owned, ok := s.ProcessBySession("abc")
	require.True(t, ok)
	assert.Same(t, proc, owned)
}

// At capacity, the longest-idle process is preempted.
func TestPreemptionOfLongestIdle(t *testing.T) {
	s, _, _ := newTestSupervisor(t, Config{
		MaxWorkers:           2,
		IdlePreemptThreshold: 100 * time.Millisecond,
	}, echoScript(""))

	resA, err := s.StartSession("/a", "hello a", nil, "")
	require.NoError(t, err)
	waitProcState(t, resA.Process, StateTagIdle)

	time.Sleep(20 * time.Millisecond)

	resB, err := s.StartSession("/b", "hello b", nil, "")
	require.NoError(t, err)
	waitProcState(t, resB.Process, StateTagIdle)

	time.Sleep(120 * time.Millisecond)

	resC, err := s.StartSession("/c", "hello c", nil, "")
	require.NoError(t, err)
	require.NotNil(t, resC.Process, "C starts immediately via preemption")

	// A idled first, so A is the victim.
	assert.Equal(t, StateTagTerminated, resA.Process.State().Tag())
	assert.NotEqual(t, StateTagTerminated, resB.Process.State().Tag())
	assert.LessOrEqual(t, s.liveCount(), 2)
}

func TestNoPreemptionBelowThreshold(t *testing.T) {
	s, _, _ := newTestSupervisor(t, Config{
		MaxWorkers:           1,
		IdlePreemptThreshold: time.Hour,
	}, echoScript(""))

	resA, err := s.StartSession("/a", "hello", nil, "")
	require.NoError(t, err)
	waitProcState(t, resA.Process, StateTagIdle)

	resB, err := s.StartSession("/b", "hello", nil, "")
	require.NoError(t, err)
	assert.True(t, resB.Queued, "young idle processes are not preempted")
}

// Capacity with queueing, cancellation and draining.
func TestQueueingCancelAndDrain(t *testing.T) {
	s, _, rec := newTestSupervisor(t, Config{MaxWorkers: 2}, busyScript())

	resA, err := s.StartSession("/a", "work a", nil, "")
	require.NoError(t, err)
	resB, err := s.StartSession("/b", "work b", nil, "")
	require.NoError(t, err)
	waitProcState(t, resA.Process, StateTagRunning)
	waitProcState(t, resB.Process, StateTagRunning)

	resC, err := s.StartSession("/c", "work c", nil, "")
	require.NoError(t, err)
	require.True(t, resC.Queued)
	assert.Equal(t, 1, resC.Position)

	resD, err := s.StartSession("/d", "work d", nil, "")
	require.NoError(t, err)
	require.True(t, resD.Queued)
	assert.Equal(t, 2, resD.Position)

	require.True(t, s.Queue().Cancel(resC.QueueID))

	select {
	case out := <-resC.Outcome:
		assert.False(t, out.Started)
		assert.Equal(t, OutcomeCancelled, out.Reason)
	case <-time.After(time.Second):
		t.Fatal("cancelled entry did not resolve")
	}

	removed := rec.ofKind(events.KindQueueRequestRemoved)
	require.NotEmpty(t, removed)
	assert.Equal(t, OutcomeCancelled, removed[0].(*events.QueueRequestRemoved).Reason)

	pos, ok := s.Queue().Position(resD.QueueID)
	require.True(t, ok)
	assert.Equal(t, 1, pos, "D moves up after C is cancelled")

	// Free a slot; D must start.
	require.NoError(t, s.AbortProcess(resA.Process.ID()))

	select {
	case out := <-resD.Outcome:
		assert.True(t, out.Started)
		assert.NotEmpty(t, out.ProcessID)
	case <-time.After(time.Second):
		t.Fatal("queued entry did not start after a slot freed")
	}
}

// A process that dies on its own frees the slot like an explicit abort:
// unregistration, ownership release, and a queue drain.
func TestFatalStreamErrorFreesSlotAndDrainsQueue(t *testing.T) {
	runtime := &agent.MockRuntime{Script: busyScript()}
	bus := events.NewBus()
	rec := recordBus(bus)
	s := New(Config{Runtime: runtime, Bus: bus, MaxWorkers: 1, IdleTimeout: time.Minute})
	t.Cleanup(s.Shutdown)

	resA, err := s.StartSession("/a", "work a", nil, "")
	require.NoError(t, err)
	procA := resA.Process
	waitProcState(t, procA, StateTagRunning)

	resB, err := s.StartSession("/b", "work b", nil, "")
	require.NoError(t, err)
	require.True(t, resB.Queued)

	// The subprocess dies underneath the supervisor.
	sessions := runtime.Sessions()
	require.Len(t, sessions, 1)
	sessions[0].Fail(fmt.Errorf("read stdout: %w", agent.ErrTransportClosed))
	waitProcState(t, procA, StateTagTerminated)

	select {
	case out := <-resB.Outcome:
		assert.True(t, out.Started)
		assert.NotEmpty(t, out.ProcessID)
	case <-time.After(time.Second):
		t.Fatal("queued entry did not start after the fatal termination")
	}

	_, ok := s.ProcessByID(procA.ID())
	assert.False(t, ok, "dead process is unregistered")

	sessionA := procA.SessionID()
	assert.False(t, s.OwnsSession(sessionA))
	require.Eventually(t, func() bool {
		for _, e := range rec.snapshot() {
			if evt, ok := e.(*events.SessionStatusChanged); ok &&
				evt.SessionID == sessionA && evt.Ownership.Kind == "none" {
				return true
			}
		}
		return false
	}, time.Second, 2*time.Millisecond, "ownership release for the dead session")
}

func TestQueueFull(t *testing.T) {
	s, _, _ := newTestSupervisor(t, Config{MaxWorkers: 1, QueueMaxLength: 1}, busyScript())

	_, err := s.StartSession("/a", "work", nil, "")
	require.NoError(t, err)
	res, err := s.StartSession("/b", "work", nil, "")
	require.NoError(t, err)
	require.True(t, res.Queued)

	_, err = s.StartSession("/c", "work", nil, "")
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestMaxWorkersZeroDisablesAdmissionControl(t *testing.T) {
	s, _, _ := newTestSupervisor(t, Config{MaxWorkers: 0}, busyScript())

	for i := 0; i < 5; i++ {
		res, err := s.StartSession(fmt.Sprintf("/p%d", i), "go", nil, "")
		require.NoError(t, err)
		require.NotNil(t, res.Process)
	}
	assert.Equal(t, 5, s.liveCount())
	assert.Zero(t, s.Queue().Len())
}

func TestResumeConsolidationInQueue(t *testing.T) {
	s, _, _ := newTestSupervisor(t, Config{MaxWorkers: 1}, busyScript())

	_, err := s.StartSession("/a", "work", nil, "")
	require.NoError(t, err)

	first, err := s.ResumeSession("s-queued", "/b", "msg one", nil, "")
	require.NoError(t, err)
	require.True(t, first.Queued)

	second, err := s.ResumeSession("s-queued", "/b", "msg two", nil, "")
	require.NoError(t, err)
	require.True(t, second.Queued)
	assert.Equal(t, first.QueueID, second.QueueID, "one queue entry per session")
	assert.Equal(t, first.Position, second.Position)
	assert.Equal(t, 1, s.Queue().Len())
}

// Racing resumes for one session must collapse onto a single queue entry.
func TestConcurrentResumeConsolidation(t *testing.T) {
	s, _, _ := newTestSupervisor(t, Config{MaxWorkers: 1}, busyScript())

	_, err := s.StartSession("/a", "work", nil, "")
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	results := make([]StartResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.ResumeSession("s-contended", "/b", "msg", nil, "")
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, s.Queue().Len())
	for _, res := range results {
		require.True(t, res.Queued)
		assert.Equal(t, results[0].QueueID, res.QueueID)
	}
}

func TestResumeUnknownSessionStartsFresh(t *testing.T) {
	s, _, _ := newTestSupervisor(t, Config{}, echoScript(""))

	res, err := s.ResumeSession("previously-on-disk", "/p", "continue", nil, "")
	require.NoError(t, err)
	require.NotNil(t, res.Process)
	assert.Equal(t, "previously-on-disk", res.Process.SessionID())
}

func TestCreateSessionBlocksUntilFirstMessage(t *testing.T) {
	runtime := &agent.MockRuntime{Script: echoScript("fresh")}
	bus := events.NewBus()
	s := New(Config{Runtime: runtime, Bus: bus, IdleTimeout: time.Minute})
	t.Cleanup(s.Shutdown)

	res, err := s.CreateSession("/p", "")
	require.NoError(t, err)
	proc := res.Process
	require.NotNil(t, proc)
	for _, msg := range proc.History() {
		assert.NotEqual(t, agent.MessageTypeUser, msg.Type, "no user turn before the first QueueMessage")
	}

	out := proc.QueueMessage("first words", nil)
	require.True(t, out.Success)
	waitProcState(t, proc, StateTagIdle)
}

func TestAbortEmitsSessionAbortedBeforeStatusChange(t *testing.T) {
	s, _, rec := newTestSupervisor(t, Config{}, busyScript())

	res, err := s.StartSession("/p", "work", nil, "")
	require.NoError(t, err)
	proc := res.Process

	require.NoError(t, s.AbortProcess(proc.ID()))

	var abortedAt, releasedAt = -1, -1
	for i, e := range rec.snapshot() {
		switch evt := e.(type) {
		case *events.SessionAborted:
			abortedAt = i
		case *events.SessionStatusChanged:
			if evt.Ownership.Kind == "none" {
				releasedAt = i
			}
		}
	}
	require.GreaterOrEqual(t, abortedAt, 0)
	require.GreaterOrEqual(t, releasedAt, 0)
	assert.Less(t, abortedAt, releasedAt, "session-aborted precedes the ownership release")

	assert.False(t, s.OwnsSession(proc.SessionID()))
	_, ok := s.ProcessByID(proc.ID())
	assert.False(t, ok)
}

func TestAbortUnknownProcess(t *testing.T) {
	s, _, _ := newTestSupervisor(t, Config{}, echoScript(""))
	assert.ErrorIs(t, s.AbortProcess("nope"), ErrProcessNotFound)
	assert.ErrorIs(t, s.AbortSession("nope"), ErrSessionNotFound)
}

func TestEverOwnedSurvivesUnregistration(t *testing.T) {
	s, _, _ := newTestSupervisor(t, Config{}, echoScript("owned-once"))

	res, err := s.StartSession("/p", "hi", nil, "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return s.EverOwned("owned-once")
	}, time.Second, 2*time.Millisecond)

	require.NoError(t, s.AbortProcess(res.Process.ID()))
	assert.False(t, s.OwnsSession("owned-once"))
	assert.True(t, s.EverOwned("owned-once"))
}

func TestStartupFailureTranslated(t *testing.T) {
	bus := events.NewBus()
	s := New(Config{
		Runtime:     failingRuntime{err: fmt.Errorf("%w: %q", agent.ErrExecutableNotFound, "claude")},
		Bus:         bus,
		AgentBinary: "claude",
	})

	_, err := s.StartSession("/p", "hi", nil, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, agent.ErrExecutableNotFound)
	assert.Contains(t, err.Error(), "not found")
}

type failingRuntime struct{ err error }

func (r failingRuntime) StartSession(context.Context, agent.StartOptions) (*agent.Stream, error) {
	return nil, r.err
}

func TestModeChangePersistsPreference(t *testing.T) {
	prefs := &memPrefs{modes: map[string]agent.PermissionMode{}}
	s, _, _ := newTestSupervisor(t, Config{Prefs: prefs}, echoScript("pref-session"))

	res, err := s.StartSession("/p", "hi", nil, "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return res.Process.SessionID() == "pref-session"
	}, time.Second, 2*time.Millisecond)

	res.Process.SetPermissionMode(agent.PermissionModeAcceptEdits)
	require.Eventually(t, func() bool {
		mode, ok := prefs.get("pref-session")
		return ok && mode == agent.PermissionModeAcceptEdits
	}, time.Second, 2*time.Millisecond)
}

func TestResumeUsesPersistedMode(t *testing.T) {
	prefs := &memPrefs{modes: map[string]agent.PermissionMode{"old-session": agent.PermissionModePlan}}
	s, _, _ := newTestSupervisor(t, Config{Prefs: prefs}, echoScript(""))

	res, err := s.ResumeSession("old-session", "/p", "back again", nil, "")
	require.NoError(t, err)
	mode, _ := res.Process.Mode()
	assert.Equal(t, agent.PermissionModePlan, mode)
}

type memPrefs struct {
	mu    sync.Mutex
	modes map[string]agent.PermissionMode
}

func (m *memPrefs) PermissionMode(sessionID string) (agent.PermissionMode, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mode, ok := m.modes[sessionID]
	return mode, ok, nil
}

func (m *memPrefs) SavePermissionMode(sessionID string, mode agent.PermissionMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modes[sessionID] = mode
	return nil
}

func (m *memPrefs) get(sessionID string) (agent.PermissionMode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mode, ok := m.modes[sessionID]
	return mode, ok
}
