package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaoyuanzhu-com/agent-hub/agent"
)

// testStream is a hand-driven agent stream for exercising a Process.
type testStream struct {
	msgs    chan agent.Message
	errs    chan error
	queue   *agent.MessageQueue
	aborts  int
	abortMu sync.Mutex
}

func newTestStream() (*testStream, *agent.Stream) {
	ts := &testStream{
		msgs:  make(chan agent.Message, 16),
		errs:  make(chan error, 16),
		queue: agent.NewMessageQueue(),
	}
	return ts, &agent.Stream{
		Messages: ts.msgs,
		Errors:   ts.errs,
		Queue:    ts.queue,
		Abort: func() {
			ts.abortMu.Lock()
			ts.aborts++
			ts.abortMu.Unlock()
		},
	}
}

func (ts *testStream) abortCount() int {
	ts.abortMu.Lock()
	defer ts.abortMu.Unlock()
	return ts.aborts
}

func (ts *testStream) emitInit(sessionID string) {
	ts.msgs <- agent.Message{Type: agent.MessageTypeSystem, Subtype: agent.SystemSubtypeInit, UUID: "init-1", SessionID: sessionID}
}

func (ts *testStream) emitResult() {
	ts.msgs <- agent.Message{Type: agent.MessageTypeResult, UUID: "result-1"}
}

func (ts *testStream) end() {
	close(ts.msgs)
	close(ts.errs)
}

// eventRecorder collects process events.
type eventRecorder struct {
	mu   sync.Mutex
	evts []ProcessEvent
}

func (r *eventRecorder) record(evt ProcessEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evts = append(r.evts, evt)
}

func (r *eventRecorder) snapshot() []ProcessEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ProcessEvent(nil), r.evts...)
}

func (r *eventRecorder) count(typ ProcessEventType) int {
	n := 0
	for _, evt := range r.snapshot() {
		if evt.Type == typ {
			n++
		}
	}
	return n
}

func newTestProcess(t *testing.T, cfg ProcessConfig) (*Process, *testStream) {
	t.Helper()
	ts, stream := newTestStream()
	cfg.Stream = stream
	if cfg.SessionID == "" {
		cfg.SessionID = "provisional-1"
	}
	if cfg.ProjectID == "" {
		cfg.ProjectID = EncodeProjectID("/p")
		cfg.ProjectPath = "/p"
	}
	p := NewProcess(cfg)
	t.Cleanup(p.Abort)
	return p, ts
}

func waitForState(t *testing.T, p *Process, tag StateTag) {
	t.Helper()
	require.Eventually(t, func() bool {
		return p.State().Tag() == tag
	}, time.Second, 2*time.Millisecond, "expected state %s, got %s", tag, p.State().Tag())
}

func TestProcessAdoptsSessionIDFromInit(t *testing.T) {
	p, ts := newTestProcess(t, ProcessConfig{})
	ts.emitInit("abc")

	got := p.WaitForSessionID(time.Second)
	assert.Equal(t, "abc", got)
	assert.Equal(t, "abc", p.SessionID())
}

func TestWaitForSessionIDFallsBackToProvisional(t *testing.T) {
	p, _ := newTestProcess(t, ProcessConfig{SessionID: "prov-7"})

	got := p.WaitForSessionID(30 * time.Millisecond)
	assert.Equal(t, "prov-7", got)
}

func TestResultTransitionsToIdle(t *testing.T) {
	p, ts := newTestProcess(t, ProcessConfig{})
	assert.Equal(t, StateTagRunning, p.State().Tag())

	ts.emitResult()
	waitForState(t, p, StateTagIdle)
}

func TestQueueMessageEchoesHistoryAndPushes(t *testing.T) {
	p, ts := newTestProcess(t, ProcessConfig{})

	res := p.QueueMessage("hello", nil)
	require.True(t, res.Success)
	require.NotEmpty(t, res.MessageID)

	history := p.History()
	require.Len(t, history, 1)
	assert.Equal(t, agent.MessageTypeUser, history[0].Type)
	assert.Equal(t, res.MessageID, history[0].UUID, "history echo uses the id the runtime will log")
	assert.Equal(t, "hello", history[0].Text)

	msg, err := ts.queue.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, res.MessageID, msg.UUID)
	assert.Equal(t, "hello", msg.Text)
}

func TestQueueMessageRendersAttachments(t *testing.T) {
	p, ts := newTestProcess(t, ProcessConfig{})

	res := p.QueueMessage("see attached", []agent.Attachment{{Name: "notes.txt", MediaType: "text/plain"}})
	require.True(t, res.Success)

	msg, err := ts.queue.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "see attached\n[attachment: notes.txt (text/plain)]", msg.Text)
	assert.Equal(t, msg.Text, p.History()[0].Text, "history matches the pushed rendering")
}

func TestQueueMessageEmptyTextAccepted(t *testing.T) {
	p, _ := newTestProcess(t, ProcessConfig{})
	res := p.QueueMessage("", nil)
	assert.True(t, res.Success)
}

func TestQueueMessageOnIdleResumesRunning(t *testing.T) {
	p, ts := newTestProcess(t, ProcessConfig{})
	ts.emitResult()
	waitForState(t, p, StateTagIdle)

	res := p.QueueMessage("more", nil)
	require.True(t, res.Success)
	assert.Equal(t, StateTagRunning, p.State().Tag())
}

func TestQueueMessageAfterTerminationFails(t *testing.T) {
	p, ts := newTestProcess(t, ProcessConfig{})
	ts.errs <- fmt.Errorf("wrapped: %w", agent.ErrTransportClosed)
	waitForState(t, p, StateTagTerminated)

	res := p.QueueMessage("too late", nil)
	assert.False(t, res.Success)
	assert.Equal(t, agent.ReasonTransportClosed, res.Reason)
	assert.Empty(t, p.History(), "terminated process does not record messages")
}

func TestStreamDoneTransitionsToIdle(t *testing.T) {
	p, ts := newTestProcess(t, ProcessConfig{})
	ts.end()
	waitForState(t, p, StateTagIdle)
}

func TestStreamDoneWhileWaitingInputStaysWaiting(t *testing.T) {
	p, ts := newTestProcess(t, ProcessConfig{Mode: agent.PermissionModeDefault})

	go p.HandleToolApproval(context.Background(), "Bash", map[string]any{"command": "ls"})
	waitForState(t, p, StateTagWaitingInput)

	ts.end()

	// The done signal must not pull a waiting-input process to idle.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateTagWaitingInput, p.State().Tag())
}

func TestRecoverableStreamErrorEmitsErrorAndIdles(t *testing.T) {
	p, ts := newTestProcess(t, ProcessConfig{})
	rec := &eventRecorder{}
	p.Subscribe(rec.record)

	ts.errs <- errors.New("rate limited, retrying")
	waitForState(t, p, StateTagIdle)
	assert.Equal(t, 1, rec.count(ProcessEventError))
}

func TestTerminationResolvesPendingApprovals(t *testing.T) {
	p, ts := newTestProcess(t, ProcessConfig{})

	results := make(chan agent.ApprovalResult, 1)
	go func() {
		res, _ := p.HandleToolApproval(context.Background(), "Bash", nil)
		results <- res
	}()
	waitForState(t, p, StateTagWaitingInput)

	ts.errs <- fmt.Errorf("agent process exited: %w", agent.ErrProcessKilled)

	select {
	case res := <-results:
		assert.Equal(t, agent.BehaviorDeny, res.Behavior)
		assert.True(t, res.Interrupt)
		assert.Contains(t, res.Message, "Process terminated")
	case <-time.After(time.Second):
		t.Fatal("approval caller was not resumed on termination")
	}
}

func TestAbortIsIdempotent(t *testing.T) {
	p, ts := newTestProcess(t, ProcessConfig{})
	rec := &eventRecorder{}
	p.Subscribe(rec.record)

	results := make(chan agent.ApprovalResult, 1)
	go func() {
		res, _ := p.HandleToolApproval(context.Background(), "Bash", nil)
		results <- res
	}()
	waitForState(t, p, StateTagWaitingInput)

	p.Abort()
	p.Abort()
	p.Abort()

	assert.Equal(t, 1, ts.abortCount(), "stream abort runs once")
	assert.Equal(t, 1, rec.count(ProcessEventComplete), "complete emitted once")

	res := <-results
	assert.Equal(t, agent.BehaviorDeny, res.Behavior)
	assert.True(t, res.Interrupt)

	out := p.QueueMessage("after abort", nil)
	assert.False(t, out.Success)
	assert.Equal(t, agent.ReasonAborted, out.Reason)
}

// Per-mode tool gating.
func TestToolApprovalModePolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("plan mode auto-allows read-only tools", func(t *testing.T) {
		p, _ := newTestProcess(t, ProcessConfig{Mode: agent.PermissionModePlan})
		res, err := p.HandleToolApproval(ctx, "Read", map[string]any{"path": "/a"})
		require.NoError(t, err)
		assert.Equal(t, agent.BehaviorAllow, res.Behavior)
		_, pendingExists := p.PendingInputRequest()
		assert.False(t, pendingExists)
	})

	t.Run("plan mode allows writes into the plans directory", func(t *testing.T) {
		p, _ := newTestProcess(t, ProcessConfig{Mode: agent.PermissionModePlan})
		res, err := p.HandleToolApproval(ctx, "Write", map[string]any{"file_path": "/p/.claude/plans/plan.md"})
		require.NoError(t, err)
		assert.Equal(t, agent.BehaviorAllow, res.Behavior)
	})

	t.Run("plan mode prompts for other writes", func(t *testing.T) {
		p, _ := newTestProcess(t, ProcessConfig{Mode: agent.PermissionModePlan})
		results := make(chan agent.ApprovalResult, 1)
		go func() {
			res, _ := p.HandleToolApproval(ctx, "Write", map[string]any{"file_path": "/a"})
			results <- res
		}()
		waitForState(t, p, StateTagWaitingInput)

		req, ok := p.PendingInputRequest()
		require.True(t, ok)
		require.True(t, p.RespondToInput(req.ID, true, nil, ""))
		res := <-results
		assert.Equal(t, agent.BehaviorAllow, res.Behavior)
	})

	t.Run("acceptEdits auto-allows edit tools", func(t *testing.T) {
		p, _ := newTestProcess(t, ProcessConfig{Mode: agent.PermissionModeAcceptEdits})
		res, err := p.HandleToolApproval(ctx, "Write", map[string]any{"file_path": "/a"})
		require.NoError(t, err)
		assert.Equal(t, agent.BehaviorAllow, res.Behavior)
	})

	t.Run("bypassPermissions allows everything", func(t *testing.T) {
		p, _ := newTestProcess(t, ProcessConfig{Mode: agent.PermissionModeBypassPermissions})
		res, err := p.HandleToolApproval(ctx, "Bash", map[string]any{"command": "rm -rf /"})
		require.NoError(t, err)
		assert.Equal(t, agent.BehaviorAllow, res.Behavior)
	})

	t.Run("default prompts for any tool", func(t *testing.T) {
		p, _ := newTestProcess(t, ProcessConfig{Mode: agent.PermissionModeDefault})
		go p.HandleToolApproval(ctx, "Read", map[string]any{"path": "/a"})
		waitForState(t, p, StateTagWaitingInput)
	})
}

// Two approvals back to back.
func TestConcurrentApprovals(t *testing.T) {
	p, _ := newTestProcess(t, ProcessConfig{Mode: agent.PermissionModeDefault})
	ctx := context.Background()

	first := make(chan agent.ApprovalResult, 1)
	go func() {
		res, _ := p.HandleToolApproval(ctx, "Bash", map[string]any{"command": "ls"})
		first <- res
	}()
	waitForState(t, p, StateTagWaitingInput)

	second := make(chan agent.ApprovalResult, 1)
	go func() {
		res, _ := p.HandleToolApproval(ctx, "Write", map[string]any{"file_path": "/b"})
		second <- res
	}()
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.pendingOrder) == 2
	}, time.Second, 2*time.Millisecond)

	req, ok := p.PendingInputRequest()
	require.True(t, ok)
	assert.Equal(t, "Bash", req.ToolName, "head of the pending queue is shown first")

	// Deny without feedback: generic message plus interrupt.
	require.True(t, p.RespondToInput(req.ID, false, nil, ""))
	res := <-first
	assert.Equal(t, agent.BehaviorDeny, res.Behavior)
	assert.True(t, res.Interrupt)
	assert.Equal(t, "User denied permission", res.Message)

	next, ok := p.PendingInputRequest()
	require.True(t, ok)
	assert.Equal(t, "Write", next.ToolName)
	assert.Equal(t, StateTagWaitingInput, p.State().Tag())

	require.True(t, p.RespondToInput(next.ID, true, nil, ""))
	res = <-second
	assert.Equal(t, agent.BehaviorAllow, res.Behavior)
	waitForState(t, p, StateTagRunning)
}

func TestDenyWithFeedbackSkipsInterrupt(t *testing.T) {
	p, _ := newTestProcess(t, ProcessConfig{Mode: agent.PermissionModeDefault})

	results := make(chan agent.ApprovalResult, 1)
	go func() {
		res, _ := p.HandleToolApproval(context.Background(), "Bash", map[string]any{"command": "make deploy"})
		results <- res
	}()
	waitForState(t, p, StateTagWaitingInput)

	req, _ := p.PendingInputRequest()
	require.True(t, p.RespondToInput(req.ID, false, nil, "use the staging target instead"))

	res := <-results
	assert.Equal(t, agent.BehaviorDeny, res.Behavior)
	assert.False(t, res.Interrupt, "feedback lets the agent retry")
	assert.Equal(t, "use the staging target instead", res.Message)
}

func TestApproveMergesAnswersIntoInput(t *testing.T) {
	p, _ := newTestProcess(t, ProcessConfig{Mode: agent.PermissionModeDefault})

	input := map[string]any{"questions": []any{"pick one"}}
	results := make(chan agent.ApprovalResult, 1)
	go func() {
		res, _ := p.HandleToolApproval(context.Background(), toolAskUserQuestion, input)
		results <- res
	}()
	waitForState(t, p, StateTagWaitingInput)

	req, _ := p.PendingInputRequest()
	require.True(t, p.RespondToInput(req.ID, true, map[string]any{"answers": []any{"option b"}}, ""))

	res := <-results
	require.Equal(t, agent.BehaviorAllow, res.Behavior)
	require.NotNil(t, res.UpdatedInput)
	assert.Equal(t, []any{"option b"}, res.UpdatedInput["answers"])
	assert.Equal(t, []any{"pick one"}, res.UpdatedInput["questions"], "original input is preserved")
}

func TestImplicitPlanModeSwitches(t *testing.T) {
	p, _ := newTestProcess(t, ProcessConfig{Mode: agent.PermissionModeDefault})

	approve := func(tool string) {
		done := make(chan struct{})
		go func() {
			p.HandleToolApproval(context.Background(), tool, nil)
			close(done)
		}()
		require.Eventually(t, func() bool {
			req, ok := p.PendingInputRequest()
			return ok && req.ToolName == tool
		}, time.Second, 2*time.Millisecond)
		req, _ := p.PendingInputRequest()
		require.True(t, p.RespondToInput(req.ID, true, nil, ""))
		<-done
	}

	approve(toolEnterPlanMode)
	mode, v1 := p.Mode()
	assert.Equal(t, agent.PermissionModePlan, mode)

	approve(toolExitPlanMode)
	mode, v2 := p.Mode()
	assert.Equal(t, agent.PermissionModeDefault, mode)
	assert.Greater(t, v2, v1, "each implicit switch bumps the mode version")
}

func TestDeniedEnterPlanModeKeepsMode(t *testing.T) {
	p, _ := newTestProcess(t, ProcessConfig{Mode: agent.PermissionModeDefault})

	go p.HandleToolApproval(context.Background(), toolEnterPlanMode, nil)
	waitForState(t, p, StateTagWaitingInput)
	req, _ := p.PendingInputRequest()
	require.True(t, p.RespondToInput(req.ID, false, nil, ""))

	mode, _ := p.Mode()
	assert.Equal(t, agent.PermissionModeDefault, mode)
}

func TestRespondToUnknownRequestReturnsFalse(t *testing.T) {
	p, _ := newTestProcess(t, ProcessConfig{})
	assert.False(t, p.RespondToInput("no-such-request", true, nil, ""))
	assert.Equal(t, StateTagRunning, p.State().Tag(), "no state change on invalid id")
}

func TestApprovalCancellationSurfacesNext(t *testing.T) {
	p, _ := newTestProcess(t, ProcessConfig{Mode: agent.PermissionModeDefault})

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan agent.ApprovalResult, 1)
	go func() {
		res, _ := p.HandleToolApproval(ctx, "Bash", nil)
		first <- res
	}()
	waitForState(t, p, StateTagWaitingInput)

	go p.HandleToolApproval(context.Background(), "Write", nil)
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.pendingOrder) == 2
	}, time.Second, 2*time.Millisecond)

	cancel()

	res := <-first
	assert.Equal(t, agent.BehaviorDeny, res.Behavior)
	assert.True(t, res.Interrupt)

	require.Eventually(t, func() bool {
		req, ok := p.PendingInputRequest()
		return ok && req.ToolName == "Write"
	}, time.Second, 2*time.Millisecond, "second approval surfaces after cancellation")
}

func TestLegacyInputRequestRoundTrip(t *testing.T) {
	p, ts := newTestProcess(t, ProcessConfig{})

	ts.msgs <- agent.Message{
		Type:    agent.MessageTypeSystem,
		Subtype: agent.SystemSubtypeInputRequest,
		UUID:    "m1",
		Request: &agent.InlineInputRequest{ID: "req-9", ToolName: "Bash", Input: map[string]any{"command": "ls"}},
	}
	waitForState(t, p, StateTagWaitingInput)

	req, ok := p.PendingInputRequest()
	require.True(t, ok)
	assert.Equal(t, "req-9", req.ID)

	require.True(t, p.RespondToInput("req-9", true, nil, ""))
	waitForState(t, p, StateTagRunning)

	msg, err := ts.queue.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, msg.ControlResponse, "legacy decisions travel back through the write queue")
	assert.Equal(t, "req-9", msg.ControlResponse.RequestID)
	assert.Equal(t, string(agent.BehaviorAllow), msg.ControlResponse.Behavior)
}

func TestIdleTimerFiresCompleteOnce(t *testing.T) {
	p, ts := newTestProcess(t, ProcessConfig{IdleTimeout: 30 * time.Millisecond})
	rec := &eventRecorder{}
	p.Subscribe(rec.record)

	ts.emitResult()
	require.Eventually(t, func() bool {
		return rec.count(ProcessEventComplete) == 1
	}, time.Second, 2*time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, rec.count(ProcessEventComplete))
}

func TestMessageCancelsIdleTimer(t *testing.T) {
	p, ts := newTestProcess(t, ProcessConfig{IdleTimeout: 50 * time.Millisecond})
	rec := &eventRecorder{}
	p.Subscribe(rec.record)

	ts.emitResult()
	waitForState(t, p, StateTagIdle)
	require.True(t, p.QueueMessage("keep alive", nil).Success)

	time.Sleep(120 * time.Millisecond)
	assert.Zero(t, rec.count(ProcessEventComplete), "timer armed while idle must not fire after running resumes")
}

func TestModeVersionIsMonotonic(t *testing.T) {
	p, _ := newTestProcess(t, ProcessConfig{})

	var last int64
	for _, mode := range []agent.PermissionMode{
		agent.PermissionModePlan,
		agent.PermissionModeAcceptEdits,
		agent.PermissionModeDefault,
		agent.PermissionModeBypassPermissions,
	} {
		v := p.SetPermissionMode(mode)
		assert.Greater(t, v, last)
		last = v
	}
}

func TestHistoryIsDefensiveCopy(t *testing.T) {
	p, _ := newTestProcess(t, ProcessConfig{})
	p.QueueMessage("one", nil)

	h := p.History()
	h[0].Text = "mutated"
	assert.Equal(t, "one", p.History()[0].Text)
}

func TestHistoryMatchesEmittedMessages(t *testing.T) {
	p, ts := newTestProcess(t, ProcessConfig{})
	rec := &eventRecorder{}
	p.Subscribe(rec.record)

	p.QueueMessage("first", nil)
	ts.msgs <- agent.Message{Type: agent.MessageTypeAssistant, UUID: "a1", Text: "reply"}
	ts.emitResult()
	waitForState(t, p, StateTagIdle)

	var emitted []string
	for _, evt := range rec.snapshot() {
		if evt.Type == ProcessEventMessage {
			emitted = append(emitted, evt.Message.UUID)
		}
	}
	var stored []string
	for _, msg := range p.History() {
		stored = append(stored, msg.UUID)
	}
	assert.Equal(t, emitted, stored, "late replay equals the live event sequence, ids included")
}
