package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MockScript drives one scripted session. It runs in its own goroutine and
// the session ends when it returns; emit helpers become no-ops after abort.
type MockScript func(s *MockSession)

// MockRuntime is an in-process Runtime for tests and local development.
// Each StartSession runs Script against a fresh MockSession.
type MockRuntime struct {
	// Script drives every session; nil scripts emit an init and idle out
	Script MockScript

	mu       sync.Mutex
	sessions []*MockSession
}

// MockSession gives a script access to one session's channels and options.
type MockSession struct {
	Opts StartOptions

	msgs   chan Message
	errs   chan error
	queue  *MessageQueue
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// StartSession implements Runtime.
func (r *MockRuntime) StartSession(ctx context.Context, opts StartOptions) (*Stream, error) {
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &MockSession{
		Opts:   opts,
		msgs:   make(chan Message, 64),
		errs:   make(chan error, 8),
		queue:  NewMessageQueue(),
		ctx:    sctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if opts.InitialMessage != "" {
		s.queue.Push(UserMessage{UUID: uuid.New().String(), Text: opts.InitialMessage})
	}

	r.mu.Lock()
	r.sessions = append(r.sessions, s)
	script := r.Script
	r.mu.Unlock()

	go func() {
		defer close(s.done)
		defer close(s.msgs)
		defer close(s.errs)
		if script != nil {
			script(s)
			return
		}
		// Default behavior: announce a session id and finish the turn.
		id := opts.ResumeSessionID
		if id == "" {
			id = uuid.New().String()
		}
		s.EmitInit(id)
		s.EmitResult()
	}()

	return &Stream{
		Messages: s.msgs,
		Errors:   s.errs,
		Queue:    s.queue,
		Abort: func() {
			cancel()
			<-s.done
		},
	}, nil
}

// Sessions returns the sessions started so far, for test assertions.
func (r *MockRuntime) Sessions() []*MockSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*MockSession(nil), r.sessions...)
}

// Done reports whether the session has been aborted.
func (s *MockSession) Done() <-chan struct{} { return s.ctx.Done() }

// Emit places a message on the stream; dropped once the session is aborted.
func (s *MockSession) Emit(m Message) {
	if len(m.Raw) == 0 {
		data, err := json.Marshal(m)
		if err == nil {
			m.Raw = data
		}
	}
	select {
	case s.msgs <- m:
	case <-s.ctx.Done():
	}
}

// EmitInit announces the session id, as the CLI does on startup.
func (s *MockSession) EmitInit(sessionID string) {
	s.Emit(Message{
		Type:      MessageTypeSystem,
		Subtype:   SystemSubtypeInit,
		UUID:      uuid.New().String(),
		SessionID: sessionID,
	})
}

// EmitAssistant emits an assistant text message.
func (s *MockSession) EmitAssistant(sessionID, text string) {
	s.Emit(Message{
		Type:      MessageTypeAssistant,
		UUID:      uuid.New().String(),
		SessionID: sessionID,
		Text:      text,
	})
}

// EmitResult ends the current turn.
func (s *MockSession) EmitResult() {
	s.Emit(Message{Type: MessageTypeResult, UUID: uuid.New().String()})
}

// EmitInputRequest emits a legacy inline input request.
func (s *MockSession) EmitInputRequest(id, toolName string, input map[string]any) {
	s.Emit(Message{
		Type:    MessageTypeSystem,
		Subtype: SystemSubtypeInputRequest,
		UUID:    uuid.New().String(),
		Request: &InlineInputRequest{ID: id, ToolName: toolName, Input: input},
	})
}

// Fail places an error on the stream; a fatal signature terminates the
// session from the consumer's point of view.
func (s *MockSession) Fail(err error) {
	select {
	case s.errs <- err:
	case <-s.ctx.Done():
	}
}

// RequestToolApproval asks the configured approval callback, blocking the
// script the way a real tool call blocks the CLI.
func (s *MockSession) RequestToolApproval(toolName string, input map[string]any) (ApprovalResult, error) {
	if s.Opts.OnToolApproval == nil {
		return ApprovalResult{}, fmt.Errorf("request for %s: %w", toolName, ErrNoApprover)
	}
	return s.Opts.OnToolApproval(s.ctx, toolName, input)
}

// NextUserMessage waits for the next queued prompt, also honoring abort.
func (s *MockSession) NextUserMessage() (UserMessage, error) {
	return s.queue.Next(s.ctx)
}
