package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/xiaoyuanzhu-com/agent-hub/log"
)

const (
	// defaultMaxBufferSize is the maximum size of one stream-json line (1MB)
	defaultMaxBufferSize = 1024 * 1024

	// gracefulExitTimeout is how long to wait after SIGINT before SIGKILL
	gracefulExitTimeout = 3 * time.Second
)

// CLIRuntime launches agent sessions as CLI subprocesses speaking the
// stream-json protocol over stdio.
type CLIRuntime struct {
	// Binary is the agent CLI executable (default "claude")
	Binary string
	// MaxBufferSize caps the size of a single stream line
	MaxBufferSize int
	// Env is extra environment for the subprocess
	Env map[string]string
}

// cliSession is one live subprocess session.
type cliSession struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	messages chan Message
	errs     chan error
	queue    *MessageQueue

	onToolApproval ToolApprovalFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	writeMu      sync.Mutex // protects stdin writes
	maxBuffer    int
	shuttingDown atomic.Bool
	closeOnce    sync.Once
	// exited is closed by monitorProcess once cmd.Wait returns
	exited chan struct{}
}

// StartSession spawns the agent CLI and returns its stream.
func (r *CLIRuntime) StartSession(ctx context.Context, opts StartOptions) (*Stream, error) {
	binary := r.Binary
	if binary == "" {
		binary = "claude"
	}

	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--permission-prompt-tool", "stdio",
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", string(opts.PermissionMode))
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}

	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := exec.CommandContext(sessionCtx, binary, args...)
	cmd.Dir = opts.Cwd
	cmd.Env = os.Environ()
	for k, v := range r.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %q", ErrExecutableNotFound, binary)
		}
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	maxBuffer := r.MaxBufferSize
	if maxBuffer <= 0 {
		maxBuffer = defaultMaxBufferSize
	}

	s := &cliSession{
		cmd:            cmd,
		stdin:          stdin,
		stdout:         stdout,
		stderr:         stderr,
		messages:       make(chan Message, 100),
		errs:           make(chan error, 10),
		queue:          NewMessageQueue(),
		onToolApproval: opts.OnToolApproval,
		ctx:            sessionCtx,
		cancel:         cancel,
		maxBuffer:      maxBuffer,
		exited:         make(chan struct{}),
	}

	if opts.InitialMessage != "" {
		s.queue.Push(UserMessage{UUID: uuid.New().String(), Text: opts.InitialMessage})
	}

	s.wg.Add(3)
	go s.readStdout()
	go s.readStderr()
	go s.sendLoop()
	go s.monitorProcess()

	log.Info().
		Int("pid", cmd.Process.Pid).
		Str("cwd", opts.Cwd).
		Str("resume", opts.ResumeSessionID).
		Msg("agent subprocess started")

	return &Stream{
		Messages: s.messages,
		Errors:   s.errs,
		Queue:    s.queue,
		Abort:    s.abort,
	}, nil
}

// readStdout parses stream-json lines into messages, routing control
// requests through the approval callback instead of the message channel.
func (s *cliSession) readStdout() {
	defer s.wg.Done()

	scanner := bufio.NewScanner(s.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), s.maxBuffer)

	for scanner.Scan() {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		msg, err := ParseMessage(line)
		if err != nil {
			log.Warn().Err(err).Msg("unparseable agent output line")
			continue
		}

		if msg.Type == "control_request" {
			var req controlRequest
			if err := json.Unmarshal(msg.Raw, &req); err != nil {
				log.Warn().Err(err).Msg("malformed control request")
				continue
			}
			go s.handleControlRequest(req)
			continue
		}

		select {
		case s.messages <- msg:
		case <-s.ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil && !s.shuttingDown.Load() {
		s.reportError(fmt.Errorf("%w: %v", ErrTransportClosed, err))
	}
}

// readStderr drains stderr into debug logs.
func (s *cliSession) readStderr() {
	defer s.wg.Done()

	scanner := bufio.NewScanner(s.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		log.Debug().Str("stderr", line).Msg("agent CLI stderr")
	}
}

// sendLoop drains the write queue into the subprocess stdin.
func (s *cliSession) sendLoop() {
	defer s.wg.Done()

	for {
		msg, err := s.queue.Next(s.ctx)
		if err != nil {
			return
		}
		if err := s.writeUserMessage(msg); err != nil {
			if !s.shuttingDown.Load() {
				s.reportError(fmt.Errorf("%w: %v", ErrTransportClosed, err))
			}
			return
		}
	}
}

// monitorProcess waits for subprocess exit and closes the message channel.
func (s *cliSession) monitorProcess() {
	err := s.cmd.Wait()
	close(s.exited)

	if s.cmd.ProcessState != nil {
		log.Info().
			Int("exitCode", s.cmd.ProcessState.ExitCode()).
			Msg("agent subprocess exited")
	}

	if err != nil && !s.shuttingDown.Load() {
		select {
		case <-s.ctx.Done():
			// cancelled, expected exit
		default:
			s.reportError(fmt.Errorf("agent process exited: %w", err))
		}
	}

	s.cancel()
	s.wg.Wait()
	close(s.messages)
	close(s.errs)
}

// abort tears the session down: SIGINT first, SIGKILL after a grace period.
func (s *cliSession) abort() {
	s.closeOnce.Do(func() {
		s.shuttingDown.Store(true)

		s.writeMu.Lock()
		s.stdin.Close()
		s.writeMu.Unlock()

		if s.cmd.Process != nil {
			if err := s.cmd.Process.Signal(syscall.SIGINT); err == nil {
				// monitorProcess owns the single cmd.Wait; watch its signal.
				select {
				case <-s.exited:
				case <-time.After(gracefulExitTimeout):
					s.cmd.Process.Kill()
				}
			} else {
				s.cmd.Process.Kill()
			}
		}

		s.cancel()
	})
}

func (s *cliSession) reportError(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

func (s *cliSession) writeUserMessage(msg UserMessage) error {
	if msg.ControlResponse != nil {
		return s.writeControlResponse(msg.ControlResponse.RequestID, ApprovalResult{
			Behavior:     ApprovalBehavior(msg.ControlResponse.Behavior),
			UpdatedInput: msg.ControlResponse.Input,
			Message:      msg.ControlResponse.Message,
		})
	}

	payload := map[string]any{
		"type": "user",
		"uuid": msg.UUID,
		"message": map[string]any{
			"role":    "user",
			"content": msg.Text,
		},
	}
	return s.writeLine(payload)
}

// controlRequest is the inbound control protocol envelope.
type controlRequest struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Request   struct {
		Subtype  string         `json:"subtype"`
		ToolName string         `json:"tool_name"`
		Input    map[string]any `json:"input"`
	} `json:"request"`
}

// handleControlRequest resolves a can_use_tool ask through the approval
// callback and writes the decision back on stdin.
func (s *cliSession) handleControlRequest(req controlRequest) {
	if req.Request.Subtype != "can_use_tool" {
		log.Debug().Str("subtype", req.Request.Subtype).Msg("ignoring control request")
		return
	}

	result := ApprovalResult{Behavior: BehaviorDeny, Message: ErrNoApprover.Error()}
	if s.onToolApproval != nil {
		var err error
		result, err = s.onToolApproval(s.ctx, req.Request.ToolName, req.Request.Input)
		if err != nil {
			result = ApprovalResult{Behavior: BehaviorDeny, Message: err.Error(), Interrupt: true}
		}
	}

	if err := s.writeControlResponse(req.RequestID, result); err != nil && !s.shuttingDown.Load() {
		log.Warn().Err(err).Str("requestId", req.RequestID).Msg("failed to write control response")
	}
}

func (s *cliSession) writeControlResponse(requestID string, result ApprovalResult) error {
	inner := map[string]any{"behavior": string(result.Behavior)}
	if result.Behavior == BehaviorAllow {
		if result.UpdatedInput != nil {
			inner["updatedInput"] = result.UpdatedInput
		}
	} else {
		inner["message"] = result.Message
		inner["interrupt"] = result.Interrupt
	}

	return s.writeLine(map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": requestID,
			"response":   inner,
		},
	})
}

func (s *cliSession) writeLine(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.stdin.Write(data)
	return err
}
