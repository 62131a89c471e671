package agent

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for runtime failures
var (
	// ErrExecutableNotFound means the agent CLI binary is not on PATH
	ErrExecutableNotFound = errors.New("agent executable not found")
	// ErrSpawnFailed means the agent subprocess could not be started
	ErrSpawnFailed = errors.New("failed to spawn agent process")
	// ErrTransportClosed means the stdio transport shut down
	ErrTransportClosed = errors.New("agent transport closed")
	// ErrProcessKilled means the agent subprocess was killed by a signal
	ErrProcessKilled = errors.New("agent process killed")
)

// Termination reasons derived from stream errors
const (
	ReasonTransportClosed = "transport_closed"
	ReasonSpawnFailed     = "spawn_failed"
	ReasonKilled          = "killed"
	ReasonAborted         = "aborted"
)

// terminationSignatures maps fatal error text fragments to reasons. The
// fragments cover both our sentinels and raw os/exec error strings that leak
// through when the subprocess dies underneath us.
var terminationSignatures = []struct {
	fragment string
	reason   string
}{
	{"transport closed", ReasonTransportClosed},
	{"file already closed", ReasonTransportClosed},
	{"broken pipe", ReasonTransportClosed},
	{"connection closed", ReasonTransportClosed},
	{"executable file not found", ReasonSpawnFailed},
	{"executable not found", ReasonSpawnFailed},
	{"failed to spawn", ReasonSpawnFailed},
	{"signal: killed", ReasonKilled},
	{"signal: interrupt", ReasonKilled},
	{"process already finished", ReasonKilled},
}

// TerminationReason classifies a stream error. It returns the termination
// reason and true when the error is fatal to the session; other errors are
// recoverable and should surface without ending the session.
func TerminationReason(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	switch {
	case errors.Is(err, ErrTransportClosed):
		return ReasonTransportClosed, true
	case errors.Is(err, ErrExecutableNotFound), errors.Is(err, ErrSpawnFailed):
		return ReasonSpawnFailed, true
	case errors.Is(err, ErrProcessKilled):
		return ReasonKilled, true
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range terminationSignatures {
		if strings.Contains(msg, sig.fragment) {
			return sig.reason, true
		}
	}
	return "", false
}

// DescribeStartupError turns a session launch failure into a message fit for
// an operator, distinguishing a missing binary from other spawn failures.
func DescribeStartupError(err error, binary string) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrExecutableNotFound):
		return fmt.Sprintf("agent executable %q not found; install it or set AGENT_BINARY", binary)
	case strings.Contains(strings.ToLower(err.Error()), "permission denied"):
		return fmt.Sprintf("agent executable %q is not executable: %v", binary, err)
	default:
		return fmt.Sprintf("failed to start agent session: %v", err)
	}
}
