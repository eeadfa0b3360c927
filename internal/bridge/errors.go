package bridge

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrQuit is returned when an operation is attempted on a session
	// that has been explicitly quit.
	ErrQuit = errors.New("session has quit")

	// ErrPending rejects operations that require a quiescent session
	// (saving the workspace mid-command is a usage error).
	ErrPending = errors.New("command already in flight")

	// ErrStuck marks a request/response cycle that exceeded its read
	// timeout; the command must be treated as still executing until the
	// session is resynchronized.
	ErrStuck = errors.New("child did not reach the ready marker in time")
)

// StartupError means the child failed to launch or never produced its
// first ready marker. Fatal to the session that observed it.
type StartupError struct {
	Command string
	Err     error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("starting %s: %v", e.Command, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// ProtocolViolation means the child emitted a control tag the framer does
// not recognize, which indicates version skew between bridge and child.
type ProtocolViolation struct {
	Tag string
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("unrecognized control tag %q (child protocol version mismatch?)", e.Tag)
}

// RemoteError carries error-channel output reported by the interpreter for
// one command. It is never retried automatically.
type RemoteError struct {
	Command string
	Output  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("interpreter error executing %q:\n%s", e.Command, e.Output)
}

// CorruptWorkspaceError means the child reported that its on-disk
// auxiliary data is corrupted. The bridge rebuilds the warm-start image
// and retries the original command once before surfacing this.
type CorruptWorkspaceError struct {
	Command string
	Output  string
}

func (e *CorruptWorkspaceError) Error() string {
	return fmt.Sprintf("corrupted workspace data executing %q:\n%s", e.Command, e.Output)
}

// CrashError means the child hit end-of-stream in the middle of a command.
// The session is restarted and the command retried once; a second crash
// surfaces this error.
type CrashError struct {
	Command string
	Err     error
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("child crashed executing %q: %v", e.Command, e.Err)
}

func (e *CrashError) Unwrap() error { return e.Err }

// InterruptedError is surfaced after a caller-initiated cancellation, once
// the session has been resynchronized or restarted.
type InterruptedError struct {
	Command string
	Err     error
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("interrupted while executing %q", e.Command)
}

func (e *InterruptedError) Unwrap() error { return e.Err }

// StaleHandleError means a handle outlived its owning session incarnation.
type StaleHandleError struct {
	Name string
}

func (e *StaleHandleError) Error() string {
	return fmt.Sprintf("handle %s belongs to a session that has since restarted", e.Name)
}

// classifyRemote turns non-empty error-channel text into a typed failure.
// Corrupt-marker matches get the recoverable CorruptWorkspaceError; all
// other error text is a plain RemoteError.
func classifyRemote(markers []string, command, output string) error {
	output = strings.ReplaceAll(output, "\r", "")
	for _, m := range markers {
		if m != "" && strings.Contains(output, m) {
			return &CorruptWorkspaceError{Command: command, Output: output}
		}
	}
	return &RemoteError{Command: command, Output: output}
}
