// Package replbridge drives a persistent external interpreter process
// (a GAP/Maxima/Magma-style REPL) over a pseudo-terminal. It frames the
// child's interleaved normal/error/control output, caches a warm-start
// memory image so later sessions skip slow cold initialization, and
// exposes a request/response plus opaque-handle API with crash and
// interrupt recovery.
//
// Example usage:
//
//	cfg := replbridge.DefaultConfig()
//	cfg.Command = "gap"
//	cfg.WorkspaceDir = filepath.Join(home, ".cache", "replbridge")
//	s, err := replbridge.NewSession(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Quit()
//	out, err := s.Eval(ctx, "2+2;", replbridge.EvalOptions{})
package replbridge

import (
	"github.com/rs/zerolog"

	"github.com/bft-labs/replbridge/internal/bridge"
)

// Config holds the configuration for one interpreter bridge.
// Use DefaultConfig() to get a Config with sensible defaults.
type Config = bridge.Config

// Dialect captures the wire syntax of one interpreter family.
type Dialect = bridge.Dialect

// Session is one live child interpreter plus its pipes, protocol state
// and handle registry.
type Session = bridge.Session

// Handle is an opaque reference to a named value inside a Session.
type Handle = bridge.Handle

// Result is the outcome of a FunctionCall: a value Handle or printed text.
type Result = bridge.Result

// EvalOptions tunes one Eval call.
type EvalOptions = bridge.EvalOptions

// State is the lifecycle state of a session.
type State = bridge.State

// Session lifecycle states.
const (
	StateNotStarted = bridge.StateNotStarted
	StateRunning    = bridge.StateRunning
	StateCrashed    = bridge.StateCrashed
	StateRestarting = bridge.StateRestarting
	StateQuit       = bridge.StateQuit
	StateFatal      = bridge.StateFatal
)

// Error taxonomy. An Eval call either returns a string or fails with
// exactly one of these.
type (
	StartupError          = bridge.StartupError
	ProtocolViolation     = bridge.ProtocolViolation
	RemoteError           = bridge.RemoteError
	CorruptWorkspaceError = bridge.CorruptWorkspaceError
	CrashError            = bridge.CrashError
	InterruptedError      = bridge.InterruptedError
	StaleHandleError      = bridge.StaleHandleError
)

var (
	ErrQuit    = bridge.ErrQuit
	ErrPending = bridge.ErrPending
	ErrStuck   = bridge.ErrStuck
)

// DefaultConfig returns a Config with sensible defaults for a GAP-style
// child. Command must still be set by the caller.
func DefaultConfig() Config { return bridge.DefaultConfig() }

// DefaultDialect returns a GAP-shaped dialect.
func DefaultDialect() Dialect { return bridge.DefaultDialect() }

// NewSession creates a session for the given configuration. The child
// process is not spawned until the first command needs it.
func NewSession(cfg Config) (*Session, error) { return bridge.NewSession(cfg) }

// Logger returns the library logger.
func Logger() zerolog.Logger { return bridge.Logger() }

// SetLogger routes the library's logging into the caller's sink.
func SetLogger(l zerolog.Logger) { bridge.SetLogger(l) }
