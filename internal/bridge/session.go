package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State is the lifecycle state of one session.
type State int32

const (
	StateNotStarted State = iota
	StateRunning
	StateCrashed
	StateRestarting
	StateQuit
	StateFatal
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "NotStarted"
	case StateRunning:
		return "Running"
	case StateCrashed:
		return "Crashed"
	case StateRestarting:
		return "Restarting"
	case StateQuit:
		return "Quit"
	case StateFatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Session owns one child interpreter process: its pty, protocol state,
// handle registry and warm-start cache. Exactly one command is outstanding
// at any time; all public operations serialize on the session lock.
type Session struct {
	cfg Config
	id  string
	log zerolog.Logger

	ws          *workspaceCache
	stampCancel context.CancelFunc

	mu sync.Mutex // one outstanding command per session

	state int32 // State, accessed atomically

	cmd    *exec.Cmd
	ptmx   *os.File
	rd     *bufio.Reader
	exited chan struct{} // closed by the reaper once the child is waited on

	handles    handleRegistry
	generation uint64
}

// NewSession creates a session for the given configuration. The child is
// not spawned until the first command needs it.
func NewSession(cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		cfg: cfg,
		id:  uuid.NewString(),
	}
	s.log = logger.With().Str("session", s.id[:8]).Str("command", cfg.Command).Logger()

	if cfg.workspaceEnabled() {
		ws, err := openWorkspaceCache(&s.cfg, s.log)
		if err != nil {
			return nil, fmt.Errorf("workspace cache: %w", err)
		}
		s.ws = ws
		ws.collectGarbage()

		ctx, cancel := context.WithCancel(context.Background())
		s.stampCancel = cancel
		go watchStamp(ctx, cfg.StampPath, ws, s.log)
	}
	return s, nil
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state. Safe to call concurrently.
func (s *Session) State() State {
	return State(atomic.LoadInt32(&s.state))
}

func (s *Session) setState(st State) {
	old := State(atomic.SwapInt32(&s.state, int32(st)))
	if old != st {
		s.log.Debug().Stringer("from", old).Stringer("to", st).Msg("session state")
	}
}

// IsAlive reports whether the child process is running.
func (s *Session) IsAlive() bool {
	if s.State() != StateRunning || s.cmd == nil || s.cmd.Process == nil {
		return false
	}
	return s.cmd.Process.Signal(syscall.Signal(0)) == nil
}

// ensureRunning spawns the child if the session has not started or has
// previously crashed. Caller holds the session lock.
func (s *Session) ensureRunning() error {
	switch s.State() {
	case StateQuit:
		return ErrQuit
	case StateRunning:
		return nil
	case StateCrashed:
		// The dead incarnation still holds the pty fd and an unreaped
		// child when the crash was surfaced rather than retried.
		s.teardown()
	}
	return s.start()
}

// start launches the child, restoring from the warm-start image when one
// is fresh. A failed warm restore deletes the image and falls back to a
// cold start, after which the image is rebuilt.
func (s *Session) start() error {
	image := ""
	if s.ws != nil {
		if p, ok := s.ws.freshImage(); ok {
			image = p
		}
	}

	err := s.launch(image)
	if err != nil && image != "" {
		s.log.Warn().Err(err).
			Msg("warm-start image appears to be corrupted; rebuilding from a cold start")
		s.ws.invalidate()
		image = ""
		err = s.launch("")
	}
	if err != nil {
		s.setState(StateFatal)
		return err
	}

	s.setState(StateRunning)
	s.generation++
	s.handles.reset(s.generation)

	if s.ws != nil {
		s.ws.touch()
		if image == "" {
			s.rebuildImage()
		}
	}
	return nil
}

// launch spawns the child on a fresh pty and waits for its first ready
// marker.
func (s *Session) launch(image string) error {
	cmd := exec.Command(s.cfg.Command, s.cfg.launchArgs(image)...)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return &StartupError{Command: s.cfg.Command, Err: err}
	}
	ptmx, err = enableDeadlines(ptmx)
	if err != nil {
		_ = cmd.Process.Kill()
		go cmd.Wait()
		return &StartupError{Command: s.cfg.Command, Err: err}
	}
	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()
	s.cmd = cmd
	s.ptmx = ptmx
	s.rd = bufio.NewReader(ptmx)
	s.exited = exited

	banner, errText, err := s.readUntilReady(s.cfg.StartupTimeout)
	if err != nil {
		s.teardown()
		if errors.Is(err, ErrStuck) {
			// Startup never reached a ready state; this must not look
			// like a stuck in-flight command, or the caller would try to
			// interrupt a child that no longer exists.
			err = fmt.Errorf("no ready marker within %s", s.cfg.StartupTimeout)
		}
		if errText != "" {
			err = fmt.Errorf("%w; child said: %s", err, errText)
		}
		return &StartupError{Command: s.cfg.Command, Err: fmt.Errorf("waiting for first prompt: %w", err)}
	}
	if banner != "" {
		s.log.Debug().Str("banner", banner).Msg("child started")
	}
	return nil
}

// enableDeadlines re-registers the pty master with the runtime poller.
// pty.Start hands back a blocking file (its fd went through raw ioctls),
// on which SetReadDeadline is accepted but never wakes a blocked read.
// The fd is duplicated so the original's lifetime ends here cleanly.
func enableDeadlines(f *os.File) (*os.File, error) {
	defer f.Close()
	fd, err := syscall.Dup(int(f.Fd()))
	if err != nil {
		return nil, fmt.Errorf("dup pty fd: %w", err)
	}
	if err := syscall.SetNonblock(fd, true); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("set pty nonblocking: %w", err)
	}
	return os.NewFile(uintptr(fd), f.Name()), nil
}

// rebuildImage runs the warmup code and saves a fresh warm-start image.
// Warmup failures are logged and skipped so a broken optional package does
// not take the whole session down.
func (s *Session) rebuildImage() {
	for _, stmt := range s.cfg.WarmupCode {
		if _, err := s.evalLine(nil, stmt, true, false); err != nil {
			s.log.Warn().Err(err).Str("stmt", stmt).Msg("warmup statement failed; skipping")
		}
	}
	if err := s.saveWorkspaceLocked(); err != nil {
		s.log.Warn().Err(err).Msg("could not save warm-start image")
	}
}

// send writes raw bytes to the child's input. A closed pipe marks the
// session crashed.
func (s *Session) send(b []byte) error {
	if s.ptmx == nil {
		return &CrashError{Err: errors.New("no child process")}
	}
	if _, err := s.ptmx.Write(b); err != nil {
		s.markCrashed()
		return &CrashError{Err: err}
	}
	return nil
}

// sendLine writes one command line. Lines beyond the hard limit would
// wedge the tty, so they are rejected here; the dispatcher routes them
// through the temp-file path before this point.
func (s *Session) sendLine(line string) error {
	if len(line) > s.cfg.MaxLineLength {
		return fmt.Errorf("line of %d bytes exceeds the %d byte pty limit", len(line), s.cfg.MaxLineLength)
	}
	return s.send(append([]byte(line), '\n'))
}

// readUntilReady frames the stream until the ready marker or the timeout.
// Timeouts surface as ErrStuck with the session left Running; the caller
// must resynchronize via the interrupt path. End-of-stream marks the
// session crashed.
func (s *Session) readUntilReady(timeout time.Duration) (string, string, error) {
	if timeout > 0 {
		if err := s.ptmx.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return "", "", fmt.Errorf("set read deadline: %w", err)
		}
		defer s.ptmx.SetReadDeadline(time.Time{})
	}

	fr := newFramer(s.rd, &s.cfg.Dialect, s.log)
	fr.onBreak = s.sendQuitDirective
	normal, errText, err := fr.scan()
	if err != nil {
		var pv *ProtocolViolation
		switch {
		case errors.As(err, &pv):
			return normal, errText, err
		case os.IsTimeout(err):
			return normal, errText, fmt.Errorf("%w (after %s)", ErrStuck, timeout)
		default:
			// EOF, EIO from a closed pty, or any other stream failure:
			// the child is gone.
			s.markCrashed()
			return normal, errText, &CrashError{Err: err}
		}
	}
	return normal, errText, nil
}

// sendQuitDirective pushes the quit directive at the child. Used to pop
// break loops and as the first stage of interrupt handling.
func (s *Session) sendQuitDirective() error {
	return s.send(append([]byte(s.cfg.Dialect.QuitCommand), '\n'))
}

func (s *Session) markCrashed() {
	if s.State() == StateRunning || s.State() == StateRestarting {
		s.setState(StateCrashed)
	}
}

// Restart tears the child down and relaunches it with the same launch
// spec. All handles from the previous incarnation are invalidated.
func (s *Session) Restart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() == StateQuit {
		return ErrQuit
	}
	return s.restartLocked()
}

func (s *Session) restartLocked() error {
	s.setState(StateRestarting)
	s.teardown()

	back := newBackoff(250*time.Millisecond, 2*time.Second)
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(back.Next())
		}
		if err = s.start(); err == nil {
			return nil
		}
		s.log.Warn().Err(err).Int("attempt", attempt+1).Msg("restart failed")
	}
	s.setState(StateFatal)
	return fmt.Errorf("restart: %w", err)
}

// Quit sends the quit directive, closes the pty and leaves the session in
// its terminal state. Further use returns ErrQuit.
func (s *Session) Quit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() == StateQuit {
		return nil
	}
	if s.State() == StateRunning {
		_ = s.sendQuitDirective()
		s.waitExit(2 * time.Second)
	}
	s.teardown()
	s.setState(StateQuit)
	if s.stampCancel != nil {
		s.stampCancel()
	}
	return nil
}

// waitExit gives the child a grace period to exit on its own. Reaping is
// the launch-time reaper goroutine's job alone; Wait must not be called a
// second time here.
func (s *Session) waitExit(grace time.Duration) {
	if s.exited == nil {
		return
	}
	select {
	case <-s.exited:
	case <-time.After(grace):
	}
}

// teardown closes the pty and kills whatever is left of the child. The
// reaper goroutine started at launch collects the exit status.
func (s *Session) teardown() {
	if s.ptmx != nil {
		_ = s.ptmx.Close()
		s.ptmx = nil
	}
	if s.cmd != nil && s.cmd.Process != nil {
		select {
		case <-s.exited:
		default:
			_ = s.cmd.Process.Kill()
		}
	}
	s.cmd = nil
	s.rd = nil
}
