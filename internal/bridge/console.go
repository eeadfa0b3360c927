package bridge

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// consoleEscape detaches the console: Ctrl-].
const consoleEscape = 0x1d

// Console hands the child's tty directly to the user, bypassing the
// framer, until the user types Ctrl-] or the child exits. Intended for
// interactive debugging only; afterwards the session is restarted, since
// the user may have left the child in an arbitrary protocol state.
func (s *Session) Console(in *os.File, out io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureRunning(); err != nil {
		return err
	}

	fmt.Fprintf(out, "Attached to %s; press Ctrl-] to detach.\r\n", s.cfg.Command)

	if term.IsTerminal(int(in.Fd())) {
		old, err := term.MakeRaw(int(in.Fd()))
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		defer term.Restore(int(in.Fd()), old)
	}

	copyDone := make(chan struct{})
	go func() {
		_, _ = io.Copy(out, s.ptmx)
		close(copyDone)
	}()

	buf := make([]byte, 1024)
readLoop:
	for {
		select {
		case <-copyDone:
			break readLoop
		default:
		}
		n, err := in.Read(buf)
		if err != nil {
			break
		}
		if i := bytes.IndexByte(buf[:n], consoleEscape); i >= 0 {
			if i > 0 {
				_, _ = s.ptmx.Write(buf[:i])
			}
			break
		}
		if _, err := s.ptmx.Write(buf[:n]); err != nil {
			break
		}
	}

	fmt.Fprintf(out, "\r\nDetached from %s.\r\n", s.cfg.Command)

	// There is no way to know what state the user left the child in; a
	// restart is the only road back to a known-good protocol state.
	if err := s.restartLocked(); err != nil && !errors.Is(err, ErrQuit) {
		return err
	}
	return nil
}
