package bridge

import (
	"syscall"
	"time"
)

const (
	// interruptSignalGap spaces the two process signals; a single signal
	// can be lost if the child is not currently reading input.
	interruptSignalGap = 250 * time.Millisecond
)

// interrupt converts a local cancellation into a stop-and-resynchronize
// sequence on the child:
//
//  1. send the quit directive twice (the child may or may not have
//     consumed the first one),
//  2. send the interrupt signal up to twice, spaced apart,
//  3. drain residual output with a short timeout,
//  4. restart the session if it is still unresponsive.
//
// The caller always surfaces the cancellation; interrupt only guarantees
// the session ends up Running-and-resynchronized, Restarted, or Fatal.
// Caller holds the session lock.
func (s *Session) interrupt(cause error) error {
	if s.ptmx == nil || s.rd == nil {
		// No live pty to resynchronize; nothing was in flight.
		return &InterruptedError{Err: cause}
	}
	s.log.Info().Msg("interrupting child")

	_ = s.sendQuitDirective()
	_ = s.sendQuitDirective()

	for i := 0; i < 2; i++ {
		if s.cmd == nil || s.cmd.Process == nil {
			break
		}
		if err := s.cmd.Process.Signal(syscall.SIGINT); err != nil {
			break
		}
		time.Sleep(interruptSignalGap)
	}

	if _, _, err := s.readUntilReady(s.cfg.DrainTimeout); err != nil {
		s.log.Warn().Err(err).Msg("child unresponsive after interrupt; restarting")
		if rerr := s.restartLocked(); rerr != nil {
			s.log.Error().Err(rerr).Msg("restart after interrupt failed")
		}
	}

	return &InterruptedError{Err: cause}
}
