package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// EvalOptions tunes one Eval call.
type EvalOptions struct {
	// WholeBlock evaluates the code as a single request instead of one
	// request per statement.
	WholeBlock bool

	// ForceFile routes the input through the temp-file path even below
	// the length cutoff.
	ForceFile bool
}

// Eval formats the caller's code into wire syntax, drives the child
// through one request/response cycle per statement, and returns the
// concatenated normal-channel output. It returns either a result or
// exactly one error from the bridge taxonomy, never a partial mix.
func (s *Session) Eval(ctx context.Context, code string, opts EvalOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stripped := stripComments(code, &s.cfg.Dialect)

	var stmts []string
	if opts.WholeBlock {
		if stmt := ensureTerminated(collapseLines(stripped), &s.cfg.Dialect); stmt != "" {
			stmts = []string{stmt}
		}
	} else {
		stmts = splitStatements(stripped, &s.cfg.Dialect)
	}

	var outputs []string
	for _, stmt := range stmts {
		out, err := s.evalRetry(ctx, stmt, !opts.ForceFile, opts.ForceFile)
		if err != nil {
			return "", err
		}
		if out != "" {
			outputs = append(outputs, out)
		}
	}
	return strings.Join(outputs, "\n"), nil
}

// evalRetry runs one statement with the bounded recovery policy: a crash
// restarts the session and retries once; a corrupt-workspace report
// rebuilds the image and retries once; a stuck child hands control to the
// interrupt path. Everything else surfaces immediately.
func (s *Session) evalRetry(ctx context.Context, stmt string, allowFile, forceFile bool) (string, error) {
	retried := false
	for {
		out, err := s.evalLine(ctx, stmt, allowFile, forceFile)
		if err == nil {
			return out, nil
		}

		var corrupt *CorruptWorkspaceError
		var crash *CrashError
		switch {
		case errors.As(err, &corrupt) && !retried:
			retried = true
			s.log.Warn().Str("stmt", stmt).
				Msg("child reports corrupted workspace data; rebuilding and retrying once")
			if s.ws != nil {
				s.ws.invalidate()
			}
			if rerr := s.restartLocked(); rerr != nil {
				return "", rerr
			}
		case errors.As(err, &crash) && !retried:
			retried = true
			s.log.Warn().Err(err).Str("stmt", stmt).
				Msg("child crashed mid-command; restarting and retrying once")
			if rerr := s.restartLocked(); rerr != nil {
				return "", rerr
			}
		case errors.Is(err, ErrStuck):
			return "", s.interrupt(err)
		default:
			return "", err
		}
	}
}

// evalLine evaluates a single formatted statement, routing oversize input
// through a temporary file.
func (s *Session) evalLine(ctx context.Context, line string, allowFile, forceFile bool) (string, error) {
	if err := s.ensureRunning(); err != nil {
		return "", err
	}
	line = collapseLines(line)

	if forceFile || (allowFile && len(line) > s.cfg.EvalFileCutoff) {
		return s.evalViaFile(ctx, line)
	}

	normal, errText, err := s.execute(ctx, line)
	if err != nil {
		return "", err
	}
	if errText != "" {
		return "", classifyRemote(s.cfg.CorruptMarkers, line, errText)
	}
	return s.postprocess(normal), nil
}

// evalViaFile writes the statement to a temporary file and sends the
// dialect's load-file directive instead, avoiding tty buffering trouble
// with very long lines.
func (s *Session) evalViaFile(ctx context.Context, line string) (string, error) {
	if s.cfg.Dialect.ReadFileFormat == "" {
		return "", fmt.Errorf("input of %d bytes needs the file path, but the dialect has no read-file directive", len(line))
	}
	f, err := os.CreateTemp(s.cfg.TempDir, "replbridge-*.in")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(line + "\n"); err != nil {
		f.Close()
		return "", fmt.Errorf("temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}

	directive := fmt.Sprintf(s.cfg.Dialect.ReadFileFormat, f.Name())
	normal, errText, err := s.execute(ctx, directive)
	if err != nil {
		return "", err
	}
	if errText != "" {
		return "", classifyRemote(s.cfg.CorruptMarkers, line, errText)
	}
	return s.postprocess(normal), nil
}

// execute drives exactly one request/response cycle: send the line, skip
// its echoes, frame the response. Cancellation wakes the read and runs the
// interrupt sequence before surfacing.
func (s *Session) execute(ctx context.Context, line string) (string, string, error) {
	if err := s.sendLine(line); err != nil {
		var crash *CrashError
		if errors.As(err, &crash) {
			crash.Command = line
		}
		return "", "", err
	}

	if ctx != nil {
		stop := context.AfterFunc(ctx, func() {
			if s.ptmx != nil {
				_ = s.ptmx.SetReadDeadline(time.Now())
			}
		})
		defer stop()
	}

	for i := 0; i < s.cfg.Dialect.EchoLines; i++ {
		if err := s.skipEcho(); err != nil {
			if ctx != nil && ctx.Err() != nil {
				return "", "", s.interrupt(context.Cause(ctx))
			}
			return "", "", err
		}
	}

	normal, errText, err := s.readUntilReady(s.cfg.ReadTimeout)
	if err != nil {
		if ctx != nil && ctx.Err() != nil {
			return "", "", s.interrupt(context.Cause(ctx))
		}
		var crash *CrashError
		if errors.As(err, &crash) {
			crash.Command = line
		}
		return normal, errText, err
	}
	return normal, errText, nil
}

// skipEcho discards one echoed input line.
func (s *Session) skipEcho() error {
	if s.cfg.ReadTimeout > 0 {
		if err := s.ptmx.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		defer s.ptmx.SetReadDeadline(time.Time{})
	}
	if err := skipLine(s.rd); err != nil {
		if os.IsTimeout(err) {
			return fmt.Errorf("%w (echo)", ErrStuck)
		}
		s.markCrashed()
		return &CrashError{Err: err}
	}
	return nil
}

// postprocess removes what the wire adds: carriage returns, the child's
// backslash-newline line wraps, and any trailing prompt remnant.
func (s *Session) postprocess(out string) string {
	d := &s.cfg.Dialect
	out = strings.ReplaceAll(out, "\r", "")
	out = strings.ReplaceAll(out, "\\\n", "")
	// Prompts are compared without their trailing space, since that space
	// is folded into the whitespace trim below.
	prompts := []string{
		strings.TrimRight(d.Prompt, " "),
		strings.TrimRight(d.ContinuationPrompt, " "),
	}
	for {
		out = strings.TrimRight(out, "\n ")
		matched := false
		for _, p := range prompts {
			if p != "" && strings.HasSuffix(out, p) {
				out = out[:len(out)-len(p)]
				matched = true
				break
			}
		}
		if !matched {
			return strings.TrimSpace(out)
		}
	}
}

// Set assigns value to the interpreter-side variable name.
func (s *Session) Set(ctx context.Context, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stmt := fmt.Sprintf("%s%s%s%s", name, s.cfg.Dialect.AssignOp, collapseLines(value), s.cfg.Dialect.SilentSuffix)
	_, err := s.evalRetry(ctx, stmt, true, false)
	return err
}

// Unbind removes the interpreter-side variable binding. Dialects without
// an unbind directive treat this as a no-op.
func (s *Session) Unbind(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.cfg.Dialect.UnbindFormat
	if f == "" {
		return nil
	}
	_, err := s.evalRetry(ctx, fmt.Sprintf(f, name), false, false)
	return err
}

// Get returns the printed representation of the interpreter-side variable.
func (s *Session) Get(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(ctx, name)
}

func (s *Session) getLocked(ctx context.Context, name string) (string, error) {
	d := &s.cfg.Dialect
	stmt := name + string(d.Terminator)
	if d.PrintFormat != "" {
		stmt = fmt.Sprintf(d.PrintFormat, name)
	}
	return s.evalRetry(ctx, stmt, false, false)
}

// stripComments removes single-line comments, character by character, so
// that a comment-start inside a string literal is left alone.
func stripComments(code string, d *Dialect) string {
	if d.CommentChar == 0 {
		return code
	}
	var b strings.Builder
	lines := strings.Split(code, "\n")
	for i, line := range lines {
		inQuote := false
		cut := len(line)
		for j := 0; j < len(line); j++ {
			c := line[j]
			switch {
			case c == '\\' && inQuote:
				j++ // escaped character inside a string
			case c == d.QuoteChar:
				inQuote = !inQuote
			case c == d.CommentChar && !inQuote:
				cut = j
				j = len(line)
			}
		}
		b.WriteString(line[:cut])
		if i < len(lines)-1 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// splitStatements splits on the statement terminator outside string
// literals, keeping the terminator with each statement. A trailing
// fragment without a terminator gets one appended.
func splitStatements(code string, d *Dialect) []string {
	var stmts []string
	var cur strings.Builder
	inQuote := false
	for i := 0; i < len(code); i++ {
		c := code[i]
		switch {
		case c == '\\' && inQuote:
			cur.WriteByte(c)
			if i+1 < len(code) {
				i++
				cur.WriteByte(code[i])
			}
			continue
		case c == d.QuoteChar:
			inQuote = !inQuote
		}
		cur.WriteByte(c)
		if c == d.Terminator && !inQuote {
			// Swallow a doubled terminator (output suppression).
			if i+1 < len(code) && code[i+1] == d.Terminator {
				i++
				cur.WriteByte(d.Terminator)
			}
			if stmt := strings.TrimSpace(cur.String()); stmt != string(d.Terminator) && stmt != "" {
				stmts = append(stmts, stmt)
			}
			cur.Reset()
		}
	}
	if rest := strings.TrimSpace(cur.String()); rest != "" {
		stmts = append(stmts, rest+string(d.Terminator))
	}
	return stmts
}

func ensureTerminated(code string, d *Dialect) string {
	code = strings.TrimRight(code, " \t\n")
	if code == "" || strings.HasSuffix(code, string(d.Terminator)) {
		return code
	}
	return code + string(d.Terminator)
}

// collapseLines folds a multi-line statement onto one pty line.
func collapseLines(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
}
