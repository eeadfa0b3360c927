package bridge

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// framer performs a single linear pass over the child's raw output,
// splitting it into normal text, error text, and control events. It stops
// at the ready-for-input tag. The underlying reader is the session's pty;
// read deadlines and EOF propagate out unchanged so the session can map
// them to stuck/crashed states.
type framer struct {
	r   *bufio.Reader
	d   *Dialect
	log zerolog.Logger

	// onBreak is invoked when the child enters its break loop; the
	// session wires this to send the quit directive so the child pops
	// back to top level and eventually reaches the ready marker.
	onBreak func() error
}

func newFramer(r *bufio.Reader, d *Dialect, log zerolog.Logger) *framer {
	return &framer{r: r, d: d, log: log}
}

// scan consumes the stream up to and including the next ready-for-input
// tag and returns the accumulated (normal, error) text. Partial buffers
// are returned alongside any error so diagnostics can include what the
// child managed to say.
func (f *framer) scan() (string, string, error) {
	var normal, errText bytes.Buffer
	cur := &normal

	for {
		chunk, err := f.r.ReadBytes(f.d.TagLead)
		if err != nil {
			cur.Write(chunk)
			return normal.String(), errText.String(), err
		}
		cur.Write(chunk[:len(chunk)-1])

		b, err := f.r.ReadByte()
		if err != nil {
			return normal.String(), errText.String(), err
		}

		if b == f.d.TagLead {
			cur.WriteByte(f.d.TagLead)
			continue
		}
		if c, ok := decodeLiteral(b); ok {
			cur.WriteByte(c)
			continue
		}

		switch tagKinds[b] {
		case tagReady:
			return normal.String(), errText.String(), nil
		case tagSwitchErr:
			cur = &errText
		case tagSwitchNorm:
			cur = &normal
		case tagBreakLoop:
			if f.onBreak != nil {
				if err := f.onBreak(); err != nil {
					return normal.String(), errText.String(), err
				}
			}
		case tagGarbage:
			if err := f.discardUntil('+'); err != nil {
				return normal.String(), errText.String(), err
			}
		case tagWindow:
			f.log.Warn().Msg("child requested a display window; ignoring")
			if err := f.discardUntil('+'); err != nil {
				return normal.String(), errText.String(), err
			}
		case tagEcho:
			if err := f.discardEcho(); err != nil {
				return normal.String(), errText.String(), err
			}
		case tagHandshake:
			if err := f.checkHandshake(); err != nil {
				return normal.String(), errText.String(), err
			}
		case tagIgnore:
			// Subprocess bookkeeping and other safely ignorable noise.
		default:
			return normal.String(), errText.String(),
				&ProtocolViolation{Tag: string([]byte{f.d.TagLead, b})}
		}
	}
}

// discardUntil drops stream bytes up to and including the delimiter.
func (f *framer) discardUntil(delim byte) error {
	_, err := f.r.ReadBytes(delim)
	return err
}

// discardEcho re-enters a nested matcher that consumes the echoed input
// line. The echo is terminated by the encoded newline tag; any other tags
// inside it are part of the echo and are dropped with it.
func (f *framer) discardEcho() error {
	for {
		if _, err := f.r.ReadBytes(f.d.TagLead); err != nil {
			return err
		}
		b, err := f.r.ReadByte()
		if err != nil {
			return err
		}
		if b == echoEnd {
			return nil
		}
	}
}

// checkHandshake reads the version payload (digits terminated by a dot)
// and verifies it matches the dialect's protocol version. A malformed or
// mismatched handshake is a protocol violation, since it indicates the
// child was built against a different bridge version.
func (f *framer) checkHandshake() error {
	var digits bytes.Buffer
	for {
		b, err := f.r.ReadByte()
		if err != nil {
			return err
		}
		if b >= '0' && b <= '9' {
			digits.WriteByte(b)
			continue
		}
		if b == '.' && digits.Len() > 0 {
			break
		}
		return &ProtocolViolation{
			Tag: fmt.Sprintf("%cp%s%c", f.d.TagLead, digits.Bytes(), b),
		}
	}
	v := 0
	for _, b := range digits.Bytes() {
		v = v*10 + int(b-'0')
	}
	if v != f.d.ProtocolVersion {
		return &ProtocolViolation{
			Tag: fmt.Sprintf("%cp%d.", f.d.TagLead, v),
		}
	}
	return nil
}

// skipLine discards one echoed line (through '\n') before framing starts.
func skipLine(r *bufio.Reader) error {
	_, err := r.ReadBytes('\n')
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
