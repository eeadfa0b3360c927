package bridge

// The child interleaves three things on its output stream: text for the
// caller, error reports, and short control tags that signal protocol
// events. Tags are a lead byte followed by one tag byte (plus a payload
// for a few of them). The framer must consume every tag; none may leak
// into caller-visible text.
//
// Vocabulary (default lead '@'):
//
//	@i      ready for input; request/response cycle is complete
//	@f      subsequent text belongs to the error channel
//	@n      subsequent text belongs to the normal channel
//	@@      literal lead byte
//	@A..@Z  literal control character (offset from 'A', plus one)
//	@e      child dropped into its break loop; bridge sends the quit
//	        directive to pop it back to top level
//	@g...+  garbage-collector notice, discarded
//	@z      child spawned a subprocess, bookkeeping only
//	@m      child joined a subprocess, bookkeeping only
//	@r...@J echo of our own input line, discarded
//	@w...+  child asked for a display window; discarded with a diagnostic
//	@p<n>.  handshake carrying the child-side protocol version
//
// Anything else after the lead byte is a protocol violation: the child
// speaks a vocabulary this bridge does not.
type tagKind uint8

const (
	tagInvalid tagKind = iota
	tagReady
	tagSwitchErr
	tagSwitchNorm
	tagBreakLoop
	tagGarbage
	tagWindow
	tagEcho
	tagHandshake
	tagIgnore
)

// echoEnd is the tag byte terminating an echoed input line: the encoded
// newline (@J decodes to '\n').
const echoEnd = 'J'

var tagKinds = map[byte]tagKind{
	'i': tagReady,
	'f': tagSwitchErr,
	'n': tagSwitchNorm,
	'e': tagBreakLoop,
	'g': tagGarbage,
	'w': tagWindow,
	'r': tagEcho,
	'p': tagHandshake,
	'z': tagIgnore,
	'm': tagIgnore,
	'x': tagIgnore,
}

// decodeLiteral maps a literal-escape tag byte to the control character it
// encodes. ok is false if b is not in the escape range.
func decodeLiteral(b byte) (byte, bool) {
	if b < 'A' || b > 'Z' {
		return 0, false
	}
	return b - 'A' + 1, true
}
