package bridge

import (
	"context"
	"fmt"
	"strings"
)

// sentinelMarker is the well-known value seeded into the reserved slot
// before a call, quotes included; if the last-value slot still prints it
// afterwards the call was void.
const sentinelMarker = `"__BRIDGE_SENTINEL__"`

// handleRegistry allocates interpreter-side names for values the caller
// holds on to. Names come from a monotonically increasing counter, with a
// free list of explicitly released names in front of it; a name is never
// reused while a live reference exists. The whole registry is invalidated
// en masse when the owning session restarts.
type handleRegistry struct {
	generation uint64
	seq        uint64
	free       []string
}

func (r *handleRegistry) reset(generation uint64) {
	r.generation = generation
	r.seq = 0
	r.free = r.free[:0]
}

func (r *handleRegistry) nextName(prefix string) string {
	if len(r.free) > 0 {
		name := r.free[0]
		r.free = r.free[1:]
		return name
	}
	r.seq++
	return fmt.Sprintf("%s%d", prefix, r.seq)
}

func (r *handleRegistry) release(name string) {
	r.free = append(r.free, name)
}

// Handle is an opaque caller-side reference to a named value inside one
// session incarnation. It is a weak reference: it never keeps the session
// alive, and it dies with the incarnation that created it.
type Handle struct {
	name       string
	session    *Session
	sessionID  string
	generation uint64
}

// Name returns the interpreter-side identifier.
func (h *Handle) Name() string { return h.name }

func (h *Handle) String() string {
	return fmt.Sprintf("Handle(%s@%s)", h.name, h.sessionID[:8])
}

// valid raises when the handle's session incarnation is gone; operating on
// a stale name would silently touch an unrelated value.
func (h *Handle) valid(s *Session) error {
	if h.session != s || h.sessionID != s.id || h.generation != s.generation {
		return &StaleHandleError{Name: h.name}
	}
	return nil
}

// Get returns the printed representation of the value behind the handle.
func (h *Handle) Get(ctx context.Context) (string, error) {
	s := h.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := h.valid(s); err != nil {
		return "", err
	}
	return s.getLocked(ctx, h.name)
}

// Release unbinds the interpreter-side value and puts the name on the
// free list.
func (h *Handle) Release(ctx context.Context) error {
	s := h.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := h.valid(s); err != nil {
		return err
	}
	if f := s.cfg.Dialect.UnbindFormat; f != "" {
		if _, err := s.evalRetry(ctx, fmt.Sprintf(f, h.name), false, false); err != nil {
			return err
		}
	}
	s.handles.release(h.name)
	return nil
}

// Result is the outcome of a function call: either a Handle to a value
// the interpreter returned, or the text a void procedure printed.
type Result struct {
	handle  *Handle
	printed string
}

// Value returns the handle and true when the call produced a value.
func (r Result) Value() (*Handle, bool) { return r.handle, r.handle != nil }

// Printed returns the normal-channel text of a void call.
func (r Result) Printed() string { return r.printed }

func (r Result) String() string {
	if r.handle != nil {
		return r.handle.String()
	}
	return fmt.Sprintf("Printed(%q)", r.printed)
}

// FunctionCall invokes name(args..., kwargs...) in the child and reports
// whether the call returned a value or merely printed. Args may be Handle
// references or literals; literals are rendered with %v and strings are
// passed through as raw interpreter syntax.
func (s *Session) FunctionCall(ctx context.Context, name string, args []any, kwargs map[string]any) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := checkFunctionName(name); err != nil {
		return Result{}, err
	}

	rendered := make([]string, 0, len(args)+len(kwargs))
	for _, a := range args {
		r, err := s.renderArg(a)
		if err != nil {
			return Result{}, err
		}
		rendered = append(rendered, r)
	}
	for k, v := range kwargs {
		r, err := s.renderArg(v)
		if err != nil {
			return Result{}, err
		}
		rendered = append(rendered, fmt.Sprintf("%s=%s", k, r))
	}

	d := &s.cfg.Dialect

	// Seed the sentinel so a void call leaves it in the last-value slot.
	seed := fmt.Sprintf("%s%s%s%s", d.SentinelSlot, d.AssignOp, sentinelMarker, d.SilentSuffix)
	if _, err := s.evalRetry(ctx, seed, false, false); err != nil {
		return Result{}, err
	}

	call := fmt.Sprintf("%s(%s)%c", name, strings.Join(rendered, ","), d.Terminator)
	printed, err := s.evalRetry(ctx, call, true, false)
	if err != nil {
		return Result{}, err
	}

	last, err := s.evalRetry(ctx, d.LastValueSlot+string(d.Terminator), false, false)
	if err != nil {
		return Result{}, err
	}
	if last == sentinelMarker {
		return Result{printed: printed}, nil
	}

	h, err := s.bindLocked(ctx, d.LastValueSlot)
	if err != nil {
		return Result{}, err
	}
	return Result{handle: h}, nil
}

// New binds the value of an expression to a fresh handle.
func (s *Session) New(ctx context.Context, expr string) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bindLocked(ctx, collapseLines(expr))
}

func (s *Session) bindLocked(ctx context.Context, expr string) (*Handle, error) {
	if err := s.ensureRunning(); err != nil {
		return nil, err
	}
	d := &s.cfg.Dialect
	name := s.handles.nextName(d.HandlePrefix)
	stmt := fmt.Sprintf("%s%s%s%s", name, d.AssignOp, expr, d.SilentSuffix)
	if _, err := s.evalRetry(ctx, stmt, true, false); err != nil {
		s.handles.release(name)
		return nil, err
	}
	return &Handle{
		name:       name,
		session:    s,
		sessionID:  s.id,
		generation: s.generation,
	}, nil
}

func (s *Session) renderArg(a any) (string, error) {
	switch v := a.(type) {
	case *Handle:
		if err := v.valid(s); err != nil {
			return "", err
		}
		return v.name, nil
	case string:
		return v, nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

func checkFunctionName(name string) error {
	if name == "" {
		return fmt.Errorf("function name must not be empty")
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		ok := c == '_' || c == '.' || c == '$' ||
			(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
		if !ok {
			return fmt.Errorf("invalid function name %q", name)
		}
	}
	return nil
}
