package replbridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// SessionRegistry owns a set of named sessions. Callers that used to rely
// on a module-level interpreter instance should hold a registry (or a
// single Session) explicitly; the package-level wrappers below exist only
// as a convenience edge and delegate to an explicit default registry.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessionRegistry returns an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*Session)}
}

// Open returns the named session, creating it from cfg if it does not
// exist yet.
func (r *SessionRegistry) Open(name string, cfg Config) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[name]; ok {
		return s, nil
	}
	s, err := NewSession(cfg)
	if err != nil {
		return nil, err
	}
	r.sessions[name] = s
	return s, nil
}

// Get returns the named session if it exists.
func (r *SessionRegistry) Get(name string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[name]
	return s, ok
}

// Close quits and removes the named session.
func (r *SessionRegistry) Close(name string) error {
	r.mu.Lock()
	s, ok := r.sessions[name]
	delete(r.sessions, name)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Quit()
}

// CloseAll quits every session in the registry.
func (r *SessionRegistry) CloseAll() error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var errs []error
	for name, s := range sessions {
		if err := s.Quit(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

const defaultSessionName = "default"

var (
	defaultRegistry = NewSessionRegistry()

	defaultMu  sync.Mutex
	defaultCfg *Config
)

// DefaultRegistry returns the registry backing the package-level
// convenience wrappers.
func DefaultRegistry() *SessionRegistry { return defaultRegistry }

// Configure sets the configuration used by the package-level default
// session. Must be called before the first Eval/FunctionCall wrapper.
func Configure(cfg Config) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultCfg = &cfg
}

// Default returns the package-level default session, creating it on first
// use from the Configure'd config.
func Default() (*Session, error) {
	defaultMu.Lock()
	cfg := defaultCfg
	defaultMu.Unlock()
	if cfg == nil {
		return nil, fmt.Errorf("replbridge: Configure must be called before using the default session")
	}
	return defaultRegistry.Open(defaultSessionName, *cfg)
}

// Eval evaluates code on the default session.
func Eval(ctx context.Context, code string) (string, error) {
	s, err := Default()
	if err != nil {
		return "", err
	}
	return s.Eval(ctx, code, EvalOptions{})
}

// FunctionCall invokes a function on the default session.
func FunctionCall(ctx context.Context, name string, args []any, kwargs map[string]any) (Result, error) {
	s, err := Default()
	if err != nil {
		return Result{}, err
	}
	return s.FunctionCall(ctx, name, args, kwargs)
}
