package bridge

import (
	"errors"
	"testing"
)

func TestHandleRegistry_NamesAndFreeList(t *testing.T) {
	var r handleRegistry
	r.reset(1)

	if got := r.nextName("$h"); got != "$h1" {
		t.Errorf("first name = %q", got)
	}
	if got := r.nextName("$h"); got != "$h2" {
		t.Errorf("second name = %q", got)
	}

	r.release("$h1")
	if got := r.nextName("$h"); got != "$h1" {
		t.Errorf("released name not reused: %q", got)
	}
	if got := r.nextName("$h"); got != "$h3" {
		t.Errorf("counter disturbed by free list: %q", got)
	}

	r.release("$h2")
	r.reset(2)
	if got := r.nextName("$h"); got != "$h1" {
		t.Errorf("reset should clear free list and counter, got %q", got)
	}
}

func TestHandleValidity(t *testing.T) {
	s := &Session{id: "11111111-aaaa", generation: 3}
	h := &Handle{name: "$h1", session: s, sessionID: s.id, generation: 3}

	if err := h.valid(s); err != nil {
		t.Fatalf("valid handle rejected: %v", err)
	}

	s.generation = 4
	var stale *StaleHandleError
	if err := h.valid(s); !errors.As(err, &stale) {
		t.Fatalf("err = %v, want StaleHandleError", err)
	}
	if stale.Name != "$h1" {
		t.Errorf("stale name = %q", stale.Name)
	}

	other := &Session{id: "22222222-bbbb", generation: 3}
	if err := h.valid(other); !errors.As(err, &stale) {
		t.Errorf("handle accepted by a different session: %v", err)
	}
}

func TestCheckFunctionName(t *testing.T) {
	for _, name := range []string{"Size", "IsAbelian", "Group_Of.Things", "$hack", "f2"} {
		if err := checkFunctionName(name); err != nil {
			t.Errorf("checkFunctionName(%q) = %v", name, err)
		}
	}
	for _, name := range []string{"", "f(x)", "a b", "x;y", `Print("`} {
		if err := checkFunctionName(name); err == nil {
			t.Errorf("checkFunctionName(%q) accepted", name)
		}
	}
}

func TestRenderArg(t *testing.T) {
	s := &Session{id: "11111111-aaaa", generation: 1}

	if got, err := s.renderArg("Group((1,2))"); err != nil || got != "Group((1,2))" {
		t.Errorf("string arg = %q, %v", got, err)
	}
	if got, err := s.renderArg(42); err != nil || got != "42" {
		t.Errorf("int arg = %q, %v", got, err)
	}
	if got, err := s.renderArg(true); err != nil || got != "true" {
		t.Errorf("bool arg = %q, %v", got, err)
	}

	h := &Handle{name: "$h7", session: s, sessionID: s.id, generation: 1}
	if got, err := s.renderArg(h); err != nil || got != "$h7" {
		t.Errorf("handle arg = %q, %v", got, err)
	}

	stale := &Handle{name: "$h7", session: s, sessionID: s.id, generation: 0}
	var staleErr *StaleHandleError
	if _, err := s.renderArg(stale); !errors.As(err, &staleErr) {
		t.Errorf("stale handle arg accepted: %v", err)
	}
}
