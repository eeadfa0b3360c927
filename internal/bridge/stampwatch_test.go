package bridge

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestWatchStamp_MarksImageStale(t *testing.T) {
	cfg := testWorkspaceConfig(t)
	w, err := openWorkspaceCache(cfg, Logger())
	if err != nil {
		t.Fatal(err)
	}
	writeImage(t, w)
	w.recordSaved()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		watchStamp(ctx, cfg.StampPath, w, Logger())
	}()

	// Give the watcher time to install before touching the stamp.
	time.Sleep(200 * time.Millisecond)
	if err := os.WriteFile(cfg.StampPath, []byte("v2"), 0o600); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for !w.stale.Load() {
		if time.Now().After(deadline) {
			t.Fatal("stamp rewrite did not mark the image stale")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on cancellation")
	}
}

func TestWatchStamp_IgnoresSiblingFiles(t *testing.T) {
	cfg := testWorkspaceConfig(t)
	w, err := openWorkspaceCache(cfg, Logger())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watchStamp(ctx, cfg.StampPath, w, Logger())

	time.Sleep(200 * time.Millisecond)
	sibling := cfg.StampPath + ".other"
	if err := os.WriteFile(sibling, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	time.Sleep(400 * time.Millisecond)
	if w.stale.Load() {
		t.Fatal("sibling file write marked the image stale")
	}
}
