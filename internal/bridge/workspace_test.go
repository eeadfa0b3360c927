package bridge

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func testWorkspaceConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Command = "/usr/bin/true"
	cfg.WorkspaceDir = filepath.Join(dir, "ws")
	cfg.StampPath = filepath.Join(dir, "stamp")
	if err := os.WriteFile(cfg.StampPath, []byte("v1"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	return &cfg
}

func writeImage(t *testing.T, w *workspaceCache) {
	t.Helper()
	if err := os.WriteFile(w.imagePath(), []byte("image"), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestWorkspaceCache_Staleness(t *testing.T) {
	cfg := testWorkspaceConfig(t)
	w, err := openWorkspaceCache(cfg, Logger())
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := w.freshImage(); ok {
		t.Fatal("fresh image reported before any image exists")
	}

	writeImage(t, w)
	p, ok := w.freshImage()
	if !ok || p != w.imagePath() {
		t.Fatalf("freshImage = %q, %v", p, ok)
	}

	// A stamp newer than the image means the installation changed.
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(cfg.StampPath, future, future); err != nil {
		t.Fatal(err)
	}
	if _, ok := w.freshImage(); ok {
		t.Fatal("image newer stamp not detected as stale")
	}

	// recordSaved registers a rebuilt image and clears staleness.
	writeImage(t, w)
	now := time.Now()
	if err := os.Chtimes(cfg.StampPath, now.Add(-time.Hour), now.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	w.recordSaved()
	if _, ok := w.freshImage(); !ok {
		t.Fatal("rebuilt image not fresh")
	}
}

func TestWorkspaceCache_MarkStaleAndInvalidate(t *testing.T) {
	cfg := testWorkspaceConfig(t)
	w, err := openWorkspaceCache(cfg, Logger())
	if err != nil {
		t.Fatal(err)
	}
	writeImage(t, w)
	w.recordSaved()

	w.markStale()
	if _, ok := w.freshImage(); ok {
		t.Fatal("markStale did not force a rebuild")
	}
	w.recordSaved()
	if _, ok := w.freshImage(); !ok {
		t.Fatal("recordSaved did not clear staleness")
	}

	w.invalidate()
	if _, ok := w.freshImage(); ok {
		t.Fatal("invalidated image still reported fresh")
	}
	if _, err := os.Stat(w.imagePath()); !os.IsNotExist(err) {
		t.Fatal("invalidate left the image file behind")
	}
	if w.indexed(w.key) {
		t.Fatal("invalidate left the index record behind")
	}
}

func TestWorkspaceCache_BuildLock(t *testing.T) {
	cfg := testWorkspaceConfig(t)
	w, err := openWorkspaceCache(cfg, Logger())
	if err != nil {
		t.Fatal(err)
	}

	release, ok := w.acquireBuildLock()
	if !ok {
		t.Fatal("first acquire failed")
	}
	if _, ok := w.acquireBuildLock(); ok {
		t.Fatal("second acquire succeeded while lock held")
	}
	release()
	release2, ok := w.acquireBuildLock()
	if !ok {
		t.Fatal("acquire after release failed")
	}
	release2()

	// An abandoned lock past its TTL is broken.
	lock := w.imagePath() + ".lock"
	if err := os.WriteFile(lock, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-buildLockTTL - time.Minute)
	if err := os.Chtimes(lock, old, old); err != nil {
		t.Fatal(err)
	}
	release3, ok := w.acquireBuildLock()
	if !ok {
		t.Fatal("abandoned lock not broken")
	}
	release3()
}

func TestInstallationKey(t *testing.T) {
	a := Config{Command: "/usr/bin/gap", StampPath: "/usr/lib/gap/stamp"}
	b := Config{Command: "/usr/bin/gap", StampPath: "/opt/gap/stamp"}
	if installationKey(&a) == installationKey(&b) {
		t.Error("different installations share a key")
	}
	if installationKey(&a) != installationKey(&a) {
		t.Error("key not deterministic")
	}
	if len(installationKey(&a)) != 16 {
		t.Errorf("key length = %d", len(installationKey(&a)))
	}
}

// putRecord injects an index record for a foreign installation key.
func putRecord(t *testing.T, w *workspaceCache, key string, rec imageRecord) {
	t.Helper()
	db, err := bolt.Open(w.cfg.indexPath(), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(imagesBucket))
		if err != nil {
			return err
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), raw)
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestCollectGarbage(t *testing.T) {
	cfg := testWorkspaceConfig(t)
	w, err := openWorkspaceCache(cfg, Logger())
	if err != nil {
		t.Fatal(err)
	}
	writeImage(t, w)
	w.recordSaved()

	// A stale foreign installation, past the retention window.
	oldKey := "deadbeef00000000"
	oldDir := filepath.Join(cfg.WorkspaceDir, oldKey)
	if err := os.MkdirAll(oldDir, 0o700); err != nil {
		t.Fatal(err)
	}
	oldImg := filepath.Join(oldDir, "workspace")
	if err := os.WriteFile(oldImg, []byte("old"), 0o600); err != nil {
		t.Fatal(err)
	}
	putRecord(t, w, oldKey, imageRecord{
		Path:     oldImg,
		LastUsed: time.Now().Add(-cfg.Retention - time.Hour),
	})

	// A recently used foreign installation stays.
	liveKey := "cafecafe00000000"
	liveDir := filepath.Join(cfg.WorkspaceDir, liveKey)
	if err := os.MkdirAll(liveDir, 0o700); err != nil {
		t.Fatal(err)
	}
	liveImg := filepath.Join(liveDir, "workspace")
	if err := os.WriteFile(liveImg, []byte("live"), 0o600); err != nil {
		t.Fatal(err)
	}
	putRecord(t, w, liveKey, imageRecord{Path: liveImg, LastUsed: time.Now()})

	// An orphaned directory with no index record and an ancient mtime.
	orphanDir := filepath.Join(cfg.WorkspaceDir, "0rphan0000000000")
	if err := os.MkdirAll(orphanDir, 0o700); err != nil {
		t.Fatal(err)
	}
	orphanImg := filepath.Join(orphanDir, "workspace")
	if err := os.WriteFile(orphanImg, []byte("orphan"), 0o600); err != nil {
		t.Fatal(err)
	}
	ancient := time.Now().Add(-cfg.Retention - time.Hour)
	if err := os.Chtimes(orphanImg, ancient, ancient); err != nil {
		t.Fatal(err)
	}

	w.collectGarbage()

	if _, err := os.Stat(oldImg); !os.IsNotExist(err) {
		t.Error("expired image survived collection")
	}
	if w.indexed(oldKey) {
		t.Error("expired record survived collection")
	}
	if _, err := os.Stat(liveImg); err != nil {
		t.Error("recently used image was collected")
	}
	if _, err := os.Stat(orphanImg); !os.IsNotExist(err) {
		t.Error("orphaned image survived collection")
	}
	if _, err := os.Stat(w.imagePath()); err != nil {
		t.Error("own image was collected")
	}
}
