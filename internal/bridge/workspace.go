package bridge

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

const imagesBucket = "images"

// buildLockTTL is how long a build lock is honored before it is presumed
// abandoned by a dead process.
const buildLockTTL = 10 * time.Minute

// imageRecord is the per-installation metadata kept in the bbolt index.
type imageRecord struct {
	Path       string    `json:"path"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsed   time.Time `json:"last_used"`
	StampMTime time.Time `json:"stamp_mtime"`
}

// workspaceCache persists and restores the child's serialized memory image
// so later sessions skip the slow cold initialization. Images live at
// <root>/<installation-key>/workspace; the companion build-stamp file's
// mtime is the staleness oracle. Metadata lives in a bbolt index shared by
// all sessions of this installation.
type workspaceCache struct {
	cfg   *Config
	key   string
	stale atomic.Bool
	log   zerolog.Logger
}

func openWorkspaceCache(cfg *Config, log zerolog.Logger) (*workspaceCache, error) {
	w := &workspaceCache{cfg: cfg, log: log}
	w.key = installationKey(cfg)
	if err := os.MkdirAll(filepath.Join(cfg.WorkspaceDir, w.key), 0o700); err != nil {
		return nil, err
	}
	readme := filepath.Join(cfg.WorkspaceDir, "README.txt")
	if _, err := os.Stat(readme); err != nil {
		_ = os.WriteFile(readme, []byte("It is OK to delete all these cache files. They will be recreated as needed.\n"), 0o600)
	}
	return w, nil
}

// installationKey identifies one interpreter installation: same binary,
// same stamp, same image.
func installationKey(cfg *Config) string {
	h := sha256.New()
	h.Write([]byte(cfg.Command))
	h.Write([]byte{0})
	h.Write([]byte(cfg.StampPath))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func (w *workspaceCache) imagePath() string {
	return filepath.Join(w.cfg.WorkspaceDir, w.key, "workspace")
}

// markStale forces a rebuild before the next start regardless of mtimes;
// the stamp watcher flips this when the stamp file changes under us.
func (w *workspaceCache) markStale() {
	w.stale.Store(true)
}

// freshImage returns the image path if one exists and is not older than
// the build stamp.
func (w *workspaceCache) freshImage() (string, bool) {
	if w.stale.Load() {
		return "", false
	}
	p := w.imagePath()
	info, err := os.Stat(p)
	if err != nil {
		return "", false
	}
	if stamp := w.cfg.stampMTime(); !stamp.IsZero() && info.ModTime().Before(stamp) {
		w.log.Info().Str("image", p).Msg("warm-start image is older than the build stamp; rebuilding")
		return "", false
	}
	return p, true
}

// invalidate deletes the image and its index record; the next start is a
// cold start followed by a rebuild.
func (w *workspaceCache) invalidate() {
	p := w.imagePath()
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.log.Warn().Err(err).Str("image", p).Msg("could not remove warm-start image")
	}
	_ = w.updateIndex(func(b *bolt.Bucket) error {
		return b.Delete([]byte(w.key))
	})
}

// touch records that this installation's image was used, for the
// retention-window garbage collector.
func (w *workspaceCache) touch() {
	_ = w.updateIndex(func(b *bolt.Bucket) error {
		rec := w.readRecord(b)
		rec.Path = w.imagePath()
		rec.LastUsed = time.Now()
		return w.writeRecord(b, rec)
	})
}

// recordSaved registers a freshly written image.
func (w *workspaceCache) recordSaved() {
	now := time.Now()
	_ = w.updateIndex(func(b *bolt.Bucket) error {
		return w.writeRecord(b, imageRecord{
			Path:       w.imagePath(),
			CreatedAt:  now,
			LastUsed:   now,
			StampMTime: w.cfg.stampMTime(),
		})
	})
	w.stale.Store(false)
}

func (w *workspaceCache) readRecord(b *bolt.Bucket) imageRecord {
	var rec imageRecord
	if raw := b.Get([]byte(w.key)); raw != nil {
		_ = json.Unmarshal(raw, &rec)
	}
	return rec
}

func (w *workspaceCache) writeRecord(b *bolt.Bucket, rec imageRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put([]byte(w.key), raw)
}

// updateIndex runs fn inside a short-lived bbolt transaction. The index
// file is opened per operation so independent sessions of the same
// installation never hold the file lock for long.
func (w *workspaceCache) updateIndex(fn func(*bolt.Bucket) error) error {
	db, err := bolt.Open(w.cfg.indexPath(), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		w.log.Warn().Err(err).Msg("could not open image index")
		return err
	}
	defer db.Close()
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(imagesBucket))
		if err != nil {
			return err
		}
		return fn(b)
	})
	if err != nil {
		w.log.Warn().Err(err).Msg("image index update failed")
	}
	return err
}

// acquireBuildLock makes image builds exactly-once across processes. The
// returned release func is nil when another process is already building.
func (w *workspaceCache) acquireBuildLock() (func(), bool) {
	lock := w.imagePath() + ".lock"
	f, err := os.OpenFile(lock, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err == nil {
		f.Close()
		return func() { os.Remove(lock) }, true
	}
	if info, serr := os.Stat(lock); serr == nil && time.Since(info.ModTime()) > buildLockTTL {
		w.log.Warn().Str("lock", lock).Msg("breaking abandoned build lock")
		_ = os.Remove(lock)
		return w.acquireBuildLock()
	}
	return nil, false
}

// saveWorkspaceLocked instructs the running child to serialize its memory
// image. Only valid at top level with no command in flight; the session
// lock guarantees that here. Caller holds the session lock.
func (s *Session) saveWorkspaceLocked() error {
	if s.ws == nil {
		return fmt.Errorf("no workspace directory configured")
	}
	d := &s.cfg.Dialect
	if d.SaveWorkspaceFormat == "" {
		return fmt.Errorf("dialect has no save-workspace directive")
	}
	release, ok := s.ws.acquireBuildLock()
	if !ok {
		s.log.Info().Msg("another process is building the warm-start image; skipping save")
		return nil
	}
	defer release()

	if err := s.ensureRunning(); err != nil {
		return err
	}
	stmt := fmt.Sprintf(d.SaveWorkspaceFormat, s.ws.imagePath())
	if _, err := s.evalRetry(nil, stmt, false, false); err != nil {
		return err
	}
	s.ws.recordSaved()
	s.log.Info().Str("image", s.ws.imagePath()).Msg("saved warm-start image")
	return nil
}

// SaveWorkspace saves the warm-start image from the current child state.
// Calling it while a command is in flight is a usage error.
func (s *Session) SaveWorkspace() error {
	if !s.mu.TryLock() {
		return ErrPending
	}
	defer s.mu.Unlock()
	if s.State() == StateQuit {
		return ErrQuit
	}
	return s.saveWorkspaceLocked()
}

// ResetWorkspace discards the warm-start image and rebuilds it from a
// cold start.
func (s *Session) ResetWorkspace() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ws == nil {
		return fmt.Errorf("no workspace directory configured")
	}
	if s.State() == StateQuit {
		return ErrQuit
	}
	s.ws.invalidate()
	return s.restartLocked()
}
