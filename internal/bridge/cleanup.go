package bridge

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// collectGarbage opportunistically deletes warm-start images that have not
// been used within the retention window. Old installations leave a trail
// of images behind (every upgrade changes the installation key); left
// alone they accumulate into real disk usage. Runs at session creation and
// never affects correctness: a deleted image is simply rebuilt.
func (w *workspaceCache) collectGarbage() {
	cutoff := time.Now().Add(-w.cfg.Retention)
	freed := 0

	_ = w.updateIndex(func(b *bolt.Bucket) error {
		type victim struct {
			key  []byte
			path string
		}
		var victims []victim
		err := b.ForEach(func(k, v []byte) error {
			rec := decodeRecord(v)
			if string(k) == w.key || rec.LastUsed.After(cutoff) {
				return nil
			}
			victims = append(victims, victim{key: append([]byte(nil), k...), path: rec.Path})
			return nil
		})
		if err != nil {
			return err
		}
		for _, vic := range victims {
			if vic.path != "" {
				if err := os.Remove(vic.path); err == nil {
					_ = os.Remove(filepath.Dir(vic.path)) // empty key dir
					freed++
				} else if !os.IsNotExist(err) {
					w.log.Warn().Err(err).Str("image", vic.path).Msg("image cleanup: remove failed")
					continue
				}
			}
			if err := b.Delete(vic.key); err != nil {
				return err
			}
		}
		return nil
	})

	w.removeOrphans(cutoff)

	if freed > 0 {
		w.log.Info().Int("images", freed).Msg("image cleanup completed")
	}
}

// removeOrphans sweeps image directories that predate the index (or whose
// records were lost) by file mtime.
func (w *workspaceCache) removeOrphans(cutoff time.Time) {
	ents, err := os.ReadDir(w.cfg.WorkspaceDir)
	if err != nil {
		return
	}
	for _, e := range ents {
		if !e.IsDir() || e.Name() == w.key {
			continue
		}
		img := filepath.Join(w.cfg.WorkspaceDir, e.Name(), "workspace")
		info, err := os.Stat(img)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if w.indexed(e.Name()) {
			continue // still tracked; the index pass owns it
		}
		if err := os.Remove(img); err == nil {
			_ = os.Remove(filepath.Join(w.cfg.WorkspaceDir, e.Name()))
			w.log.Info().Str("image", img).Msg("removed orphaned warm-start image")
		}
	}
}

func (w *workspaceCache) indexed(key string) bool {
	found := false
	_ = w.updateIndex(func(b *bolt.Bucket) error {
		found = b.Get([]byte(key)) != nil
		return nil
	})
	return found
}

func decodeRecord(raw []byte) imageRecord {
	var rec imageRecord
	if raw != nil {
		_ = json.Unmarshal(raw, &rec)
	}
	return rec
}
