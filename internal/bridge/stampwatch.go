package bridge

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// watchStamp monitors the installation build-stamp file via fsnotify and
// marks the warm-start image stale when the stamp is rewritten, so the
// next (re)start rebuilds instead of restoring an image from the previous
// installation. Watching the parent directory survives the atomic
// write-and-rename most installers do.
func watchStamp(ctx context.Context, stampPath string, ws *workspaceCache, log zerolog.Logger) {
	if stampPath == "" {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("stamp watcher: failed to create watcher")
		return
	}
	defer watcher.Close()

	dir := filepath.Dir(stampPath)
	if err := watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("stamp watcher: failed to watch")
		return
	}

	base := filepath.Base(stampPath)
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, func() {
				log.Info().Str("stamp", stampPath).Msg("build stamp changed; warm-start image marked stale")
				ws.markStale()
			})

		case werr, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(werr).Msg("stamp watcher: error")
		}
	}
}
