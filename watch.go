package hotswap

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// artifactWatcher turns filesystem events on the artifact into wake-ups of the
// poll loop. The directory is watched rather than the file because builds
// commonly replace the artifact by renaming a temporary file over it.
type artifactWatcher struct {
	watcher  *fsnotify.Watcher
	name     string
	debounce time.Duration
	logger   *slog.Logger

	wake chan struct{}
}

func newArtifactWatcher(artifact string, debounce time.Duration, logger *slog.Logger) (*artifactWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(artifact)); err != nil {
		w.Close()
		return nil, err
	}
	return &artifactWatcher{
		watcher:  w,
		name:     filepath.Base(artifact),
		debounce: debounce,
		logger:   logger,
		wake:     make(chan struct{}, 1),
	}, nil
}

// run forwards debounced events until ctx is done or the watcher is closed.
func (w *artifactWatcher) run(ctx context.Context) {
	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != w.name {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Chmod) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			select {
			case w.wake <- struct{}{}:
			default:
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("artifact watcher error", "error", err)
		}
	}
}

func (w *artifactWatcher) Close() error {
	return w.watcher.Close()
}
