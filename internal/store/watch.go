package store

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pbs-plus/plus-scheduler/internal/syslog"
)

const defaultWatchDebounce = 500 * time.Millisecond

// Watcher calls OnChange after the database file or its WAL is written by any
// process. Bursts of writes are collapsed into a single call.
type Watcher struct {
	Path     string
	Debounce time.Duration
	OnChange func()
}

func NewWatcher(path string, onChange func()) *Watcher {
	return &Watcher{
		Path:     path,
		Debounce: defaultWatchDebounce,
		OnChange: onChange,
	}
}

// Serve blocks until ctx is done. It satisfies suture.Service.
func (w *Watcher) Serve(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("Watcher: failed to create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.Path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("Watcher: failed to watch %s: %w", dir, err)
	}

	watched := map[string]struct{}{
		filepath.Clean(w.Path):          {},
		filepath.Clean(w.Path + "-wal"): {},
	}

	debounce := w.Debounce
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}

	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("Watcher: event channel closed")
			}
			if _, ok := watched[filepath.Clean(event.Name)]; !ok {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			fire = time.After(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("Watcher: error channel closed")
			}
			syslog.L.Error(err).WithMessage("database watcher error").WithField("path", w.Path).Write()
		case <-fire:
			fire = nil
			if w.OnChange != nil {
				w.OnChange()
			}
		}
	}
}

func (w *Watcher) String() string {
	return "database-watcher"
}
