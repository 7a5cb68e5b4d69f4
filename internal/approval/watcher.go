package approval

import (
	"context"
	"log"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DriftWatcher watches the environment's dependency manifest (for example a
// requirements lockfile) and triggers a Sync when it changes out-of-band.
// Events are debounced: editors and package tools write in bursts.
type DriftWatcher struct {
	manager  *Manager
	path     string
	debounce time.Duration

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewDriftWatcher creates a watcher for the given manifest path.
func NewDriftWatcher(m *Manager, path string) (*DriftWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}

	return &DriftWatcher{
		manager:  m,
		path:     path,
		debounce: 2 * time.Second,
		watcher:  watcher,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. Runs until Stop is called.
func (w *DriftWatcher) Start() {
	go w.loop()
	log.Printf("Watching %s for dependency drift", w.path)
}

// Stop ends the watch.
func (w *DriftWatcher) Stop() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *DriftWatcher) loop() {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("Drift watcher error: %v", err)
		case <-timerC:
			timer = nil
			timerC = nil

			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			result, err := w.manager.Sync(ctx)
			cancel()
			if err != nil {
				log.Printf("Drift sync failed: %v", err)
				continue
			}
			if len(result.Added) > 0 || len(result.Removed) > 0 {
				log.Printf("Drift sync: %d added, %d removed", len(result.Added), len(result.Removed))
			}
		}
	}
}
