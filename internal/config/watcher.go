package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches one config file for on-disk writes and debounces them
// into a single callback, instead of reacting to every individual write
// syscall a text editor performs.
type Watcher struct {
	watcher *fsnotify.Watcher
	cancel  func()
	wg      sync.WaitGroup
}

// WatchFile starts watching path's parent directory (editors commonly
// replace a file via rename rather than in-place write, which fsnotify
// only observes on the containing directory) and calls onChange, debounced
// by debounce, whenever path itself is created, written, or renamed into
// place. A debounce of zero uses a 250ms default.
func WatchFile(path string, debounce time.Duration, onChange func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		_ = fsw.Close()
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(absPath)); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}

	done := make(chan struct{})
	w := &Watcher{watcher: fsw, cancel: func() { close(done) }}
	w.wg.Add(1)
	go w.loop(done, absPath, debounce, onChange)
	return w, nil
}

func (w *Watcher) loop(done <-chan struct{}, absPath string, debounce time.Duration, onChange func()) {
	defer w.wg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, onChange)
	}

	for {
		select {
		case <-done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != absPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				schedule()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}

// Close stops the watch loop and releases the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}
