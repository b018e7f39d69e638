package contextmgr

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher flags tracked context files that changed on disk. It never reloads
// anything itself; the caller decides whether a change matters for the
// current session mode.
type Watcher struct {
	watcher *fsnotify.Watcher
	tracked map[string]string // absolute path -> tracked relative path

	mu      sync.Mutex
	changed map[string]bool
	done    chan struct{}
}

// Watch starts watching the directories of every tracked path of snap.
// Directories are watched instead of files so that editors that replace a
// file by rename are still observed.
func Watch(snap *Snapshot) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	w := &Watcher{
		watcher: fw,
		tracked: make(map[string]string),
		changed: make(map[string]bool),
		done:    make(chan struct{}),
	}

	dirs := make(map[string]bool)
	for _, ref := range snap.Tracked {
		abs, err := filepath.Abs(filepath.Join(snap.Options.BasePath, ref.Path))
		if err != nil {
			continue
		}
		w.tracked[abs] = ref.Path
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if rel, ok := w.tracked[filepath.Clean(event.Name)]; ok {
				w.mu.Lock()
				w.changed[rel] = true
				w.mu.Unlock()
			}
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			// Ignore errors, keep watching
		}
	}
}

// Changed returns the tracked paths modified since the previous call, sorted.
func (w *Watcher) Changed() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]string, 0, len(w.changed))
	for rel := range w.changed {
		out = append(out, rel)
	}
	sort.Strings(out)
	w.changed = make(map[string]bool)
	return out
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
