package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher triggers onChange whenever the config file (or the directory
// entry it resolves to, for editors that replace-via-rename) is written.
// Nothing in the module calls WatchFile; live reload is triggered only
// by SIGHUP in cmd/edged.
// Only the file's content may change across a live reload — the
// listener set is still fixed at process start per spec §1.
type Watcher struct {
	w        *fsnotify.Watcher
	path     string
	onChange func()
	done     chan struct{}
}

func WatchFile(path string, onChange func()) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}
	wt := &Watcher{w: w, path: filepath.Clean(path), onChange: onChange, done: make(chan struct{})}
	go wt.loop()
	return wt, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.onChange()
			}
		case <-w.w.Errors:
			// the watcher keeps running; errors are non-fatal, SIGHUP
			// remains available as a fallback reload trigger.
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) Close() error {
	close(w.done)
	return w.w.Close()
}
