// Package watcher observes bd's on-disk append log and reports changes.
// It is best-effort: when the log's directory cannot be watched the daemon
// logs and continues, and refreshes then only happen at subscribe time and
// after mutations.
package watcher

import (
	"context"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Legacy log name still produced by older bd versions.
const legacyLogName = "beads.jsonl"

// Watcher drives a callback for every change to the tracker's append log.
type Watcher struct {
	dir      string
	names    map[string]struct{}
	onChange func()
}

// New creates a watcher for the append log at logPath.  onChange is invoked
// from the watch goroutine for every write/create/rename of the log file;
// the callback must be cheap (the refresh debounce lives elsewhere).
func New(logPath string, onChange func()) *Watcher {
	names := map[string]struct{}{
		filepath.Base(logPath): {},
		legacyLogName:          {},
	}
	return &Watcher{
		dir:      filepath.Dir(logPath),
		names:    names,
		onChange: onChange,
	}
}

// Run watches until ctx is cancelled.  Call in a dedicated goroutine.
func (w *Watcher) Run(ctx context.Context) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("watcher: disabled: %v", err)
		return
	}
	defer fw.Close()

	// Watch the directory, not the file: bd rewrites the log via rename,
	// which drops per-file watches.
	if err := fw.Add(w.dir); err != nil {
		log.Printf("watcher: cannot watch %s: %v", w.dir, err)
		return
	}
	log.Printf("watcher: watching %s", w.dir)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if !w.matches(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				w.onChange()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			log.Printf("watcher: %v", err)
		}
	}
}

func (w *Watcher) matches(path string) bool {
	_, ok := w.names[filepath.Base(path)]
	return ok
}
