// Package watcher implements the config watcher: a single long-lived
// task that observes the limit-file directory and triggers a config
// registry reload after any fsnotify event (create, write, remove,
// rename, chmod) on the limit file's name. It does not tell a
// close-after-write apart from other events.
//
// Grounded on pkg/scheduler/config.go's use of fsnotify
// (a single fsnotify.Watcher driving a for-select loop over Events and
// Errors channels). Rapid-fire writes to the same path (editors that
// write-then-rename, or multiple Write events per save) are buffered
// through pkg/lib/eventqueue and debounced so a burst of events
// triggers at most one reload.
package watcher

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/example/gpushare-scheduler/pkg/config"
	"github.com/example/gpushare-scheduler/pkg/lib/eventqueue"
)

// DebounceInterval is how long the watcher waits after the last
// buffered event before actually reloading, collapsing a burst of
// fsnotify events (Write, then Chmod, then a rename-into-place) into a
// single reload.
const DebounceInterval = 200 * time.Millisecond

// Watcher observes dir for changes to filename and reloads reg when
// a matching event settles.
type Watcher struct {
	log      *logrus.Logger
	reg      *config.Registry
	dir      string
	filename string
	path     string

	buffer *eventqueue.Queue
}

// New constructs a Watcher that reloads reg from filepath.Join(dir,
// filename) whenever that file changes on disk.
func New(log *logrus.Logger, reg *config.Registry, dir, filename string) *Watcher {
	return &Watcher{
		log:      log,
		reg:      reg,
		dir:      dir,
		filename: filename,
		path:     filepath.Join(dir, filename),
		buffer:   eventqueue.New(),
	}
}

// Run watches until ctx is cancelled. Watcher setup failures are
// returned; once running, individual event-handling errors are logged,
// not fatal, per the source's "restart events it cannot process
// should be logged, not fatal" rule.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return err
	}
	w.log.Infof("watcher: observing %s for changes to %s", w.dir, w.filename)

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			w.buffer.Enqueue(ev)
			debounce = time.After(DebounceInterval)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warnf("watcher: fsnotify error: %v", err)

		case <-debounce:
			debounce = nil
			w.drainAndReload()
		}
	}
}

// drainAndReload empties the buffered event queue (logging the final
// coalesced event) and performs exactly one reload for the burst.
func (w *Watcher) drainAndReload() {
	var last fsnotify.Event
	n := 0
	for {
		ev, ok := w.buffer.Dequeue()
		if !ok {
			break
		}
		last = ev
		n++
	}
	if n == 0 {
		return
	}
	w.log.Debugf("watcher: coalesced %d event(s), last=%s, reloading", n, last.Op)

	if err := w.reg.Load(w.path); err != nil {
		w.log.Warnf("watcher: reload of %s failed: %v", w.path, err)
	}
}
