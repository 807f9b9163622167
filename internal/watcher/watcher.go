// Package watcher ingests sliced files dropped into a directory, turning
// each into a queued print job.
package watcher

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"

	"github.com/printflow-ai/printflow/pkg/job"
	"github.com/printflow-ai/printflow/pkg/queue"
)

// settleDelay gives the slicer time to finish writing before the file is
// enqueued.
const settleDelay = 2 * time.Second

var printableExts = map[string]bool{
	".3mf":   true,
	".gcode": true,
}

// Watcher enqueues new printable files from a drop directory
type Watcher struct {
	dir    string
	queue  *queue.PrintQueue
	logger logr.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// New creates a watcher for dir. Run starts it.
func New(dir string, q *queue.PrintQueue, l logr.Logger) *Watcher {
	return &Watcher{
		dir:     dir,
		queue:   q,
		logger:  l,
		pending: make(map[string]*time.Timer),
	}
}

// Run watches until the context is cancelled
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return err
	}
	w.logger.Info("watching drop directory", "dir", w.dir)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.handle(event.Name)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error(err, "watch error")
		}
	}
}

// handle debounces the path and enqueues once writes settle
func (w *Watcher) handle(path string) {
	if !printableExts[strings.ToLower(filepath.Ext(path))] {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.pending[path]; ok && timer.Reset(settleDelay) {
		return
	}
	// no timer, or one whose callback already fired and lost the race for
	// the mutex; arm a fresh one and let the stale callback see it was
	// superseded
	var timer *time.Timer
	timer = time.AfterFunc(settleDelay, func() {
		w.mu.Lock()
		if w.pending[path] != timer {
			w.mu.Unlock()
			return
		}
		delete(w.pending, path)
		w.mu.Unlock()
		w.enqueue(path)
	})
	w.pending[path] = timer
}

func (w *Watcher) enqueue(path string) {
	if w.alreadyQueued(path) {
		w.logger.Info("file already queued, skipping", "path", path)
		return
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	j, err := w.queue.Add(job.New(name, path), job.PriorityNormal, nil)
	if err != nil {
		w.logger.Error(err, "enqueue from drop directory failed", "path", path)
		return
	}
	w.logger.Info("job enqueued from drop directory", "id", j.ID, "path", path)
}

// alreadyQueued reports whether a not-yet-terminal job references the path
func (w *Watcher) alreadyQueued(path string) bool {
	for _, j := range w.queue.Jobs() {
		if j.FilePath == path && !j.IsComplete() {
			return true
		}
	}
	return false
}
