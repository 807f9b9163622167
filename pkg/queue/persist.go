package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/printflow-ai/printflow/pkg/job"
)

// ErrAlreadyPrinting guards the single-active-job invariant
var ErrAlreadyPrinting = errors.New("another job is already printing")

// snapshot is the durable queue document: the job table plus the ordering
// list. The two are reconciled on load so a dangling reference on either
// side is dropped, never fatal.
type snapshot struct {
	Jobs  map[string]*job.PrintJob `json:"jobs"`
	Order []string                 `json:"order"`
}

func (q *PrintQueue) setStatusLocked(id string, status job.Status, message string) error {
	j, ok := q.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if !j.Status.CanTransitionTo(status) {
		return fmt.Errorf("illegal transition %s -> %s for job %s", j.Status, status, id)
	}
	if status == job.StatusPrinting && j.Status != job.StatusPaused {
		for _, other := range q.jobs {
			if other.ID != id && other.Status == job.StatusPrinting {
				return ErrAlreadyPrinting
			}
		}
	}
	now := time.Now()
	switch {
	case status == job.StatusPrinting && j.StartedAt == nil:
		j.StartedAt = &now
	case status.IsComplete():
		j.CompletedAt = &now
	}
	j.Status = status
	if message != "" {
		j.Error = message
	}
	return q.persist()
}

// load reads the snapshot file. A missing file yields an empty queue.
func (q *PrintQueue) load() error {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("corrupt queue snapshot %s: %w", q.path, err)
	}
	if snap.Jobs == nil {
		snap.Jobs = map[string]*job.PrintJob{}
	}

	// order entries without a job record are dropped silently
	seen := make(map[string]bool, len(snap.Order))
	for _, id := range snap.Order {
		if _, ok := snap.Jobs[id]; !ok {
			q.logger.Info("dropping dangling queue entry", "id", id)
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		q.order = append(q.order, id)
	}
	// job records missing from the ordering list are appended
	var orphans []string
	for id := range snap.Jobs {
		if !seen[id] {
			orphans = append(orphans, id)
		}
	}
	sort.Strings(orphans)
	q.order = append(q.order, orphans...)

	for _, id := range q.order {
		j := snap.Jobs[id]
		// dependencies on jobs that no longer exist are dropped
		kept := j.DependsOn[:0]
		for _, dep := range j.DependsOn {
			if _, ok := snap.Jobs[dep]; ok {
				kept = append(kept, dep)
			} else {
				q.logger.Info("dropping dangling dependency", "job", id, "dependsOn", dep)
			}
		}
		j.DependsOn = kept
		// a job active at crash time is requeued, not resumed
		if j.IsActive() {
			q.logger.Info("resetting interrupted job", "id", id, "status", j.Status)
			j.Status = job.StatusPending
		}
		q.jobs[id] = j
	}
	return nil
}

// persist rewrites the whole snapshot. Callers hold the queue mutex, so
// writes never interleave.
func (q *PrintQueue) persist() error {
	if q.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0755); err != nil {
		return err
	}
	snap := snapshot{Jobs: q.jobs, Order: q.order}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(q.path, data, 0644)
}

// Backup writes a copy of the current snapshot to path
func (q *PrintQueue) Backup(path string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	snap := snapshot{Jobs: q.jobs, Order: q.order}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func sortByCompletedAt(jobs []*job.PrintJob) {
	sort.SliceStable(jobs, func(i, k int) bool {
		a, b := jobs[i].CompletedAt, jobs[k].CompletedAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
}
