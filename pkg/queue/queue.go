package queue

import (
	"errors"
	"sync"

	"github.com/go-logr/logr"

	"github.com/printflow-ai/printflow/pkg/job"
)

// Errors
var (
	ErrNotFound    = errors.New("job not found in queue")
	ErrJobActive   = errors.New("cannot reposition an active job")
	ErrJobTerminal = errors.New("cannot reposition a terminal job")
)

// PrintQueue is the durable, priority-ordered collection of print jobs.
// Jobs are kept in descending priority order, stable within a priority band.
// Every mutation rewrites the whole snapshot to disk before returning.
type PrintQueue struct {
	mu     sync.RWMutex
	jobs   map[string]*job.PrintJob
	order  []string
	path   string
	logger logr.Logger
}

// New loads the queue snapshot at path, creating an empty queue if the file
// does not exist yet. Corrupt references in the snapshot are dropped, never
// fatal.
func New(path string, l logr.Logger) (*PrintQueue, error) {
	q := &PrintQueue{
		jobs:   make(map[string]*job.PrintJob),
		order:  []string{},
		path:   path,
		logger: l,
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

// Add assigns the job an id if it has none, applies priority and
// dependencies, inserts it at the back of its priority band and persists.
// Dependency ids are not validated: forward references are allowed and
// simply never become ready until the referenced job completes.
func (q *PrintQueue) Add(j *job.PrintJob, priority job.Priority, deps []string) (*job.PrintJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j.Priority = priority
	j.DependsOn = append([]string(nil), deps...)
	if j.Status == "" {
		j.Status = job.StatusPending
	}
	q.jobs[j.ID] = j
	q.insert(j.ID)

	if err := q.persist(); err != nil {
		return nil, err
	}
	q.logger.Info("job added", "id", j.ID, "name", j.Name, "priority", priority.String())
	return j.Clone(), nil
}

// Remove deletes a job and strips it from every other job's dependency
// list. Active jobs cannot be removed; returns false without changes.
func (q *PrintQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return false
	}
	if j.IsActive() {
		q.logger.Info("refusing to remove active job", "id", id)
		return false
	}
	delete(q.jobs, id)
	q.removeFromOrder(id)
	for _, other := range q.jobs {
		other.RemoveDependency(id)
	}
	if err := q.persist(); err != nil {
		q.logger.Error(err, "persist after remove failed", "id", id)
	}
	return true
}

// NextReady scans the queue in order and returns the first job that is
// Pending or Ready with every dependency Completed, marking it Ready.
// Returns nil when no job qualifies.
func (q *PrintQueue) NextReady() *job.PrintJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range q.order {
		j := q.jobs[id]
		if j.Status != job.StatusPending && j.Status != job.StatusReady {
			continue
		}
		if !q.depsSatisfied(j) {
			continue
		}
		if j.Status != job.StatusReady {
			j.Status = job.StatusReady
			if err := q.persist(); err != nil {
				q.logger.Error(err, "persist after ready failed", "id", id)
			}
		}
		return j.Clone()
	}
	return nil
}

// Get returns a copy of the job with the given id
func (q *PrintQueue) Get(id string) (*job.PrintJob, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	j, ok := q.jobs[id]
	if !ok {
		return nil, false
	}
	return j.Clone(), true
}

// Jobs returns copies of all jobs in queue order
func (q *PrintQueue) Jobs() []*job.PrintJob {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]*job.PrintJob, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.jobs[id].Clone())
	}
	return out
}

// Len returns the number of queued jobs
func (q *PrintQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.order)
}

// SetPriority repositions a job at the back of its new priority band.
// Active and terminal jobs cannot be repositioned.
func (q *PrintQueue) SetPriority(id string, priority job.Priority) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if err := q.repositionable(j); err != nil {
		return err
	}
	q.removeFromOrder(id)
	j.Priority = priority
	q.insert(id)
	return q.persist()
}

// MoveToTop moves a job to the front of its own priority band. It never
// crosses into a higher band.
func (q *PrintQueue) MoveToTop(id string) error {
	return q.reposition(id, true)
}

// MoveToBottom moves a job to the back of its own priority band
func (q *PrintQueue) MoveToBottom(id string) error {
	return q.reposition(id, false)
}

func (q *PrintQueue) reposition(id string, top bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if err := q.repositionable(j); err != nil {
		return err
	}
	q.removeFromOrder(id)
	if top {
		// front of the band: before the first job of equal-or-lower priority
		idx := len(q.order)
		for i, other := range q.order {
			if q.jobs[other].Priority <= j.Priority {
				idx = i
				break
			}
		}
		q.order = append(q.order[:idx], append([]string{id}, q.order[idx:]...)...)
	} else {
		q.insert(id)
	}
	return q.persist()
}

// SetStatus records a status transition, stamping StartedAt/CompletedAt as
// the job enters Printing or a terminal state, and persists. Illegal
// transitions are rejected.
func (q *PrintQueue) SetStatus(id string, status job.Status) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.setStatusLocked(id, status, "")
}

// Fail records a terminal failure with a message
func (q *PrintQueue) Fail(id, message string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.setStatusLocked(id, job.StatusFailed, message)
}

// SetSlot records the AMS slot resolved for a job at dispatch time
func (q *PrintQueue) SetSlot(id string, slot int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Material.SlotID = &slot
	return q.persist()
}

// UpdateProgress forwards progress counters to the job. Dropped unless the
// job is active. The device repeats unchanged counters on every push; those
// do not rewrite the snapshot.
func (q *PrintQueue) UpdateProgress(id string, percent, layer, totalLayers int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return false
	}
	before := j.Progress
	if !j.SetProgress(percent, layer, totalLayers) {
		return false
	}
	if j.Progress == before {
		return true
	}
	if err := q.persist(); err != nil {
		q.logger.Error(err, "persist after progress failed", "id", id)
	}
	return true
}

// CountByStatus returns how many jobs are in each status
func (q *PrintQueue) CountByStatus() map[job.Status]int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	counts := make(map[job.Status]int)
	for _, j := range q.jobs {
		counts[j.Status]++
	}
	return counts
}

// Pending returns copies of all not-yet-started jobs in queue order
func (q *PrintQueue) Pending() []*job.PrintJob {
	q.mu.RLock()
	defer q.mu.RUnlock()
	var out []*job.PrintJob
	for _, id := range q.order {
		j := q.jobs[id]
		if j.Status == job.StatusPending || j.Status == job.StatusReady {
			out = append(out, j.Clone())
		}
	}
	return out
}

// Completed returns up to limit terminal jobs, most recently completed
// first. limit <= 0 returns all.
func (q *PrintQueue) Completed(limit int) []*job.PrintJob {
	q.mu.RLock()
	defer q.mu.RUnlock()
	var out []*job.PrintJob
	for _, j := range q.jobs {
		if j.IsComplete() {
			out = append(out, j.Clone())
		}
	}
	sortByCompletedAt(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Printing returns the currently printing job, if any
func (q *PrintQueue) Printing() *job.PrintJob {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, j := range q.jobs {
		if j.Status == job.StatusPrinting {
			return j.Clone()
		}
	}
	return nil
}

// DepsSatisfied reports whether every dependency of the job is Completed
func (q *PrintQueue) DepsSatisfied(id string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	j, ok := q.jobs[id]
	if !ok {
		return false
	}
	return q.depsSatisfied(j)
}

func (q *PrintQueue) depsSatisfied(j *job.PrintJob) bool {
	for _, dep := range j.DependsOn {
		other, ok := q.jobs[dep]
		if !ok || other.Status != job.StatusCompleted {
			return false
		}
	}
	return true
}

func (q *PrintQueue) repositionable(j *job.PrintJob) error {
	if j.IsActive() {
		return ErrJobActive
	}
	if j.IsComplete() {
		return ErrJobTerminal
	}
	return nil
}

// insert places id at the back of its priority band: after the last job
// with equal or higher priority.
func (q *PrintQueue) insert(id string) {
	p := q.jobs[id].Priority
	idx := len(q.order)
	for i, other := range q.order {
		if q.jobs[other].Priority < p {
			idx = i
			break
		}
	}
	q.order = append(q.order[:idx], append([]string{id}, q.order[idx:]...)...)
}

func (q *PrintQueue) removeFromOrder(id string) {
	for i, other := range q.order {
		if other == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return
		}
	}
}
