// Package periodic runs keyed recurring maintenance tasks: status refresh
// pushes and queue snapshot backups.
package periodic

import (
	"sync"

	"github.com/go-logr/logr"
	"github.com/robfig/cron/v3"
)

type Task struct {
	ID       cron.EntryID
	Schedule string
	Action   func()
}

type Runner struct {
	cron   *cron.Cron
	tasks  map[string]*Task
	mu     sync.RWMutex
	logger logr.Logger
}

func NewRunner(l logr.Logger) *Runner {
	return &Runner{
		cron:   cron.New(),
		tasks:  make(map[string]*Task),
		logger: l,
	}
}

func (r *Runner) Start() {
	r.cron.Start()
}

func (r *Runner) Stop() {
	r.cron.Stop()
}

func (r *Runner) AddTask(key string, schedule string, action func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Remove existing task if it exists
	if existing, exists := r.tasks[key]; exists {
		r.cron.Remove(existing.ID)
		delete(r.tasks, key)
	}

	id, err := r.cron.AddFunc(schedule, func() {
		r.logger.V(1).Info("running periodic task", "key", key)
		action()
	})
	if err != nil {
		return err
	}

	r.tasks[key] = &Task{
		ID:       id,
		Schedule: schedule,
		Action:   action,
	}
	return nil
}

func (r *Runner) RemoveTask(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if task, exists := r.tasks[key]; exists {
		r.cron.Remove(task.ID)
		delete(r.tasks, key)
	}
}
