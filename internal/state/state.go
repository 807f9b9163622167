package state

import (
	"sync"

	"github.com/go-logr/logr"

	"github.com/printflow-ai/printflow/internal/config"
	"github.com/printflow-ai/printflow/internal/periodic"
	"github.com/printflow-ai/printflow/internal/scheduler"
	"github.com/printflow-ai/printflow/pkg/printer"
	"github.com/printflow-ai/printflow/pkg/queue"
)

// AppState wires the orchestration core together: the durable queue, the
// device session, the scheduler driving both, and the recurring
// maintenance tasks.
type AppState struct {
	Config    config.Config
	Queue     *queue.PrintQueue
	Printer   *printer.Client
	Scheduler *scheduler.Scheduler
	Periodic  *periodic.Runner
	Mu        sync.RWMutex
	Logger    logr.Logger
}

// New builds the application state from configuration. The printer session
// is not connected yet; callers decide when to dial.
func New(cfg config.Config, logger logr.Logger) (*AppState, error) {
	q, err := queue.New(cfg.QueuePath, logger.WithName("queue"))
	if err != nil {
		return nil, err
	}

	client := printer.NewClient(cfg.Printer, logger.WithName("printer"))
	sched := scheduler.New(q, client, cfg.Scheduler, logger.WithName("scheduler"))

	// the listener feeds the scheduler's device mirror
	client.OnStatus(sched.HandleStatus)

	s := &AppState{
		Config:    cfg,
		Queue:     q,
		Printer:   client,
		Scheduler: sched,
		Periodic:  periodic.NewRunner(logger.WithName("periodic")),
		Logger:    logger,
	}

	if cfg.StatusRefreshSchedule != "" {
		err := s.Periodic.AddTask("status-refresh", cfg.StatusRefreshSchedule, func() {
			if client.IsConnected() {
				if err := client.RequestFullStatus(); err != nil {
					logger.Error(err, "status refresh failed")
				}
			}
		})
		if err != nil {
			logger.Error(err, "status refresh schedule rejected",
				"schedule", cfg.StatusRefreshSchedule)
		}
	}
	if cfg.BackupSchedule != "" && cfg.BackupPath != "" {
		err := s.Periodic.AddTask("queue-backup", cfg.BackupSchedule, func() {
			if err := q.Backup(cfg.BackupPath); err != nil {
				logger.Error(err, "queue backup failed", "path", cfg.BackupPath)
			}
		})
		if err != nil {
			logger.Error(err, "backup schedule rejected", "schedule", cfg.BackupSchedule)
		}
	}

	return s, nil
}

// Shutdown stops recurring tasks and closes the device session
func (s *AppState) Shutdown() {
	s.Periodic.Stop()
	s.Printer.Disconnect()
}
