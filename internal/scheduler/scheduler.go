// Package scheduler turns queue state into device commands: it selects the
// next eligible job per the configured strategy, dispatches it to the
// printer and reacts to the device's asynchronous status stream.
package scheduler

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/printflow-ai/printflow/pkg/ams"
	"github.com/printflow-ai/printflow/pkg/job"
	"github.com/printflow-ai/printflow/pkg/printer"
	"github.com/printflow-ai/printflow/pkg/queue"
)

// State is the scheduler's own state machine
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
	StatePaused  State = "paused"
)

// Device is the slice of the protocol client the scheduler drives
type Device interface {
	IsConnected() bool
	AMSUnits() []ams.Unit
	StartPrint(fileName string, opts printer.PrintOptions) error
	PausePrint() error
	ResumePrint() error
	StopPrint() error
	Upload(localPath, remoteName string) printer.TransferResult
}

// Options configures scheduling policy
type Options struct {
	// Strategy selects among priority, shortest and material
	Strategy string `json:"strategy"`
	// PauseOnFailure stalls dispatch after a failed job until an operator
	// resumes. Cascading failures on unattended hardware are worse than
	// stalling.
	PauseOnFailure bool `json:"pauseOnFailure"`
	// AutoStartNext dispatches the next job as soon as one completes
	AutoStartNext bool `json:"autoStartNext"`
	// AMS tunes color-to-slot resolution at dispatch time
	AMS ams.Config `json:"ams"`
	// DispatchWarnAfter logs a diagnostic when a dispatched job has not
	// reached the device's printing state within the window. Diagnostic
	// only; the protocol has no per-command acknowledgment.
	DispatchWarnAfter time.Duration `json:"dispatchWarnAfter"`
}

// DefaultOptions returns the policy defaults
func DefaultOptions() Options {
	return Options{
		Strategy:          StrategyPriority,
		PauseOnFailure:    true,
		AutoStartNext:     true,
		AMS:               ams.DefaultConfig(),
		DispatchWarnAfter: 2 * time.Minute,
	}
}

// JobCallback observes a lifecycle event with a copy of the job
type JobCallback func(*job.PrintJob)

// Scheduler drives the printer from the queue. At most one job is current
// at any time.
type Scheduler struct {
	mu       sync.Mutex
	state    State
	current  *job.PrintJob
	queue    *queue.PrintQueue
	device   Device
	strategy Strategy
	opts     Options
	logger   logr.Logger

	lastDeviceState printer.State
	dispatchedAt    time.Time
	dispatchWarned  bool

	cbMu       sync.RWMutex
	onStart    []JobCallback
	onComplete []JobCallback
	onFailed   []JobCallback
}

// New builds a stopped scheduler
func New(q *queue.PrintQueue, device Device, opts Options, l logr.Logger) *Scheduler {
	return &Scheduler{
		state:    StateStopped,
		queue:    q,
		device:   device,
		strategy: StrategyFor(opts.Strategy),
		opts:     opts,
		logger:   l,
	}
}

// OnJobStart registers a callback fired when a job is dispatched
func (s *Scheduler) OnJobStart(cb JobCallback) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.onStart = append(s.onStart, cb)
}

// OnJobComplete registers a callback fired when a job completes
func (s *Scheduler) OnJobComplete(cb JobCallback) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.onComplete = append(s.onComplete, cb)
}

// OnJobFailed registers a callback fired when a job fails
func (s *Scheduler) OnJobFailed(cb JobCallback) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.onFailed = append(s.onFailed, cb)
}

// State returns the scheduler state
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CurrentJob returns a copy of the in-flight job, if any
func (s *Scheduler) CurrentJob() *job.PrintJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	return s.current.Clone()
}

// Start begins dispatching. With a job already in flight it never selects
// another: running is a no-op and a paused job is resumed, so the in-flight
// job cannot be stranded. With nothing eligible the scheduler stops again.
// Returns the current job, if any.
func (s *Scheduler) Start() *job.PrintJob {
	s.mu.Lock()
	if s.current != nil {
		if s.state == StatePaused {
			s.resumeCurrentLocked()
		}
		s.state = StateRunning
		j := s.current.Clone()
		s.mu.Unlock()
		return j
	}
	s.state = StateRunning
	dispatched := s.dispatchNextLocked()
	s.mu.Unlock()

	if dispatched != nil {
		s.fire(s.startCallbacks(), dispatched)
	}
	return dispatched
}

// Pause halts dispatch and pauses the in-flight job on the device
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return
	}
	s.state = StatePaused
	if s.current != nil && s.current.Status == job.StatusPrinting {
		if err := s.queue.SetStatus(s.current.ID, job.StatusPaused); err != nil {
			s.logger.Error(err, "pause status update failed", "id", s.current.ID)
		} else {
			s.current.Status = job.StatusPaused
		}
		if err := s.device.PausePrint(); err != nil {
			s.logger.Error(err, "device pause failed")
		}
	}
	s.logger.Info("scheduler paused")
}

// Resume restarts dispatch, resuming the in-flight job or, after a
// pause-on-failure stall, selecting the next one.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	if s.state != StatePaused {
		s.mu.Unlock()
		return
	}
	s.state = StateRunning
	var dispatched *job.PrintJob
	if s.current != nil {
		s.resumeCurrentLocked()
	} else if s.opts.AutoStartNext {
		dispatched = s.dispatchNextLocked()
	}
	s.logger.Info("scheduler resumed")
	s.mu.Unlock()

	if dispatched != nil {
		s.fire(s.startCallbacks(), dispatched)
	}
}

// resumeCurrentLocked moves a paused in-flight job back to Printing on the
// queue and the device. Callers hold the mutex.
func (s *Scheduler) resumeCurrentLocked() {
	if s.current == nil || s.current.Status != job.StatusPaused {
		return
	}
	if err := s.queue.SetStatus(s.current.ID, job.StatusPrinting); err != nil {
		s.logger.Error(err, "resume status update failed", "id", s.current.ID)
	} else {
		s.current.Status = job.StatusPrinting
	}
	if err := s.device.ResumePrint(); err != nil {
		s.logger.Error(err, "device resume failed")
	}
}

// CancelCurrent stops the device, marks the in-flight job Cancelled and,
// when running, advances to the next job. The device may still be mid
// operation until its status stream confirms the stop; the stop command is
// sent before the job is marked.
func (s *Scheduler) CancelCurrent() *job.PrintJob {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return nil
	}
	if err := s.device.StopPrint(); err != nil {
		s.logger.Error(err, "device stop failed")
	}
	id := s.current.ID
	if err := s.queue.SetStatus(id, job.StatusCancelled); err != nil {
		s.logger.Error(err, "cancel status update failed", "id", id)
	}
	cancelled, _ := s.queue.Get(id)
	s.current = nil

	var dispatched *job.PrintJob
	if s.state == StateRunning && s.opts.AutoStartNext {
		dispatched = s.dispatchNextLocked()
	}
	s.mu.Unlock()

	if dispatched != nil {
		s.fire(s.startCallbacks(), dispatched)
	}
	return cancelled
}

// JobCompleted records a terminal status for the job and advances or
// stalls per policy.
func (s *Scheduler) JobCompleted(id string, success bool, message string) {
	s.mu.Lock()
	var err error
	if success {
		err = s.queue.SetStatus(id, job.StatusCompleted)
	} else {
		err = s.queue.Fail(id, message)
	}
	if err != nil {
		s.logger.Error(err, "terminal status update failed", "id", id)
	}
	finished, _ := s.queue.Get(id)
	if s.current != nil && s.current.ID == id {
		s.current = nil
	}

	var dispatched *job.PrintJob
	switch {
	// a stale failure report must not pull a stopped scheduler into Paused
	case !success && s.opts.PauseOnFailure && s.state == StateRunning:
		s.state = StatePaused
		s.logger.Info("pausing after failure", "id", id, "error", message)
	case s.state == StateRunning && s.opts.AutoStartNext:
		dispatched = s.dispatchNextLocked()
	}
	s.mu.Unlock()

	if finished != nil {
		if success {
			s.fire(s.completeCallbacks(), finished)
		} else {
			s.fire(s.failedCallbacks(), finished)
		}
	}
	if dispatched != nil {
		s.fire(s.startCallbacks(), dispatched)
	}
}

// Progress forwards progress counters to the job record. It never affects
// scheduling decisions.
func (s *Scheduler) Progress(id string, percent, layer, totalLayers int) {
	s.queue.UpdateProgress(id, percent, layer, totalLayers)
}

// HandleStatus ingests a device status snapshot. Registered with the
// protocol client, it runs on the listener goroutine and must stay quick.
func (s *Scheduler) HandleStatus(status printer.Status) {
	s.mu.Lock()
	if s.current == nil {
		s.lastDeviceState = status.State
		s.mu.Unlock()
		return
	}
	id := s.current.ID
	previous := s.lastDeviceState
	s.lastDeviceState = status.State

	if status.State == printer.StatePrinting {
		s.dispatchWarned = false
		s.queue.UpdateProgress(id, status.Percent, status.Layer, status.TotalLayers)
	}

	if s.opts.DispatchWarnAfter > 0 && !s.dispatchWarned &&
		status.State != printer.StatePrinting && status.State != printer.StatePaused &&
		!s.dispatchedAt.IsZero() && time.Since(s.dispatchedAt) > s.opts.DispatchWarnAfter {
		s.dispatchWarned = true
		s.logger.Info("dispatched job has not reached printing state",
			"id", id, "deviceState", status.State)
	}
	s.mu.Unlock()

	// terminal transitions come from the device, one per edge
	if previous != status.State {
		switch status.State {
		case printer.StateFinished:
			s.JobCompleted(id, true, "")
		case printer.StateError:
			msg := status.ErrorMessage
			if msg == "" {
				msg = fmt.Sprintf("device error %d", status.ErrorCode)
			}
			s.JobCompleted(id, false, msg)
		}
	}
}

// dispatchNextLocked selects, marks and starts the next job. Callers hold
// the mutex and fire the start callbacks after unlocking. With nothing
// eligible the scheduler stops.
func (s *Scheduler) dispatchNextLocked() *job.PrintJob {
	next := s.strategy.SelectNext(s.queue)
	if next == nil {
		s.state = StateStopped
		s.current = nil
		s.logger.Info("queue drained, scheduler stopped")
		return nil
	}

	mapping, err := s.resolveSlots(next)
	if err != nil {
		s.logger.Error(err, "slot resolution failed", "id", next.ID)
		if ferr := s.queue.Fail(next.ID, err.Error()); ferr != nil {
			s.logger.Error(ferr, "failure status update failed", "id", next.ID)
		}
		if failed, ok := s.queue.Get(next.ID); ok {
			// fired off-thread: the mutex is held here
			go s.fire(s.failedCallbacks(), failed)
		}
		if s.opts.PauseOnFailure {
			s.state = StatePaused
			return nil
		}
		return s.dispatchNextLocked()
	}

	if err := s.queue.SetStatus(next.ID, job.StatusPrinting); err != nil {
		s.logger.Error(err, "dispatch status update failed", "id", next.ID)
		return nil
	}
	s.current, _ = s.queue.Get(next.ID)
	s.dispatchedAt = time.Now()
	s.dispatchWarned = false
	s.logger.Info("dispatching job", "id", next.ID, "name", next.Name,
		"strategy", s.strategy.Name())

	s.startOnDevice(next, mapping)
	return s.current.Clone()
}

// resolveSlots maps the job's color requirements to AMS slots. Missing
// colors fail the dispatch in strict mode; otherwise they are logged with
// the suggested operator action.
func (s *Scheduler) resolveSlots(j *job.PrintJob) ([]int, error) {
	colors := j.Material.Colors
	if len(colors) == 0 && j.Material.Color != "" {
		colors = []string{j.Material.Color}
	}
	units := s.device.AMSUnits()
	if len(colors) == 0 || len(units) == 0 {
		return nil, nil
	}

	result := ams.Match(units, colors, s.opts.AMS)
	for _, m := range result.Missing {
		s.logger.Info("color not loaded", "id", j.ID, "color", m.Color,
			"suggestion", m.Suggestion)
	}
	if !result.Complete() && s.opts.AMS.Strict {
		var suggestions []string
		for _, m := range result.Missing {
			suggestions = append(suggestions, m.Suggestion)
		}
		return nil, fmt.Errorf("missing colors: %s", strings.Join(suggestions, "; "))
	}

	mapping := make([]int, 0, len(result.Assignments))
	for _, a := range result.Assignments {
		mapping = append(mapping, a.SlotID)
	}
	if len(mapping) > 0 {
		if err := s.queue.SetSlot(j.ID, mapping[0]); err != nil {
			s.logger.Error(err, "slot record failed", "id", j.ID)
		}
	}
	return mapping, nil
}

// startOnDevice uploads the job file and issues the start command. Send
// failures are recorded on the job through the normal failure path later;
// here they only log, since the session may be intentionally absent in
// dry-run setups.
func (s *Scheduler) startOnDevice(j *job.PrintJob, mapping []int) {
	if !s.device.IsConnected() {
		s.logger.Info("device offline, job marked printing locally", "id", j.ID)
		return
	}
	remoteName := remoteFileName(j)
	if res := s.device.Upload(j.FilePath, remoteName); !res.OK {
		s.logger.Error(fmt.Errorf("%s", res.Message), "upload failed", "id", j.ID)
		return
	}
	opts := printer.PrintOptions{UseAMS: len(mapping) > 0, AMSMapping: mapping}
	if err := s.device.StartPrint(remoteName, opts); err != nil {
		s.logger.Error(err, "start command failed", "id", j.ID)
	}
}

func remoteFileName(j *job.PrintJob) string {
	p := j.FilePath
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' || p[i] == '\\' {
			return p[i+1:]
		}
	}
	return p
}

func (s *Scheduler) startCallbacks() []JobCallback {
	s.cbMu.RLock()
	defer s.cbMu.RUnlock()
	return append([]JobCallback(nil), s.onStart...)
}

func (s *Scheduler) completeCallbacks() []JobCallback {
	s.cbMu.RLock()
	defer s.cbMu.RUnlock()
	return append([]JobCallback(nil), s.onComplete...)
}

func (s *Scheduler) failedCallbacks() []JobCallback {
	s.cbMu.RLock()
	defer s.cbMu.RUnlock()
	return append([]JobCallback(nil), s.onFailed...)
}

// fire invokes callbacks with per-callback isolation: one panic never
// skips the rest.
func (s *Scheduler) fire(callbacks []JobCallback, j *job.PrintJob) {
	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error(fmt.Errorf("%v", r), "job callback panicked", "id", j.ID)
				}
			}()
			cb(j.Clone())
		}()
	}
}
