package scheduler

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/printflow-ai/printflow/pkg/ams"
	"github.com/printflow-ai/printflow/pkg/job"
	"github.com/printflow-ai/printflow/pkg/log"
	"github.com/printflow-ai/printflow/pkg/printer"
	"github.com/printflow-ai/printflow/pkg/queue"
)

type fakeDevice struct {
	mu        sync.Mutex
	connected bool
	units     []ams.Unit
	commands  []string
	uploads   []string
}

func (d *fakeDevice) record(cmd string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands = append(d.commands, cmd)
}

func (d *fakeDevice) IsConnected() bool    { return d.connected }
func (d *fakeDevice) AMSUnits() []ams.Unit { return d.units }

func (d *fakeDevice) StartPrint(fileName string, _ printer.PrintOptions) error {
	d.record("start:" + fileName)
	return nil
}
func (d *fakeDevice) PausePrint() error  { d.record("pause"); return nil }
func (d *fakeDevice) ResumePrint() error { d.record("resume"); return nil }
func (d *fakeDevice) StopPrint() error   { d.record("stop"); return nil }

func (d *fakeDevice) Upload(localPath, remoteName string) printer.TransferResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.uploads = append(d.uploads, remoteName)
	return printer.TransferResult{OK: true}
}

func newTestScheduler(t *testing.T, opts Options) (*Scheduler, *queue.PrintQueue, *fakeDevice) {
	t.Helper()
	l := log.NewStdoutLogger()
	q, err := queue.New(filepath.Join(t.TempDir(), "queue.json"), l)
	require.NoError(t, err)
	device := &fakeDevice{connected: true}
	return New(q, device, opts, l), q, device
}

func enqueue(t *testing.T, q *queue.PrintQueue, name string, p job.Priority, deps ...string) *job.PrintJob {
	t.Helper()
	j, err := q.Add(job.New(name, "/models/"+name+".3mf"), p, deps)
	require.NoError(t, err)
	return j
}

func TestStartDispatchesHighestPriority(t *testing.T) {
	s, q, device := newTestScheduler(t, DefaultOptions())
	enqueue(t, q, "low", job.PriorityLow)
	urgent := enqueue(t, q, "urgent", job.PriorityUrgent)

	dispatched := s.Start()
	require.NotNil(t, dispatched)
	assert.Equal(t, urgent.ID, dispatched.ID)
	assert.Equal(t, job.StatusPrinting, dispatched.Status)
	assert.NotNil(t, dispatched.StartedAt)
	assert.Equal(t, StateRunning, s.State())
	assert.Equal(t, []string{"urgent.3mf"}, device.uploads)
	assert.Equal(t, []string{"start:urgent.3mf"}, device.commands)
}

func TestStartWithEmptyQueueStops(t *testing.T) {
	s, _, _ := newTestScheduler(t, DefaultOptions())
	assert.Nil(t, s.Start())
	assert.Equal(t, StateStopped, s.State())
}

func TestStartWhileRunningIsNoOp(t *testing.T) {
	s, q, device := newTestScheduler(t, DefaultOptions())
	a := enqueue(t, q, "a", job.PriorityNormal)
	enqueue(t, q, "b", job.PriorityNormal)

	first := s.Start()
	require.NotNil(t, first)
	second := s.Start()
	require.NotNil(t, second)
	assert.Equal(t, a.ID, first.ID)
	assert.Equal(t, a.ID, second.ID)
	assert.Len(t, device.uploads, 1)
}

func TestPauseOnFailureScenario(t *testing.T) {
	opts := DefaultOptions()
	opts.PauseOnFailure = true
	s, q, _ := newTestScheduler(t, opts)

	a := enqueue(t, q, "a", job.PriorityNormal)
	b := enqueue(t, q, "b", job.PriorityLow)

	var failed []*job.PrintJob
	s.OnJobFailed(func(j *job.PrintJob) { failed = append(failed, j) })

	dispatched := s.Start()
	require.Equal(t, a.ID, dispatched.ID)

	s.JobCompleted(a.ID, false, "spaghetti detected")

	assert.Equal(t, StatePaused, s.State())
	gotB, _ := q.Get(b.ID)
	assert.Equal(t, job.StatusPending, gotB.Status, "B must be untouched")
	require.Len(t, failed, 1)
	assert.Equal(t, "spaghetti detected", failed[0].Error)

	s.Resume()
	assert.Equal(t, StateRunning, s.State())
	gotB, _ = q.Get(b.ID)
	assert.Equal(t, job.StatusPrinting, gotB.Status, "B starts after resume")
}

func TestAutoStartNextOnSuccess(t *testing.T) {
	s, q, _ := newTestScheduler(t, DefaultOptions())
	a := enqueue(t, q, "a", job.PriorityNormal)
	b := enqueue(t, q, "b", job.PriorityNormal)

	var completed, started []string
	s.OnJobComplete(func(j *job.PrintJob) { completed = append(completed, j.Name) })
	s.OnJobStart(func(j *job.PrintJob) { started = append(started, j.Name) })

	s.Start()
	s.JobCompleted(a.ID, true, "")

	assert.Equal(t, []string{"a"}, completed)
	assert.Equal(t, []string{"a", "b"}, started)
	gotB, _ := q.Get(b.ID)
	assert.Equal(t, job.StatusPrinting, gotB.Status)

	// the queue never holds two printing jobs
	counts := q.CountByStatus()
	assert.Equal(t, 1, counts[job.StatusPrinting])
}

func TestPauseAndResumeTogglesJob(t *testing.T) {
	s, q, device := newTestScheduler(t, DefaultOptions())
	a := enqueue(t, q, "a", job.PriorityNormal)
	s.Start()

	s.Pause()
	got, _ := q.Get(a.ID)
	assert.Equal(t, job.StatusPaused, got.Status)
	assert.Equal(t, StatePaused, s.State())
	assert.Contains(t, device.commands, "pause")

	s.Resume()
	got, _ = q.Get(a.ID)
	assert.Equal(t, job.StatusPrinting, got.Status)
	assert.Contains(t, device.commands, "resume")
}

func TestStartWhilePausedResumesCurrentJob(t *testing.T) {
	s, q, device := newTestScheduler(t, DefaultOptions())
	a := enqueue(t, q, "a", job.PriorityNormal)
	enqueue(t, q, "b", job.PriorityNormal)

	s.Start()
	s.Pause()

	resumed := s.Start()
	require.NotNil(t, resumed)
	assert.Equal(t, a.ID, resumed.ID, "start must not supplant the paused job")
	assert.Equal(t, job.StatusPrinting, resumed.Status)
	assert.Equal(t, StateRunning, s.State())
	assert.Contains(t, device.commands, "resume")
	assert.Len(t, device.uploads, 1, "no second file sent to the device")

	counts := q.CountByStatus()
	assert.Equal(t, 1, counts[job.StatusPrinting])
	assert.Zero(t, counts[job.StatusPaused])
}

func TestLateFailureReportKeepsSchedulerStopped(t *testing.T) {
	opts := DefaultOptions()
	opts.PauseOnFailure = true
	s, q, _ := newTestScheduler(t, opts)
	a := enqueue(t, q, "a", job.PriorityNormal)

	s.Start()
	s.CancelCurrent()
	require.Equal(t, StateStopped, s.State(), "queue drained")

	s.JobCompleted(a.ID, false, "late device error")
	assert.Equal(t, StateStopped, s.State(), "a stale report must not pause a stopped scheduler")
}

func TestCancelCurrentStopsDeviceFirstAndAdvances(t *testing.T) {
	s, q, device := newTestScheduler(t, DefaultOptions())
	a := enqueue(t, q, "a", job.PriorityNormal)
	enqueue(t, q, "b", job.PriorityNormal)

	s.Start()
	cancelled := s.CancelCurrent()
	require.NotNil(t, cancelled)
	assert.Equal(t, a.ID, cancelled.ID)
	assert.Equal(t, job.StatusCancelled, cancelled.Status)

	// stop was issued before the next start
	var stopIdx, nextStartIdx int
	for i, cmd := range device.commands {
		if cmd == "stop" {
			stopIdx = i
		}
		if cmd == "start:b.3mf" {
			nextStartIdx = i
		}
	}
	assert.Less(t, stopIdx, nextStartIdx)

	current := s.CurrentJob()
	require.NotNil(t, current)
	assert.Equal(t, "b", current.Name)
}

func TestDependencyGatingAcrossStrategies(t *testing.T) {
	for _, strategy := range []string{StrategyPriority, StrategyShortest, StrategyMaterial} {
		opts := DefaultOptions()
		opts.Strategy = strategy
		s, q, _ := newTestScheduler(t, opts)

		a := enqueue(t, q, "a", job.PriorityNormal)
		b, err := q.Add(job.New("b", "/models/b.3mf"), job.PriorityUrgent, []string{a.ID})
		require.NoError(t, err)

		dispatched := s.Start()
		require.NotNil(t, dispatched, strategy)
		assert.Equal(t, a.ID, dispatched.ID, "%s must not dispatch gated job", strategy)

		s.JobCompleted(a.ID, true, "")
		gotB, _ := q.Get(b.ID)
		assert.Equal(t, job.StatusPrinting, gotB.Status, strategy)
	}
}

func TestShortestStrategyPicksMinimumDuration(t *testing.T) {
	opts := DefaultOptions()
	opts.Strategy = StrategyShortest
	s, q, _ := newTestScheduler(t, opts)

	long := job.New("long", "/models/long.3mf")
	long.EstimatedDuration = 4 * time.Hour
	_, err := q.Add(long, job.PriorityUrgent, nil)
	require.NoError(t, err)

	short := job.New("short", "/models/short.3mf")
	short.EstimatedDuration = 20 * time.Minute
	_, err = q.Add(short, job.PriorityLow, nil)
	require.NoError(t, err)

	dispatched := s.Start()
	require.NotNil(t, dispatched)
	assert.Equal(t, "short", dispatched.Name, "ignores priority ordering")
}

func TestMaterialStrategyPrefersLargestGroup(t *testing.T) {
	opts := DefaultOptions()
	opts.Strategy = StrategyMaterial
	s, q, _ := newTestScheduler(t, opts)

	pla1 := job.New("pla1", "/models/pla1.3mf")
	pla1.Material.Type = "PLA"
	petg1 := job.New("petg1", "/models/petg1.3mf")
	petg1.Material.Type = "PETG"
	petg2 := job.New("petg2", "/models/petg2.3mf")
	petg2.Material.Type = "PETG"

	for _, j := range []*job.PrintJob{pla1, petg1, petg2} {
		_, err := q.Add(j, job.PriorityNormal, nil)
		require.NoError(t, err)
	}

	dispatched := s.Start()
	require.NotNil(t, dispatched)
	assert.Equal(t, "petg1", dispatched.Name, "first member of the largest group")
}

func TestStrictAMSMissingColorFailsJob(t *testing.T) {
	opts := DefaultOptions()
	opts.AMS = ams.Config{Strict: true, MaxDistance: 10}
	s, q, device := newTestScheduler(t, opts)
	device.units = []ams.Unit{{ID: 0, Trays: []ams.Tray{
		{Index: 0, Filament: &ams.Filament{Color: "FF0000", Material: "PLA"}},
	}}}

	a := job.New("a", "/models/a.3mf")
	a.Material.Color = "0000FF"
	_, err := q.Add(a, job.PriorityNormal, nil)
	require.NoError(t, err)

	dispatched := s.Start()
	assert.Nil(t, dispatched)
	assert.Equal(t, StatePaused, s.State())

	got, _ := q.Get(a.ID)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "missing colors")
}

func TestAMSResolutionRecordsSlot(t *testing.T) {
	s, q, device := newTestScheduler(t, DefaultOptions())
	device.units = []ams.Unit{{ID: 0, Trays: []ams.Tray{
		{Index: 0, Filament: &ams.Filament{Color: "FFFFFF", Material: "PLA"}},
		{Index: 1, Filament: &ams.Filament{Color: "FF0000", Material: "PLA"}},
	}}}

	a := job.New("a", "/models/a.3mf")
	a.Material.Color = "FF0000"
	_, err := q.Add(a, job.PriorityNormal, nil)
	require.NoError(t, err)

	dispatched := s.Start()
	require.NotNil(t, dispatched)
	require.NotNil(t, dispatched.Material.SlotID)
	assert.Equal(t, 1, *dispatched.Material.SlotID)
}

func TestHandleStatusCompletesJobOnFinish(t *testing.T) {
	s, q, _ := newTestScheduler(t, DefaultOptions())
	a := enqueue(t, q, "a", job.PriorityNormal)
	s.Start()

	s.HandleStatus(printer.Status{State: printer.StatePrinting, Percent: 50, Layer: 10, TotalLayers: 20})
	got, _ := q.Get(a.ID)
	assert.Equal(t, 50, got.Progress.Percent)

	s.HandleStatus(printer.Status{State: printer.StateFinished})
	got, _ = q.Get(a.ID)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Nil(t, s.CurrentJob())
}

func TestHandleStatusFailsJobOnDeviceError(t *testing.T) {
	s, q, _ := newTestScheduler(t, DefaultOptions())
	a := enqueue(t, q, "a", job.PriorityNormal)
	s.Start()

	s.HandleStatus(printer.Status{State: printer.StatePrinting})
	s.HandleStatus(printer.Status{State: printer.StateError, ErrorCode: 1234})

	got, _ := q.Get(a.ID)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "1234")
	assert.Equal(t, StatePaused, s.State())
}

func TestCallbackPanicIsolation(t *testing.T) {
	s, q, _ := newTestScheduler(t, DefaultOptions())
	enqueue(t, q, "a", job.PriorityNormal)

	var called bool
	s.OnJobStart(func(*job.PrintJob) { panic("bad subscriber") })
	s.OnJobStart(func(*job.PrintJob) { called = true })

	require.NotNil(t, s.Start())
	assert.True(t, called)
}

func TestProgressDoesNotAffectScheduling(t *testing.T) {
	s, q, _ := newTestScheduler(t, DefaultOptions())
	a := enqueue(t, q, "a", job.PriorityNormal)
	s.Start()

	s.Progress(a.ID, 30, 3, 10)
	got, _ := q.Get(a.ID)
	assert.Equal(t, 30, got.Progress.Percent)
	assert.Equal(t, StateRunning, s.State())
	assert.Equal(t, a.ID, s.CurrentJob().ID)
}
