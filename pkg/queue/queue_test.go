package queue

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/printflow-ai/printflow/pkg/job"
	"github.com/printflow-ai/printflow/pkg/log"
)

func newTestQueue(t *testing.T) *PrintQueue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.json")
	q, err := New(path, log.NewStdoutLogger())
	require.NoError(t, err)
	return q
}

func addJob(t *testing.T, q *PrintQueue, name string, p job.Priority, deps ...string) *job.PrintJob {
	t.Helper()
	j, err := q.Add(job.New(name, "/tmp/"+name+".3mf"), p, deps)
	require.NoError(t, err)
	return j
}

func names(jobs []*job.PrintJob) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.Name
	}
	return out
}

func TestUpdateProgressSkipsRewriteWhenUnchanged(t *testing.T) {
	q := newTestQueue(t)
	a := addJob(t, q, "a", job.PriorityNormal)
	require.NoError(t, q.SetStatus(a.ID, job.StatusPrinting))

	require.True(t, q.UpdateProgress(a.ID, 40, 4, 10))
	require.NoError(t, os.Remove(q.path))

	// repeated counters must not touch the snapshot
	require.True(t, q.UpdateProgress(a.ID, 40, 4, 10))
	_, err := os.Stat(q.path)
	assert.True(t, os.IsNotExist(err))

	require.True(t, q.UpdateProgress(a.ID, 41, 4, 10))
	_, err = os.Stat(q.path)
	assert.NoError(t, err)
}

func TestPriorityOrderingStable(t *testing.T) {
	q := newTestQueue(t)
	addJob(t, q, "low1", job.PriorityLow)
	addJob(t, q, "normal1", job.PriorityNormal)
	addJob(t, q, "urgent1", job.PriorityUrgent)
	addJob(t, q, "normal2", job.PriorityNormal)
	addJob(t, q, "high1", job.PriorityHigh)
	addJob(t, q, "urgent2", job.PriorityUrgent)

	assert.Equal(t,
		[]string{"urgent1", "urgent2", "high1", "normal1", "normal2", "low1"},
		names(q.Jobs()))
}

func TestNextReadyDependencyGating(t *testing.T) {
	q := newTestQueue(t)
	a := addJob(t, q, "a", job.PriorityNormal)
	b := addJob(t, q, "b", job.PriorityUrgent, a.ID)

	// b is first in queue order but gated on a
	next := q.NextReady()
	require.NotNil(t, next)
	assert.Equal(t, "a", next.Name)

	require.NoError(t, q.SetStatus(a.ID, job.StatusPrinting))
	require.NoError(t, q.SetStatus(a.ID, job.StatusCompleted))

	next = q.NextReady()
	require.NotNil(t, next)
	assert.Equal(t, b.ID, next.ID)
	assert.Equal(t, job.StatusReady, next.Status)
}

func TestNextReadyForwardReferenceNeverReady(t *testing.T) {
	q := newTestQueue(t)
	addJob(t, q, "a", job.PriorityNormal, "no-such-job")
	assert.Nil(t, q.NextReady())
}

func TestSingleActivePrintingJob(t *testing.T) {
	q := newTestQueue(t)
	a := addJob(t, q, "a", job.PriorityNormal)
	b := addJob(t, q, "b", job.PriorityNormal)

	require.NoError(t, q.SetStatus(a.ID, job.StatusPrinting))
	assert.ErrorIs(t, q.SetStatus(b.ID, job.StatusPrinting), ErrAlreadyPrinting)

	// pausing frees nothing: paused still occupies the printer, but a
	// paused job itself may resume
	require.NoError(t, q.SetStatus(a.ID, job.StatusPaused))
	require.NoError(t, q.SetStatus(a.ID, job.StatusPrinting))
}

func TestRemoveStripsDependencies(t *testing.T) {
	q := newTestQueue(t)
	a := addJob(t, q, "a", job.PriorityNormal)
	b := addJob(t, q, "b", job.PriorityNormal, a.ID)

	assert.True(t, q.Remove(a.ID))
	got, ok := q.Get(b.ID)
	require.True(t, ok)
	assert.Empty(t, got.DependsOn)

	// removed dependency unblocks b
	next := q.NextReady()
	require.NotNil(t, next)
	assert.Equal(t, b.ID, next.ID)
}

func TestRemoveActiveJobRefused(t *testing.T) {
	q := newTestQueue(t)
	a := addJob(t, q, "a", job.PriorityNormal)
	require.NoError(t, q.SetStatus(a.ID, job.StatusPrinting))
	assert.False(t, q.Remove(a.ID))
	_, ok := q.Get(a.ID)
	assert.True(t, ok)
}

func TestMoveToTopStaysInBand(t *testing.T) {
	q := newTestQueue(t)
	addJob(t, q, "highA", job.PriorityHigh)
	highB := addJob(t, q, "highB", job.PriorityHigh)
	normalC := addJob(t, q, "normalC", job.PriorityNormal)

	require.NoError(t, q.MoveToTop(normalC.ID))
	assert.Equal(t, []string{"highA", "highB", "normalC"}, names(q.Jobs()))

	require.NoError(t, q.MoveToTop(highB.ID))
	assert.Equal(t, []string{"highB", "highA", "normalC"}, names(q.Jobs()))
}

func TestMoveToBottomStaysInBand(t *testing.T) {
	q := newTestQueue(t)
	highA := addJob(t, q, "highA", job.PriorityHigh)
	addJob(t, q, "highB", job.PriorityHigh)
	addJob(t, q, "lowC", job.PriorityLow)

	require.NoError(t, q.MoveToBottom(highA.ID))
	assert.Equal(t, []string{"highB", "highA", "lowC"}, names(q.Jobs()))
}

func TestSetPriorityRepositions(t *testing.T) {
	q := newTestQueue(t)
	a := addJob(t, q, "a", job.PriorityLow)
	addJob(t, q, "b", job.PriorityNormal)

	require.NoError(t, q.SetPriority(a.ID, job.PriorityUrgent))
	assert.Equal(t, []string{"a", "b"}, names(q.Jobs()))

	got, _ := q.Get(a.ID)
	assert.Equal(t, job.PriorityUrgent, got.Priority)
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	l := log.NewStdoutLogger()
	q, err := New(path, l)
	require.NoError(t, err)

	a, err := q.Add(job.New("a", "/tmp/a.3mf"), job.PriorityHigh, nil)
	require.NoError(t, err)
	b, err := q.Add(job.New("b", "/tmp/b.3mf"), job.PriorityNormal, []string{a.ID})
	require.NoError(t, err)

	reloaded, err := New(path, l)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names(reloaded.Jobs()))

	got, ok := reloaded.Get(b.ID)
	require.True(t, ok)
	assert.Equal(t, []string{a.ID}, got.DependsOn)
	assert.Equal(t, job.PriorityNormal, got.Priority)
}

func TestLoadToleratesDanglingReferences(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	a := job.New("a", "/tmp/a.3mf")
	a.DependsOn = []string{"ghost"}
	snap := snapshot{
		Jobs:  map[string]*job.PrintJob{a.ID: a},
		Order: []string{a.ID, "gone"},
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))

	q, err := New(path, log.NewStdoutLogger())
	require.NoError(t, err)
	require.Equal(t, 1, q.Len())

	got, ok := q.Get(a.ID)
	require.True(t, ok)
	assert.Empty(t, got.DependsOn, "dangling dependency should be dropped")
}

func TestLoadResetsInterruptedJob(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	a := job.New("a", "/tmp/a.3mf")
	a.Status = job.StatusPrinting
	snap := snapshot{
		Jobs:  map[string]*job.PrintJob{a.ID: a},
		Order: []string{a.ID},
	}
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))

	q, err := New(path, log.NewStdoutLogger())
	require.NoError(t, err)
	got, ok := q.Get(a.ID)
	require.True(t, ok)
	assert.Equal(t, job.StatusPending, got.Status)
}

func TestCountByStatusAndProjections(t *testing.T) {
	q := newTestQueue(t)
	a := addJob(t, q, "a", job.PriorityNormal)
	addJob(t, q, "b", job.PriorityNormal)
	c := addJob(t, q, "c", job.PriorityNormal)

	require.NoError(t, q.SetStatus(a.ID, job.StatusPrinting))
	require.NoError(t, q.SetStatus(a.ID, job.StatusCompleted))
	require.NoError(t, q.Fail(c.ID, "nozzle clog"))

	counts := q.CountByStatus()
	assert.Equal(t, 1, counts[job.StatusCompleted])
	assert.Equal(t, 1, counts[job.StatusFailed])
	assert.Equal(t, 1, counts[job.StatusPending])

	assert.Equal(t, []string{"b"}, names(q.Pending()))
	assert.Len(t, q.Completed(0), 2)
	assert.Len(t, q.Completed(1), 1)

	failed, _ := q.Get(c.ID)
	assert.Equal(t, "nozzle clog", failed.Error)
	assert.NotNil(t, failed.CompletedAt)
}

func TestUpdateProgress(t *testing.T) {
	q := newTestQueue(t)
	a := addJob(t, q, "a", job.PriorityNormal)

	assert.False(t, q.UpdateProgress(a.ID, 50, 10, 100))
	require.NoError(t, q.SetStatus(a.ID, job.StatusPrinting))
	assert.True(t, q.UpdateProgress(a.ID, 50, 10, 100))

	got, _ := q.Get(a.ID)
	assert.Equal(t, 50, got.Progress.Percent)
}
