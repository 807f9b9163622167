package scheduler

import (
	"github.com/printflow-ai/printflow/pkg/job"
	"github.com/printflow-ai/printflow/pkg/queue"
)

// Strategy selects the next job to dispatch. Implementations must respect
// dependency gating: a job whose dependencies are not all Completed is
// never returned.
type Strategy interface {
	Name() string
	SelectNext(q *queue.PrintQueue) *job.PrintJob
}

// Strategy names accepted in configuration
const (
	StrategyPriority = "priority"
	StrategyShortest = "shortest"
	StrategyMaterial = "material"
)

// StrategyFor maps a configured name onto a strategy variant, defaulting
// to priority-FIFO.
func StrategyFor(name string) Strategy {
	switch name {
	case StrategyShortest:
		return shortestStrategy{}
	case StrategyMaterial:
		return materialStrategy{}
	default:
		return priorityStrategy{}
	}
}

// priorityStrategy is priority-FIFO: delegate to the queue's own ordering
type priorityStrategy struct{}

func (priorityStrategy) Name() string { return StrategyPriority }

func (priorityStrategy) SelectNext(q *queue.PrintQueue) *job.PrintJob {
	return q.NextReady()
}

// shortestStrategy picks the minimum estimated duration among eligible
// jobs, ignoring the queue's priority ordering. Ties keep queue order.
type shortestStrategy struct{}

func (shortestStrategy) Name() string { return StrategyShortest }

func (shortestStrategy) SelectNext(q *queue.PrintQueue) *job.PrintJob {
	var best *job.PrintJob
	for _, j := range q.Pending() {
		if !q.DepsSatisfied(j.ID) {
			continue
		}
		if best == nil || j.EstimatedDuration < best.EstimatedDuration {
			best = j
		}
	}
	return best
}

// materialStrategy groups eligible jobs by material type and prefers the
// largest group's first member, minimizing material changeovers.
type materialStrategy struct{}

func (materialStrategy) Name() string { return StrategyMaterial }

func (materialStrategy) SelectNext(q *queue.PrintQueue) *job.PrintJob {
	var eligible []*job.PrintJob
	counts := map[string]int{}
	for _, j := range q.Pending() {
		if !q.DepsSatisfied(j.ID) {
			continue
		}
		eligible = append(eligible, j)
		counts[j.Material.Type]++
	}
	if len(eligible) == 0 {
		return nil
	}
	// ties resolve to the group whose first member queued earliest, which
	// is the first eligible job carrying a maximal count
	best := eligible[0]
	for _, j := range eligible {
		if counts[j.Material.Type] > counts[best.Material.Type] {
			best = j
		}
	}
	return best
}
