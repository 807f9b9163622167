package job

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Errors
var (
	ErrJobNotFound  = errors.New("job not found")
	ErrJobActive    = errors.New("job is active")
	ErrJobTerminal  = errors.New("job is in a terminal state")
	ErrNotPrintable = errors.New("job is not in a printable state")
)

// Status represents the lifecycle state of a print job
type Status string

const (
	StatusPending   Status = "pending"
	StatusReady     Status = "ready"
	StatusPrinting  Status = "printing"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// String returns string representation of status
func (s Status) String() string {
	return string(s)
}

// IsActive reports whether the job currently occupies the printer
func (s Status) IsActive() bool {
	return s == StatusPrinting || s == StatusPaused
}

// IsComplete reports whether the job reached a terminal state
func (s Status) IsComplete() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo checks if status can transition to target status
func (s Status) CanTransitionTo(target Status) bool {
	switch s {
	case StatusPending:
		return target == StatusReady || target == StatusPrinting || target == StatusCancelled || target == StatusFailed
	case StatusReady:
		return target == StatusPending || target == StatusPrinting || target == StatusCancelled || target == StatusFailed
	case StatusPrinting:
		return target == StatusPaused || target == StatusCompleted || target == StatusFailed || target == StatusCancelled
	case StatusPaused:
		return target == StatusPrinting || target == StatusCompleted || target == StatusFailed || target == StatusCancelled
	case StatusCompleted, StatusFailed, StatusCancelled:
		return false // Terminal states
	default:
		return false
	}
}

// Priority orders jobs in the queue. Higher values print first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

var priorityNames = map[Priority]string{
	PriorityLow:    "low",
	PriorityNormal: "normal",
	PriorityHigh:   "high",
	PriorityUrgent: "urgent",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return "normal"
}

// ParsePriority maps a config/API string to a Priority, defaulting to Normal.
func ParsePriority(s string) Priority {
	for p, name := range priorityNames {
		if name == s {
			return p
		}
	}
	return PriorityNormal
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	*p = ParsePriority(string(text))
	return nil
}

// Material describes what a job expects to be loaded. SlotID is resolved
// against the AMS at dispatch time, not at enqueue time.
type Material struct {
	Type   string   `json:"type"`
	Color  string   `json:"color"`
	SlotID *int     `json:"slotId,omitempty"`
	Colors []string `json:"colors,omitempty"`
}

// Progress is only meaningful while the job is Printing or Paused.
type Progress struct {
	Percent     int `json:"percent"`
	Layer       int `json:"layer"`
	TotalLayers int `json:"totalLayers"`
}

// PrintJob represents one fabrication task
type PrintJob struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	FilePath          string        `json:"filePath"`
	Status            Status        `json:"status"`
	Priority          Priority      `json:"priority"`
	Material          Material      `json:"material"`
	Progress          Progress      `json:"progress"`
	CreatedAt         time.Time     `json:"createdAt"`
	StartedAt         *time.Time    `json:"startedAt,omitempty"`
	CompletedAt       *time.Time    `json:"completedAt,omitempty"`
	EstimatedDuration time.Duration `json:"estimatedDuration"`
	DependsOn         []string      `json:"dependsOn,omitempty"`
	Error             string        `json:"error,omitempty"`
}

// New creates a Pending job with a fresh id
func New(name, filePath string) *PrintJob {
	return &PrintJob{
		ID:        uuid.NewString(),
		Name:      name,
		FilePath:  filePath,
		Status:    StatusPending,
		Priority:  PriorityNormal,
		CreatedAt: time.Now(),
	}
}

// IsActive reports whether the job currently occupies the printer
func (j *PrintJob) IsActive() bool {
	return j.Status.IsActive()
}

// IsComplete reports whether the job reached a terminal state
func (j *PrintJob) IsComplete() bool {
	return j.Status.IsComplete()
}

// DependsOnJob reports whether id is among the job's dependencies
func (j *PrintJob) DependsOnJob(id string) bool {
	for _, dep := range j.DependsOn {
		if dep == id {
			return true
		}
	}
	return false
}

// RemoveDependency strips id from DependsOn, reporting whether it was present
func (j *PrintJob) RemoveDependency(id string) bool {
	for i, dep := range j.DependsOn {
		if dep == id {
			j.DependsOn = append(j.DependsOn[:i], j.DependsOn[i+1:]...)
			return true
		}
	}
	return false
}

// SetProgress updates progress counters. Progress is tracked only while the
// job is active; updates in any other state are dropped.
func (j *PrintJob) SetProgress(percent, layer, totalLayers int) bool {
	if !j.IsActive() {
		return false
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	j.Progress.Percent = percent
	j.Progress.Layer = layer
	if totalLayers > 0 {
		j.Progress.TotalLayers = totalLayers
	}
	return true
}

// Clone returns a deep copy safe to hand to callbacks and API readers
func (j *PrintJob) Clone() *PrintJob {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	c.DependsOn = append([]string(nil), j.DependsOn...)
	c.Material.Colors = append([]string(nil), j.Material.Colors...)
	if j.Material.SlotID != nil {
		id := *j.Material.SlotID
		c.Material.SlotID = &id
	}
	return &c
}
