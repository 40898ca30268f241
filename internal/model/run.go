package model

import "time"

// Run status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusKilled    = "killed"
)

// Run mode constants.
const (
	ModeBatch  = "batch"
	ModeStream = "stream"
	ModeAuto   = "auto"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
		StatusFailed:  true,
		StatusKilled:  true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusKilled:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status is a final run status.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusKilled
}

// OutputChunk is a persisted slice of program output, in write order.
type OutputChunk struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Seq       int       `json:"seq"`
	Data      []byte    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

// Run is one execution of a tape program.
type Run struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Mode        string `json:"mode"`
	Source      string `json:"source"`
	Input       []byte `json:"input,omitempty"`
	Interactive bool   `json:"interactive"`
	Optimize    bool   `json:"optimize"`
	Output      []byte `json:"output,omitempty"`
	// Fault is the machine fault kind that ended the run, if any.
	Fault         string     `json:"fault,omitempty"`
	Error         string     `json:"error,omitempty"`
	Warnings      []string   `json:"warnings,omitempty"`
	MaxIterations uint64     `json:"max_iterations"`
	Iterations    uint64     `json:"iterations"`
	TimeoutS      *int       `json:"timeout_s,omitempty"`
	DurationMS    *int       `json:"duration_ms,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}
