package models

import "time"

type TaskStatus string

const (
	PendingTaskStatus    TaskStatus = "pending"
	InProgressTaskStatus TaskStatus = "in_progress"
	CompletedTaskStatus  TaskStatus = "completed"
	FailedTaskStatus     TaskStatus = "failed"
	BlockedTaskStatus    TaskStatus = "blocked"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case PendingTaskStatus, InProgressTaskStatus, CompletedTaskStatus,
		FailedTaskStatus, BlockedTaskStatus:
		return true
	default:
		return false
	}
}

// Terminal reports whether a task in this status has settled for the
// current orchestration run.
func (s TaskStatus) Terminal() bool {
	return s == CompletedTaskStatus || s == FailedTaskStatus || s == BlockedTaskStatus
}

type TaskPriority string

const (
	CriticalTaskPriority TaskPriority = "critical"
	HighTaskPriority     TaskPriority = "high"
	NormalTaskPriority   TaskPriority = "normal"
	LowTaskPriority      TaskPriority = "low"
)

// Task represents a single unit of work within a project, executed by the
// capability it is assigned to. A task is owned by its project and its
// status is mutated only by the orchestrator/executor state machine.
type Task struct {
	ID              string         `json:"id" db:"id"`
	ProjectID       string         `json:"project_id" db:"project_id"`
	Title           string         `json:"title" db:"title"`
	Description     string         `json:"description,omitempty" db:"description"`
	Capability      CapabilityType `json:"capability" db:"capability"`
	Status          TaskStatus     `json:"status" db:"status"`
	Priority        TaskPriority   `json:"priority" db:"priority"`
	Dependencies    []string       `json:"dependencies,omitempty" db:"dependencies"` // task IDs that must complete first
	EstimatedTokens int            `json:"estimated_tokens" db:"estimated_tokens"`
	ActualTokens    int            `json:"actual_tokens" db:"actual_tokens"`
	Attempts        int            `json:"attempts" db:"attempts"`
	ErrorMsg        string         `json:"error,omitempty" db:"error_msg"`
	Output          string         `json:"output,omitempty" db:"output"` // opaque capability payload
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty" db:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
}
