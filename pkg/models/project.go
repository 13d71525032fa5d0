package models

import "time"

type ProjectStatus string

const (
	PlanningProjectStatus        ProjectStatus = "planning"
	RunningProjectStatus         ProjectStatus = "running"
	CompletedProjectStatus       ProjectStatus = "completed"
	FailedProjectStatus          ProjectStatus = "failed"
	PartiallyFailedProjectStatus ProjectStatus = "partially_failed"
	CancelledProjectStatus       ProjectStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s ProjectStatus) Valid() bool {
	switch s {
	case PlanningProjectStatus, RunningProjectStatus, CompletedProjectStatus,
		FailedProjectStatus, PartiallyFailedProjectStatus, CancelledProjectStatus:
		return true
	default:
		return false
	}
}

// Project is a collection of tasks produced by decomposing a single request.
// The execution-wave plan is recomputed per run and never persisted.
type Project struct {
	ID          string        `json:"id" db:"id"`
	Name        string        `json:"name" db:"name"`
	Description string        `json:"description,omitempty" db:"description"`
	Status      ProjectStatus `json:"status" db:"status"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at" db:"updated_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty" db:"completed_at"`
	Tasks       []Task        `json:"tasks,omitempty"` // populated at runtime
}
