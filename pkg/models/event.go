package models

import "time"

// EventType enumerates the progress events the orchestrator emits.
type EventType string

const (
	WaveStartedEvent      EventType = "wave_started"
	TaskStartedEvent      EventType = "task_started"
	TaskCompletedEvent    EventType = "task_completed"
	TaskFailedEvent       EventType = "task_failed"
	TaskBlockedEvent      EventType = "task_blocked"
	ProjectCompletedEvent EventType = "project_completed"
	ProjectFailedEvent    EventType = "project_failed"
	ProjectCancelledEvent EventType = "project_cancelled"
)

// ProgressEvent is emitted synchronously at each orchestration state
// transition, in execution order. Delivery beyond the sink is someone
// else's problem.
type ProgressEvent struct {
	ProjectID       string    `json:"project_id"`
	Type            EventType `json:"event"`
	TaskID          string    `json:"task_id,omitempty"`
	WaveIndex       int       `json:"wave_index"`
	ProgressPercent float64   `json:"progress_percent"`
	Timestamp       time.Time `json:"timestamp"`
}
