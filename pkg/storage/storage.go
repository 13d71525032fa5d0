package storage

import (
	"github.com/dmarkov/agentflow/pkg/models"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the storage operations for AgentFlow. Begin returns a
// transactional view of the store; Commit and Rollback only make sense on
// that view.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Project operations
	SaveProject(p models.Project) (string, error)
	GetProject(id string) (models.Project, error)
	ListProjects() ([]models.Project, error)
	UpdateProjectStatus(id string, status models.ProjectStatus) error

	// Task operations
	SaveTask(t models.Task) error
	GetTask(id string) (models.Task, error)
	ListTasks(projectID string) ([]models.Task, error)
	UpdateTaskStatus(id string, status models.TaskStatus, errorMsg string) error
	UpdateTaskAttempts(id string, attempts int) error
	UpdateTaskResult(id string, output string, actualTokens int) error
	ResetTask(id string) error

	// Knowledge operations. Entries are append-only: there is no update or
	// delete path.
	SaveKnowledgeEntry(e models.KnowledgeEntry) (string, error)
	GetKnowledgeEntry(id string) (models.KnowledgeEntry, error)
	ListKnowledgeEntries() ([]models.KnowledgeEntry, error)
	KnowledgeStats() (models.KnowledgeStats, error)
	LogSearchQuery(q models.SearchQuery) error
}
