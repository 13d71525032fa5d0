package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/dmarkov/agentflow/pkg/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// mockStore implements Store with in-memory state. It is safe for
// concurrent use: the orchestrator updates sibling tasks from multiple
// goroutines within a wave.
type mockStore struct {
	mu       *sync.Mutex
	projects map[string]*models.Project
	tasks    map[string]*models.Task
	entries  map[string]*models.KnowledgeEntry
	queries  []models.SearchQuery
	order    []string // knowledge entry insertion order
}

// NewMockStore creates an empty in-memory store, used by tests, examples
// and zero-setup runs.
func NewMockStore() Store {
	return &mockStore{
		mu:       &sync.Mutex{},
		projects: make(map[string]*models.Project),
		tasks:    make(map[string]*models.Task),
		entries:  make(map[string]*models.KnowledgeEntry),
	}
}

// Begin returns the store itself: the mock has no transaction isolation.
func (m *mockStore) Begin() (Store, error) { return m, nil }
func (m *mockStore) Commit() error         { return nil }
func (m *mockStore) Rollback() error       { return nil }
func (m *mockStore) Close() error          { return nil }

func (m *mockStore) SaveProject(p models.Project) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.UpdatedAt = time.Now()
	cp := p
	cp.Tasks = nil
	m.projects[p.ID] = &cp
	return p.ID, nil
}

func (m *mockStore) GetProject(id string) (models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return models.Project{}, errors.Wrapf(ErrNotFound, "project %s", id)
	}
	out := *p
	for _, t := range m.tasks {
		if t.ProjectID == id {
			out.Tasks = append(out.Tasks, *t)
		}
	}
	sortTasks(out.Tasks)
	return out, nil
}

func (m *mockStore) ListProjects() ([]models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Project, 0, len(m.projects))
	for _, p := range m.projects {
		out = append(out, *p)
	}
	return out, nil
}

func (m *mockStore) UpdateProjectStatus(id string, status models.ProjectStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "project %s", id)
	}
	p.Status = status
	p.UpdatedAt = time.Now()
	now := time.Now()
	switch status {
	case models.RunningProjectStatus:
		if p.StartedAt == nil {
			p.StartedAt = &now
		}
	case models.CompletedProjectStatus, models.FailedProjectStatus,
		models.PartiallyFailedProjectStatus, models.CancelledProjectStatus:
		p.CompletedAt = &now
	}
	return nil
}

func (m *mockStore) SaveTask(t models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	cp := t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *mockStore) GetTask(id string) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.Task{}, errors.Wrapf(ErrNotFound, "task %s", id)
	}
	return *t, nil
}

func (m *mockStore) ListTasks(projectID string) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Task
	for _, t := range m.tasks {
		if t.ProjectID == projectID {
			out = append(out, *t)
		}
	}
	sortTasks(out)
	return out, nil
}

func (m *mockStore) UpdateTaskStatus(id string, status models.TaskStatus, errorMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "task %s", id)
	}
	t.Status = status
	t.ErrorMsg = errorMsg
	now := time.Now()
	switch status {
	case models.InProgressTaskStatus:
		t.StartedAt = &now
	case models.CompletedTaskStatus, models.FailedTaskStatus, models.BlockedTaskStatus:
		t.CompletedAt = &now
	}
	return nil
}

func (m *mockStore) UpdateTaskAttempts(id string, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "task %s", id)
	}
	t.Attempts = attempts
	return nil
}

func (m *mockStore) UpdateTaskResult(id string, output string, actualTokens int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "task %s", id)
	}
	t.Output = output
	t.ActualTokens = actualTokens
	return nil
}

func (m *mockStore) ResetTask(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "task %s", id)
	}
	t.Status = models.PendingTaskStatus
	t.Output = ""
	t.ErrorMsg = ""
	t.Attempts = 0
	t.ActualTokens = 0
	t.StartedAt = nil
	t.CompletedAt = nil
	return nil
}

func (m *mockStore) SaveKnowledgeEntry(e models.KnowledgeEntry) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if _, exists := m.entries[e.ID]; exists {
		return "", errors.Errorf("knowledge entry %s already exists", e.ID)
	}
	cp := e
	m.entries[e.ID] = &cp
	m.order = append(m.order, e.ID)
	return e.ID, nil
}

func (m *mockStore) GetKnowledgeEntry(id string) (models.KnowledgeEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return models.KnowledgeEntry{}, errors.Wrapf(ErrNotFound, "knowledge entry %s", id)
	}
	return *e, nil
}

func (m *mockStore) ListKnowledgeEntries() ([]models.KnowledgeEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.KnowledgeEntry, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.entries[id])
	}
	return out, nil
}

func (m *mockStore) KnowledgeStats() (models.KnowledgeStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := models.KnowledgeStats{
		ByContentType: make(map[string]int),
		ByCapability:  make(map[models.CapabilityType]int),
	}
	for _, e := range m.entries {
		stats.TotalEntries++
		stats.TotalTokenCount += e.TokenCount
		stats.ByContentType[e.ContentType]++
		if e.Capability != "" {
			stats.ByCapability[e.Capability]++
		}
	}
	return stats, nil
}

func (m *mockStore) LogSearchQuery(q models.SearchQuery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now()
	}
	m.queries = append(m.queries, q)
	return nil
}

// SearchQueries exposes the analytics log for tests.
func (m *mockStore) SearchQueries() []models.SearchQuery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.SearchQuery, len(m.queries))
	copy(out, m.queries)
	return out
}

// sortTasks orders tasks by creation time then ID, matching the ordering
// the Postgres store produces.
func sortTasks(tasks []models.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}
