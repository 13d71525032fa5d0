package storage

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/dmarkov/agentflow/pkg/models"
	"github.com/dmarkov/agentflow/pkg/storage"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	Queryx(query string, args ...interface{}) (*sqlx.Rows, error)
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// SaveProject creates a new project and returns its ID (tasks are saved
// separately)
func (s *PostgresStore) SaveProject(p models.Project) (string, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := s.db.Exec(`
		INSERT INTO projects (id, name, description, status, created_at, updated_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, CURRENT_TIMESTAMP), COALESCE($6, CURRENT_TIMESTAMP), $7, $8)`,
		p.ID, p.Name, p.Description, p.Status, nullTime(p.CreatedAt), nullTime(p.UpdatedAt), p.StartedAt, p.CompletedAt)
	if err != nil {
		return "", fmt.Errorf("save project: %w", err)
	}
	return p.ID, nil
}

// GetProject retrieves a project by ID, including its tasks
func (s *PostgresStore) GetProject(id string) (models.Project, error) {
	var p models.Project
	err := s.db.Get(&p, "SELECT id, name, description, status, created_at, updated_at, started_at, completed_at FROM projects WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Project{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Project{}, err
	}

	p.Tasks, err = s.ListTasks(id)
	if err != nil {
		return models.Project{}, fmt.Errorf("get project %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) ListProjects() ([]models.Project, error) {
	projects := []models.Project{}
	query := "SELECT id, name, description, status, created_at, updated_at, started_at, completed_at FROM projects ORDER BY created_at DESC"
	err := s.db.Select(&projects, query)
	if err != nil {
		return nil, err
	}
	return projects, nil
}

// UpdateProjectStatus updates the status of a project. Transitions to
// running stamp started_at, terminal transitions stamp completed_at.
func (s *PostgresStore) UpdateProjectStatus(id string, status models.ProjectStatus) error {
	res, err := s.db.Exec(`
		UPDATE projects
		SET status = $1,
		updated_at = CURRENT_TIMESTAMP,
		started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN CURRENT_TIMESTAMP ELSE started_at END,
		completed_at = CASE WHEN $3 IN ('completed', 'failed', 'partially_failed', 'cancelled') THEN CURRENT_TIMESTAMP ELSE completed_at END
		WHERE id = $4`,
		// PostgreSQL types the parameters inside CASE separately so the status is passed once per clause
		status, status, status, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SaveTask creates a new task within a project
func (s *PostgresStore) SaveTask(t models.Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	_, err := s.db.Exec(`
		INSERT INTO tasks (id, project_id, title, description, capability, status, priority, dependencies,
			estimated_tokens, actual_tokens, attempts, error_msg, output, created_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, COALESCE($14, CURRENT_TIMESTAMP), $15, $16)`,
		t.ID, t.ProjectID, t.Title, t.Description, t.Capability, t.Status, t.Priority, pq.Array(t.Dependencies),
		t.EstimatedTokens, t.ActualTokens, t.Attempts, t.ErrorMsg, t.Output, nullTime(t.CreatedAt), t.StartedAt, t.CompletedAt)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID
func (s *PostgresStore) GetTask(id string) (models.Task, error) {
	row := s.db.QueryRowx(taskColumns+" FROM tasks WHERE id = $1", id)
	task, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return models.Task{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Task{}, err
	}
	return task, nil
}

// ListTasks retrieves all tasks of a project in creation order
func (s *PostgresStore) ListTasks(projectID string) ([]models.Task, error) {
	rows, err := s.db.Queryx(taskColumns+" FROM tasks WHERE project_id = $1 ORDER BY created_at, id", projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := []models.Task{}
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// UpdateTaskStatus updates the status and error message of a task.
// Moving to in_progress stamps started_at, terminal statuses stamp
// completed_at.
func (s *PostgresStore) UpdateTaskStatus(id string, status models.TaskStatus, errorMsg string) error {
	res, err := s.db.Exec(`
		UPDATE tasks
		SET status = $1,
		error_msg = $2,
		started_at = CASE WHEN $3 = 'in_progress' AND started_at IS NULL THEN CURRENT_TIMESTAMP ELSE started_at END,
		completed_at = CASE WHEN $4 IN ('completed', 'failed', 'blocked') THEN CURRENT_TIMESTAMP ELSE completed_at END
		WHERE id = $5`,
		status, errorMsg, status, status, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) UpdateTaskAttempts(id string, attempts int) error {
	res, err := s.db.Exec("UPDATE tasks SET attempts = $1 WHERE id = $2", attempts, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) UpdateTaskResult(id string, output string, actualTokens int) error {
	res, err := s.db.Exec("UPDATE tasks SET output = $1, actual_tokens = $2 WHERE id = $3", output, actualTokens, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ResetTask returns a task to pending with no output, attempts or
// timestamps
func (s *PostgresStore) ResetTask(id string) error {
	res, err := s.db.Exec(`
		UPDATE tasks
		SET status = 'pending', error_msg = '', output = '', actual_tokens = 0, attempts = 0,
		started_at = NULL, completed_at = NULL
		WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SaveKnowledgeEntry stores an entry with its embedding and returns its ID
func (s *PostgresStore) SaveKnowledgeEntry(e models.KnowledgeEntry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := s.db.Exec(`
		INSERT INTO knowledge_entries (id, title, content, content_type, embedding, source_type, source_id,
			project_id, capability, tags, token_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, COALESCE($12, CURRENT_TIMESTAMP))`,
		e.ID, e.Title, e.Content, e.ContentType, pq.Array(toFloat64(e.Embedding)), e.SourceType, e.SourceID,
		e.ProjectID, e.Capability, pq.Array(e.Tags), e.TokenCount, nullTime(e.CreatedAt))
	if err != nil {
		return "", fmt.Errorf("save knowledge entry: %w", err)
	}
	return e.ID, nil
}

func (s *PostgresStore) GetKnowledgeEntry(id string) (models.KnowledgeEntry, error) {
	row := s.db.QueryRowx(knowledgeColumns+" FROM knowledge_entries WHERE id = $1", id)
	e, err := scanKnowledgeEntry(row.Scan)
	if err == sql.ErrNoRows {
		return models.KnowledgeEntry{}, storage.ErrNotFound
	}
	if err != nil {
		return models.KnowledgeEntry{}, err
	}
	return e, nil
}

func (s *PostgresStore) ListKnowledgeEntries() ([]models.KnowledgeEntry, error) {
	rows, err := s.db.Queryx(knowledgeColumns + " FROM knowledge_entries ORDER BY created_at, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []models.KnowledgeEntry{}
	for rows.Next() {
		e, err := scanKnowledgeEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) KnowledgeStats() (models.KnowledgeStats, error) {
	stats := models.KnowledgeStats{
		ByContentType: map[string]int{},
		ByCapability:  map[models.CapabilityType]int{},
	}

	err := s.db.QueryRowx("SELECT COUNT(*), COALESCE(SUM(token_count), 0) FROM knowledge_entries").
		Scan(&stats.TotalEntries, &stats.TotalTokenCount)
	if err != nil {
		return models.KnowledgeStats{}, fmt.Errorf("knowledge stats: %w", err)
	}

	rows, err := s.db.Queryx("SELECT content_type, COUNT(*) FROM knowledge_entries GROUP BY content_type")
	if err != nil {
		return models.KnowledgeStats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var ct string
		var n int
		if err := rows.Scan(&ct, &n); err != nil {
			return models.KnowledgeStats{}, err
		}
		stats.ByContentType[ct] = n
	}
	if err := rows.Err(); err != nil {
		return models.KnowledgeStats{}, err
	}

	capRows, err := s.db.Queryx("SELECT capability, COUNT(*) FROM knowledge_entries WHERE capability <> '' GROUP BY capability")
	if err != nil {
		return models.KnowledgeStats{}, err
	}
	defer capRows.Close()
	for capRows.Next() {
		var c models.CapabilityType
		var n int
		if err := capRows.Scan(&c, &n); err != nil {
			return models.KnowledgeStats{}, err
		}
		stats.ByCapability[c] = n
	}
	return stats, capRows.Err()
}

// LogSearchQuery appends a search to the analytics log
func (s *PostgresStore) LogSearchQuery(q models.SearchQuery) error {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	_, err := s.db.Exec(`
		INSERT INTO search_queries (id, query_text, embedding, results_count, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, CURRENT_TIMESTAMP))`,
		q.ID, q.QueryText, pq.Array(toFloat64(q.Embedding)), q.ResultsCount, nullTime(q.CreatedAt))
	if err != nil {
		return fmt.Errorf("log search query: %w", err)
	}
	return nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
