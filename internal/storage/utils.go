package storage

import (
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/dmarkov/agentflow/pkg/models"
)

func InitStore(dbConnStr string) (*PostgresStore, error) {
	store, err := NewPostgresStore(dbConnStr)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// Array-valued columns keep struct scanning out of reach for sqlx, so
// tasks and knowledge entries are read with explicit column lists and a
// scan function shared between single-row and multi-row queries.

const taskColumns = `SELECT id, project_id, title, description, capability, status, priority, dependencies,
	estimated_tokens, actual_tokens, attempts, error_msg, output, created_at, started_at, completed_at`

func scanTask(scan func(dest ...interface{}) error) (models.Task, error) {
	var (
		t    models.Task
		deps pq.StringArray
	)
	err := scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Capability, &t.Status, &t.Priority, &deps,
		&t.EstimatedTokens, &t.ActualTokens, &t.Attempts, &t.ErrorMsg, &t.Output, &t.CreatedAt, &t.StartedAt, &t.CompletedAt)
	if err != nil {
		return models.Task{}, err
	}
	t.Dependencies = []string(deps)
	return t, nil
}

const knowledgeColumns = `SELECT id, title, content, content_type, embedding, source_type, source_id,
	project_id, capability, tags, token_count, created_at`

func scanKnowledgeEntry(scan func(dest ...interface{}) error) (models.KnowledgeEntry, error) {
	var (
		e         models.KnowledgeEntry
		embedding pq.Float64Array
		tags      pq.StringArray
	)
	err := scan(&e.ID, &e.Title, &e.Content, &e.ContentType, &embedding, &e.SourceType, &e.SourceID,
		&e.ProjectID, &e.Capability, &tags, &e.TokenCount, &e.CreatedAt)
	if err != nil {
		return models.KnowledgeEntry{}, err
	}
	e.Embedding = toFloat32(embedding)
	e.Tags = []string(tags)
	return e, nil
}

// Embeddings travel as double precision arrays on the wire and float32
// vectors in memory.
func toFloat64(v []float32) []float64 {
	if v == nil {
		return nil
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func toFloat32(v []float64) []float32 {
	if v == nil {
		return nil
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
