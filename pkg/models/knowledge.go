package models

import "time"

// Content types for knowledge entries.
const (
	TaskResultContentType    = "task_result"
	ProjectOutputContentType = "project_output"
	DocumentationContentType = "documentation"
)

// KnowledgeEntry is an immutable record of prior task or project output,
// embedded as a vector for similarity search. Entries are append-only:
// they are never updated, only superseded by newer entries.
type KnowledgeEntry struct {
	ID          string         `json:"id" db:"id"`
	Title       string         `json:"title" db:"title"`
	Content     string         `json:"content" db:"content"`
	ContentType string         `json:"content_type" db:"content_type"`
	Embedding   []float32      `json:"-" db:"embedding"`
	SourceType  string         `json:"source_type,omitempty" db:"source_type"` // "task" or "project"
	SourceID    string         `json:"source_id,omitempty" db:"source_id"`
	ProjectID   string         `json:"project_id,omitempty" db:"project_id"`
	Capability  CapabilityType `json:"capability,omitempty" db:"capability"`
	Tags        []string       `json:"tags,omitempty" db:"tags"`
	TokenCount  int            `json:"token_count" db:"token_count"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
}

// SearchQuery is a write-only analytics log of similarity searches. The
// core logic never reads it back.
type SearchQuery struct {
	ID           string    `json:"id" db:"id"`
	QueryText    string    `json:"query_text" db:"query_text"`
	Embedding    []float32 `json:"-" db:"embedding"`
	ResultsCount int       `json:"results_count" db:"results_count"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// KnowledgeStats summarizes the knowledge base for the query API.
type KnowledgeStats struct {
	TotalEntries    int                    `json:"total_entries"`
	ByContentType   map[string]int         `json:"by_content_type"`
	ByCapability    map[CapabilityType]int `json:"by_capability"`
	TotalTokenCount int                    `json:"total_token_count"`
}
