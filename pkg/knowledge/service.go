// Package knowledge implements the semantic knowledge store: append-only
// persistence of content fragments with vector embeddings, an approximate
// nearest-neighbor index over them, and the context-retrieval layer the
// executor consults before each task runs.
package knowledge

import (
	"strings"
	"sync"

	"github.com/dmarkov/agentflow/pkg/models"
	"github.com/dmarkov/agentflow/pkg/storage"
	"github.com/pkg/errors"
)

// DefaultContextK is how many prior entries a task is enriched with.
const DefaultContextK = 3

// Logger defines the logging interface for the knowledge service.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Filter narrows a search to matching entries. Zero values match
// everything.
type Filter struct {
	Capability  models.CapabilityType
	ContentType string
	Tags        []string
}

func (f Filter) matches(e models.KnowledgeEntry) bool {
	if f.Capability != "" && e.Capability != f.Capability {
		return false
	}
	if f.ContentType != "" && e.ContentType != f.ContentType {
		return false
	}
	for _, want := range f.Tags {
		found := false
		for _, tag := range e.Tags {
			if tag == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ScoredEntry pairs an entry with its relevance score in [0,1], where 1.0
// is identical.
type ScoredEntry struct {
	Entry models.KnowledgeEntry `json:"entry"`
	Score float64               `json:"score"`
}

// Service combines the durable store, the vector index and the embedder.
// The store is the system of record; the index is rebuilt from it at
// construction and kept in sync on every write.
type Service struct {
	store    storage.Store
	index    *Index
	embedder Embedder
	logger   Logger

	mu      sync.RWMutex
	entries map[string]models.KnowledgeEntry
}

// NewService builds a knowledge service over store, loading every existing
// entry into the index.
func NewService(store storage.Store, embedder Embedder, logger Logger) (*Service, error) {
	if embedder == nil {
		embedder = NewHashingEmbedder(0)
	}
	s := &Service{
		store:    store,
		index:    NewIndex(0, 0, 0),
		embedder: embedder,
		logger:   logger,
		entries:  make(map[string]models.KnowledgeEntry),
	}
	existing, err := store.ListKnowledgeEntries()
	if err != nil {
		return nil, errors.Wrap(err, "load knowledge entries")
	}
	for _, e := range existing {
		if len(e.Embedding) == 0 {
			continue
		}
		if err := s.index.Add(e.ID, e.Embedding); err != nil {
			return nil, errors.Wrapf(err, "index knowledge entry %s", e.ID)
		}
		s.entries[e.ID] = e
	}
	if len(existing) > 0 {
		s.logger.Infof("Indexed %d knowledge entries", len(existing))
	}
	return s, nil
}

// Store persists an entry and indexes it. When the caller supplied no
// embedding the content is embedded here; a pre-computed vector is stored
// verbatim. Returns the entry ID, assigned by the store when empty.
func (s *Service) Store(e models.KnowledgeEntry) (string, error) {
	if e.Content == "" {
		return "", errors.New("empty knowledge content")
	}
	if len(e.Embedding) == 0 {
		e.Embedding = s.embedder.Embed(e.Content)
	}
	if e.TokenCount == 0 {
		e.TokenCount = len(strings.Fields(e.Content))
	}

	id, err := s.store.SaveKnowledgeEntry(e)
	if err != nil {
		return "", errors.Wrap(err, "save knowledge entry")
	}
	e.ID = id
	if err := s.index.Add(id, e.Embedding); err != nil {
		// The row is durable; a failed index insert only degrades recall
		// until the next restart rebuild.
		s.logger.Errorf("Failed to index knowledge entry %s: %v", id, err)
	} else {
		s.mu.Lock()
		s.entries[id] = e
		s.mu.Unlock()
	}
	s.logger.Infof("Stored knowledge entry %s (%s)", id, e.ContentType)
	return id, nil
}

// Search embeds text and returns up to k entries ranked by descending
// relevance. The query is logged for analytics, best-effort.
func (s *Service) Search(text string, k int, filter Filter) ([]ScoredEntry, error) {
	if text == "" {
		return nil, errors.New("empty search text")
	}
	vec := s.embedder.Embed(text)
	results := s.SearchVector(vec, k, filter)

	if err := s.store.LogSearchQuery(models.SearchQuery{
		QueryText:    text,
		Embedding:    vec,
		ResultsCount: len(results),
	}); err != nil {
		s.logger.Errorf("Failed to log search query: %v", err)
	}
	return results, nil
}

// SearchVector runs a nearest-neighbor query with a pre-computed
// embedding.
func (s *Service) SearchVector(vec []float32, k int, filter Filter) []ScoredEntry {
	matches := s.index.Search(vec, k, func(id string) bool {
		s.mu.RLock()
		e, ok := s.entries[id]
		s.mu.RUnlock()
		return ok && filter.matches(e)
	})
	out := make([]ScoredEntry, 0, len(matches))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range matches {
		out = append(out, ScoredEntry{Entry: s.entries[m.ID], Score: m.Score})
	}
	return out
}

// Similar returns up to k entries nearest to an existing entry, excluding
// the entry itself.
func (s *Service) Similar(entryID string, k int) ([]ScoredEntry, error) {
	s.mu.RLock()
	e, ok := s.entries[entryID]
	s.mu.RUnlock()
	if !ok {
		var err error
		e, err = s.store.GetKnowledgeEntry(entryID)
		if err != nil {
			return nil, errors.Wrapf(err, "knowledge entry %s", entryID)
		}
	}
	matches := s.index.Search(e.Embedding, k+1, func(id string) bool { return id != entryID })
	if len(matches) > k {
		matches = matches[:k]
	}
	out := make([]ScoredEntry, 0, len(matches))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range matches {
		out = append(out, ScoredEntry{Entry: s.entries[m.ID], Score: m.Score})
	}
	return out, nil
}

// FetchContext returns the top-k entries relevant to a task's text,
// preferring entries from the same capability and falling back to the
// whole corpus. It never fails: an empty or unreachable store yields an
// empty slice, and callers treat missing context as a no-op.
func (s *Service) FetchContext(taskText string, cap models.CapabilityType, k int) []models.KnowledgeEntry {
	if taskText == "" {
		return nil
	}
	if k <= 0 {
		k = DefaultContextK
	}
	vec := s.embedder.Embed(taskText)
	scored := s.SearchVector(vec, k, Filter{Capability: cap})
	if len(scored) == 0 && cap != "" {
		scored = s.SearchVector(vec, k, Filter{})
	}
	out := make([]models.KnowledgeEntry, 0, len(scored))
	for _, se := range scored {
		out = append(out, se.Entry)
	}
	return out
}

// Stats reports entry counts for the query API.
func (s *Service) Stats() (models.KnowledgeStats, error) {
	return s.store.KnowledgeStats()
}
