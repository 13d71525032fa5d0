package knowledge_test

import (
	"fmt"
	"testing"

	"github.com/dmarkov/agentflow/pkg/knowledge"
	"github.com/dmarkov/agentflow/pkg/models"
	"github.com/dmarkov/agentflow/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type logger struct{}

func (l logger) Infof(format string, args ...interface{})  {}
func (l logger) Errorf(format string, args ...interface{}) {}

func newService(t *testing.T) (*knowledge.Service, storage.Store) {
	store := storage.NewMockStore()
	svc, err := knowledge.NewService(store, knowledge.NewHashingEmbedder(64), logger{})
	require.NoError(t, err)
	return svc, store
}

func entry(title, content string, cap models.CapabilityType) models.KnowledgeEntry {
	return models.KnowledgeEntry{
		Title:       title,
		Content:     content,
		ContentType: models.TaskResultContentType,
		Capability:  cap,
	}
}

func TestServiceStore(t *testing.T) {
	t.Run("AssignsIDEmbeddingAndTokenCount", func(t *testing.T) {
		svc, store := newService(t)
		id, err := svc.Store(entry("api", "designed the payment api endpoints", models.BackendDeveloperCapability))
		require.NoError(t, err)
		assert.NotEmpty(t, id)

		stored, err := store.GetKnowledgeEntry(id)
		require.NoError(t, err)
		assert.NotEmpty(t, stored.Embedding)
		assert.Equal(t, 5, stored.TokenCount)
	})

	t.Run("RejectsEmptyContent", func(t *testing.T) {
		svc, _ := newService(t)
		_, err := svc.Store(models.KnowledgeEntry{Title: "empty"})
		assert.Error(t, err)
	})

	t.Run("PrecomputedEmbeddingStoredVerbatim", func(t *testing.T) {
		svc, store := newService(t)
		e := entry("vec", "some content", "")
		e.Embedding = []float32{1, 0, 0, 0}
		id, err := svc.Store(e)
		require.NoError(t, err)
		stored, err := store.GetKnowledgeEntry(id)
		require.NoError(t, err)
		assert.Equal(t, []float32{1, 0, 0, 0}, stored.Embedding)
	})
}

func TestServiceSearch(t *testing.T) {
	seed := func(t *testing.T, svc *knowledge.Service) {
		for i, c := range []struct {
			content string
			cap     models.CapabilityType
		}{
			{"implemented the rest api for user login and sessions", models.BackendDeveloperCapability},
			{"designed the landing page hero layout in react", models.FrontendDeveloperCapability},
			{"wrote marketing copy for the spring launch campaign", models.MarketingCapability},
			{"set up the postgres database schema and migrations", models.BackendDeveloperCapability},
		} {
			_, err := svc.Store(entry(fmt.Sprintf("e%d", i), c.content, c.cap))
			require.NoError(t, err)
		}
	}

	t.Run("ScoresBoundedAndSorted", func(t *testing.T) {
		svc, _ := newService(t)
		seed(t, svc)
		results, err := svc.Search("rest api for login", 4, knowledge.Filter{})
		require.NoError(t, err)
		require.NotEmpty(t, results)
		for i, r := range results {
			assert.GreaterOrEqual(t, r.Score, 0.0)
			assert.LessOrEqual(t, r.Score, 1.0)
			if i > 0 {
				assert.LessOrEqual(t, r.Score, results[i-1].Score)
			}
		}
		assert.Contains(t, results[0].Entry.Content, "rest api")
	})

	t.Run("TopKBound", func(t *testing.T) {
		svc, _ := newService(t)
		seed(t, svc)
		results, err := svc.Search("database", 2, knowledge.Filter{})
		require.NoError(t, err)
		assert.LessOrEqual(t, len(results), 2)
	})

	t.Run("CapabilityFilter", func(t *testing.T) {
		svc, _ := newService(t)
		seed(t, svc)
		results, err := svc.Search("api", 10, knowledge.Filter{Capability: models.BackendDeveloperCapability})
		require.NoError(t, err)
		require.NotEmpty(t, results)
		for _, r := range results {
			assert.Equal(t, models.BackendDeveloperCapability, r.Entry.Capability)
		}
	})

	t.Run("IdenticalTextScoresFullRelevance", func(t *testing.T) {
		svc, _ := newService(t)
		content := "implemented the rest api for user login and sessions"
		id, err := svc.Store(entry("same", content, ""))
		require.NoError(t, err)
		results, err := svc.Search(content, 1, knowledge.Filter{})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, id, results[0].Entry.ID)
		assert.InDelta(t, 1.0, results[0].Score, 1e-5)
	})

	t.Run("SearchesAreLogged", func(t *testing.T) {
		svc, store := newService(t)
		seed(t, svc)
		_, err := svc.Search("api", 3, knowledge.Filter{})
		require.NoError(t, err)

		// The analytics log is write-only for the service, read it straight
		// off the store.
		mock, ok := store.(interface{ SearchQueries() []models.SearchQuery })
		require.True(t, ok)
		queries := mock.SearchQueries()
		require.Len(t, queries, 1)
		assert.Equal(t, "api", queries[0].QueryText)
	})

	t.Run("RejectsEmptyQuery", func(t *testing.T) {
		svc, _ := newService(t)
		_, err := svc.Search("", 3, knowledge.Filter{})
		assert.Error(t, err)
	})
}

func TestServiceSimilar(t *testing.T) {
	svc, _ := newService(t)
	ids := make([]string, 0, 3)
	for _, content := range []string{
		"postgres schema design for orders",
		"postgres schema design for invoices",
		"react component styling",
	} {
		id, err := svc.Store(entry(content, content, ""))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	results, err := svc.Similar(ids[0], 2)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, r := range results {
		assert.NotEqual(t, ids[0], r.Entry.ID, "an entry must not be similar to itself")
	}
	assert.Equal(t, ids[1], results[0].Entry.ID)
}

func TestFetchContext(t *testing.T) {
	t.Run("EmptyStoreYieldsNoContext", func(t *testing.T) {
		svc, _ := newService(t)
		assert.Empty(t, svc.FetchContext("anything at all", models.BackendDeveloperCapability, 3))
	})

	t.Run("PrefersSameCapability", func(t *testing.T) {
		svc, _ := newService(t)
		_, err := svc.Store(entry("be", "user login api implementation", models.BackendDeveloperCapability))
		require.NoError(t, err)
		_, err = svc.Store(entry("fe", "user login form implementation", models.FrontendDeveloperCapability))
		require.NoError(t, err)

		got := svc.FetchContext("user login", models.BackendDeveloperCapability, 3)
		require.NotEmpty(t, got)
		for _, e := range got {
			assert.Equal(t, models.BackendDeveloperCapability, e.Capability)
		}
	})

	t.Run("FallsBackAcrossCapabilities", func(t *testing.T) {
		svc, _ := newService(t)
		_, err := svc.Store(entry("fe", "user login form implementation", models.FrontendDeveloperCapability))
		require.NoError(t, err)

		got := svc.FetchContext("user login", models.DevOpsCapability, 3)
		require.Len(t, got, 1)
		assert.Equal(t, models.FrontendDeveloperCapability, got[0].Capability)
	})

	t.Run("DefaultsK", func(t *testing.T) {
		svc, _ := newService(t)
		for i := 0; i < 10; i++ {
			_, err := svc.Store(entry(fmt.Sprintf("e%d", i), fmt.Sprintf("shared vocabulary entry number %d", i), ""))
			require.NoError(t, err)
		}
		got := svc.FetchContext("shared vocabulary entry", "", 0)
		assert.Len(t, got, knowledge.DefaultContextK)
	})
}

func TestServiceRebuildsIndexFromStore(t *testing.T) {
	store := storage.NewMockStore()
	first, err := knowledge.NewService(store, knowledge.NewHashingEmbedder(64), logger{})
	require.NoError(t, err)
	id, err := first.Store(entry("persisted", "durable content about deployments", models.DevOpsCapability))
	require.NoError(t, err)

	// A fresh service over the same store must find the entry again.
	second, err := knowledge.NewService(store, knowledge.NewHashingEmbedder(64), logger{})
	require.NoError(t, err)
	results, err := second.Search("durable content about deployments", 1, knowledge.Filter{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].Entry.ID)
}

func TestServiceStats(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Store(entry("a", "one two three", models.BackendDeveloperCapability))
	require.NoError(t, err)
	e := entry("b", "four five", models.MarketingCapability)
	e.ContentType = models.ProjectOutputContentType
	_, err = svc.Store(e)
	require.NoError(t, err)

	stats, err := svc.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalEntries)
	assert.Equal(t, 5, stats.TotalTokenCount)
	assert.Equal(t, 1, stats.ByContentType[models.TaskResultContentType])
	assert.Equal(t, 1, stats.ByContentType[models.ProjectOutputContentType])
	assert.Equal(t, 1, stats.ByCapability[models.BackendDeveloperCapability])
}
