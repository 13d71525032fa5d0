package storage_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmarkov/agentflow/pkg/models"
	"github.com/dmarkov/agentflow/pkg/storage"
)

func TestMockStoreTaskOrdering(t *testing.T) {
	store := storage.NewMockStore()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	projectID, err := store.SaveProject(models.Project{Name: "ordering"})
	require.NoError(t, err)

	// Inserted out of order on purpose; "tie-a"/"tie-b" share a timestamp.
	for _, task := range []models.Task{
		{ID: "third", ProjectID: projectID, Title: "third", CreatedAt: base.Add(2 * time.Second)},
		{ID: "tie-b", ProjectID: projectID, Title: "tie-b", CreatedAt: base.Add(time.Second)},
		{ID: "first", ProjectID: projectID, Title: "first", CreatedAt: base},
		{ID: "tie-a", ProjectID: projectID, Title: "tie-a", CreatedAt: base.Add(time.Second)},
	} {
		task.Capability = models.BackendDeveloperCapability
		task.Status = models.PendingTaskStatus
		require.NoError(t, store.SaveTask(task))
	}

	ids := func(tasks []models.Task) []string {
		out := make([]string, len(tasks))
		for i, task := range tasks {
			out[i] = task.ID
		}
		return out
	}

	tasks, err := store.ListTasks(projectID)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "tie-a", "tie-b", "third"}, ids(tasks))

	project, err := store.GetProject(projectID)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "tie-a", "tie-b", "third"}, ids(project.Tasks))
}
