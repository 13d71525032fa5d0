package orchestrator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dmarkov/agentflow/pkg/capability"
	"github.com/dmarkov/agentflow/pkg/executor"
	"github.com/dmarkov/agentflow/pkg/models"
	"github.com/dmarkov/agentflow/pkg/orchestrator"
	"github.com/dmarkov/agentflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type logger struct{}

func (l logger) Infof(format string, args ...interface{})  {}
func (l logger) Errorf(format string, args ...interface{}) {}

// recordingSink collects events in emission order.
type recordingSink struct {
	mu     sync.Mutex
	events []models.ProgressEvent
}

func (s *recordingSink) Emit(ev models.ProgressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) all() []models.ProgressEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ProgressEvent, len(s.events))
	copy(out, s.events)
	return out
}

func (s *recordingSink) ofType(t models.EventType) []models.ProgressEvent {
	var out []models.ProgressEvent
	for _, ev := range s.all() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type runFunc func(ctx context.Context, task models.Task, entries []models.KnowledgeEntry) (capability.Result, error)

type fixture struct {
	store storage.Store
	orch  *orchestrator.Orchestrator
	sink  *recordingSink
	runs  *callLog
}

// callLog records which task titles actually reached a capability.
type callLog struct {
	mu     sync.Mutex
	titles []string
}

func (c *callLog) add(title string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.titles = append(c.titles, title)
}

func (c *callLog) has(title string) bool {
	return c.count(title) > 0
}

func (c *callLog) count(title string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, got := range c.titles {
		if got == title {
			n++
		}
	}
	return n
}

// newFixture wires an orchestrator over the mock store. behaviors maps a
// task title to its capability behavior; unmapped titles succeed.
func newFixture(t *testing.T, behaviors map[string]runFunc) *fixture {
	store := storage.NewMockStore()
	runs := &callLog{}
	registry := capability.NewRegistry()
	for _, ct := range models.AllCapabilityTypes() {
		require.NoError(t, registry.Register(capability.Func{
			CapabilityType: ct,
			RunFunc: func(ctx context.Context, task models.Task, entries []models.KnowledgeEntry) (capability.Result, error) {
				runs.add(task.Title)
				if run, ok := behaviors[task.Title]; ok {
					return run(ctx, task, entries)
				}
				return capability.Result{Payload: "deliverable for " + task.Title, TokensUsed: 10}, nil
			},
		}))
	}
	policy := executor.RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	exec := executor.New(store, registry, nil, logger{}, executor.WithRetryPolicy(policy))
	sink := &recordingSink{}
	orch := orchestrator.New(store, exec, nil, logger{}, orchestrator.WithEventSink(sink))
	return &fixture{store: store, orch: orch, sink: sink, runs: runs}
}

func spec(title string, deps ...int) capability.TaskSpec {
	return capability.TaskSpec{Title: title, Capability: models.BackendDeveloperCapability, DependsOn: deps}
}

func createProject(t *testing.T, f *fixture, specs ...capability.TaskSpec) models.Project {
	project, err := f.orch.CreateProject(context.Background(), "p", "", "", capability.StaticDecomposer(specs))
	require.NoError(t, err)
	return project
}

func taskByTitle(t *testing.T, f *fixture, projectID, title string) models.Task {
	tasks, err := f.store.ListTasks(projectID)
	require.NoError(t, err)
	for _, task := range tasks {
		if task.Title == title {
			return task
		}
	}
	t.Fatalf("no task titled %q", title)
	return models.Task{}
}

func TestCreateProject(t *testing.T) {
	t.Run("ResolvesDependencyIndices", func(t *testing.T) {
		f := newFixture(t, nil)
		project := createProject(t, f, spec("a"), spec("b", 0), spec("c", 0, 1))
		require.Len(t, project.Tasks, 3)
		assert.Equal(t, models.PlanningProjectStatus, project.Status)

		a := taskByTitle(t, f, project.ID, "a")
		b := taskByTitle(t, f, project.ID, "b")
		c := taskByTitle(t, f, project.ID, "c")
		assert.Empty(t, a.Dependencies)
		assert.Equal(t, []string{a.ID}, b.Dependencies)
		assert.ElementsMatch(t, []string{a.ID, b.ID}, c.Dependencies)
	})

	t.Run("RejectsOutOfRangeIndex", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.orch.CreateProject(context.Background(), "p", "", "",
			capability.StaticDecomposer{spec("a", 5)})
		assert.ErrorContains(t, err, "out of range")
	})

	t.Run("RejectsUnknownCapability", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.orch.CreateProject(context.Background(), "p", "", "",
			capability.StaticDecomposer{{Title: "a", Capability: "sorcery"}})
		assert.ErrorContains(t, err, "unknown capability")
	})

	t.Run("RejectsEmptyDecomposition", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.orch.CreateProject(context.Background(), "p", "", "", capability.StaticDecomposer{})
		assert.Error(t, err)
	})
}

func TestExecuteProject(t *testing.T) {
	t.Run("AllTasksComplete", func(t *testing.T) {
		f := newFixture(t, nil)
		project := createProject(t, f, spec("a"), spec("b", 0), spec("c", 0))

		summary, err := f.orch.ExecuteProject(context.Background(), project.ID)
		require.NoError(t, err)
		assert.Equal(t, models.CompletedProjectStatus, summary.Status)
		assert.Equal(t, 3, summary.Completed)
		assert.Equal(t, 30, summary.TotalTokens)
		assert.Equal(t, 2, summary.Waves)
		assert.Equal(t, 3, summary.ByCapability[models.BackendDeveloperCapability])

		stored, err := f.store.GetProject(project.ID)
		require.NoError(t, err)
		assert.Equal(t, models.CompletedProjectStatus, stored.Status)
	})

	t.Run("FailedDependencyBlocksDownstream", func(t *testing.T) {
		f := newFixture(t, map[string]runFunc{
			"a": func(ctx context.Context, task models.Task, entries []models.KnowledgeEntry) (capability.Result, error) {
				return capability.Result{}, errors.New("boom")
			},
		})
		project := createProject(t, f, spec("a"), spec("b", 0), spec("c", 1), spec("d"))

		summary, err := f.orch.ExecuteProject(context.Background(), project.ID)
		require.NoError(t, err)
		assert.Equal(t, models.PartiallyFailedProjectStatus, summary.Status)
		assert.Equal(t, 1, summary.Completed)
		assert.Equal(t, 1, summary.Failed)
		assert.Equal(t, 2, summary.Blocked)

		// The blocked tasks never reach a capability
		assert.False(t, f.runs.has("b"))
		assert.False(t, f.runs.has("c"))
		assert.True(t, f.runs.has("d"))

		b := taskByTitle(t, f, project.ID, "b")
		c := taskByTitle(t, f, project.ID, "c")
		assert.Equal(t, models.BlockedTaskStatus, b.Status)
		assert.Equal(t, models.BlockedTaskStatus, c.Status)

		blocked := f.sink.ofType(models.TaskBlockedEvent)
		assert.Len(t, blocked, 2)
	})

	t.Run("SiblingsUnaffectedByFailure", func(t *testing.T) {
		f := newFixture(t, map[string]runFunc{
			"a": func(ctx context.Context, task models.Task, entries []models.KnowledgeEntry) (capability.Result, error) {
				return capability.Result{}, errors.New("boom")
			},
		})
		project := createProject(t, f, spec("a"), spec("sibling"), spec("downstream", 1))

		summary, err := f.orch.ExecuteProject(context.Background(), project.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, summary.Completed)
		assert.True(t, f.runs.has("sibling"))
		assert.True(t, f.runs.has("downstream"))
	})

	t.Run("EverythingFailedMeansProjectFailed", func(t *testing.T) {
		fail := func(ctx context.Context, task models.Task, entries []models.KnowledgeEntry) (capability.Result, error) {
			return capability.Result{}, errors.New("boom")
		}
		f := newFixture(t, map[string]runFunc{"a": fail, "b": fail})
		project := createProject(t, f, spec("a"), spec("b"))

		summary, err := f.orch.ExecuteProject(context.Background(), project.ID)
		require.NoError(t, err)
		assert.Equal(t, models.FailedProjectStatus, summary.Status)
		assert.Len(t, summary.Failures, 2)
		require.Len(t, f.sink.ofType(models.ProjectFailedEvent), 1)
	})

	t.Run("CycleFailsProjectWithoutExecuting", func(t *testing.T) {
		f := newFixture(t, nil)
		project := createProject(t, f, spec("a"), spec("b"))

		// Corrupt the graph behind the planner's back
		a := taskByTitle(t, f, project.ID, "a")
		b := taskByTitle(t, f, project.ID, "b")
		a.Dependencies = []string{b.ID}
		b.Dependencies = []string{a.ID}
		require.NoError(t, f.store.SaveTask(a))
		require.NoError(t, f.store.SaveTask(b))

		_, err := f.orch.ExecuteProject(context.Background(), project.ID)
		assert.Error(t, err)
		assert.Empty(t, f.runs.titles)

		stored, err := f.store.GetProject(project.ID)
		require.NoError(t, err)
		assert.Equal(t, models.FailedProjectStatus, stored.Status)
	})

	t.Run("AlreadyRunningRejected", func(t *testing.T) {
		f := newFixture(t, nil)
		project := createProject(t, f, spec("a"))
		require.NoError(t, f.store.UpdateProjectStatus(project.ID, models.RunningProjectStatus))

		_, err := f.orch.ExecuteProject(context.Background(), project.ID)
		assert.ErrorContains(t, err, "already running")
	})

	t.Run("RerunSkipsCompletedTasks", func(t *testing.T) {
		calls := 0
		f := newFixture(t, map[string]runFunc{
			"flaky": func(ctx context.Context, task models.Task, entries []models.KnowledgeEntry) (capability.Result, error) {
				calls++
				if calls <= 2 { // both attempts of the first run fail
					return capability.Result{}, errors.New("boom")
				}
				return capability.Result{Payload: "finally worked out", TokensUsed: 10}, nil
			},
		})
		project := createProject(t, f, spec("stable"), spec("flaky"))

		first, err := f.orch.ExecuteProject(context.Background(), project.ID)
		require.NoError(t, err)
		assert.Equal(t, models.PartiallyFailedProjectStatus, first.Status)

		second, err := f.orch.ExecuteProject(context.Background(), project.ID)
		require.NoError(t, err)
		assert.Equal(t, models.CompletedProjectStatus, second.Status)
		assert.Equal(t, 2, second.Completed)

		// "stable" ran once in total, its first result was reused
		assert.Equal(t, 1, f.runs.count("stable"))
	})

	t.Run("EventOrdering", func(t *testing.T) {
		f := newFixture(t, nil)
		project := createProject(t, f, spec("a"), spec("b", 0))

		_, err := f.orch.ExecuteProject(context.Background(), project.ID)
		require.NoError(t, err)

		var types []models.EventType
		for _, ev := range f.sink.all() {
			types = append(types, ev.Type)
		}
		assert.Equal(t, []models.EventType{
			models.WaveStartedEvent,
			models.TaskStartedEvent,
			models.TaskCompletedEvent,
			models.WaveStartedEvent,
			models.TaskStartedEvent,
			models.TaskCompletedEvent,
			models.ProjectCompletedEvent,
		}, types)

		completed := f.sink.ofType(models.TaskCompletedEvent)
		require.Len(t, completed, 2)
		assert.Equal(t, 50.0, completed[0].ProgressPercent)
		assert.Equal(t, 100.0, completed[1].ProgressPercent)
	})

	t.Run("CancellationRollsBackAndMarksCancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		f := newFixture(t, map[string]runFunc{
			"a": func(ctx context.Context, task models.Task, entries []models.KnowledgeEntry) (capability.Result, error) {
				cancel()
				return capability.Result{Payload: "done before cancel seen", TokensUsed: 3}, nil
			},
		})
		project := createProject(t, f, spec("a"), spec("b", 0))

		summary, err := f.orch.ExecuteProject(ctx, project.ID)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, models.CancelledProjectStatus, summary.Status)
		assert.False(t, f.runs.has("b"), "no new wave after cancellation")

		stored, err := f.store.GetProject(project.ID)
		require.NoError(t, err)
		assert.Equal(t, models.CancelledProjectStatus, stored.Status)
		require.Len(t, f.sink.ofType(models.ProjectCancelledEvent), 1)
	})
}

func TestRollbackProject(t *testing.T) {
	f := newFixture(t, map[string]runFunc{
		"bad": func(ctx context.Context, task models.Task, entries []models.KnowledgeEntry) (capability.Result, error) {
			return capability.Result{}, errors.New("boom")
		},
	})
	project := createProject(t, f, spec("good"), spec("bad"))

	_, err := f.orch.ExecuteProject(context.Background(), project.ID)
	require.NoError(t, err)

	require.NoError(t, f.orch.RollbackProject(project.ID))

	tasks, err := f.store.ListTasks(project.ID)
	require.NoError(t, err)
	for _, task := range tasks {
		assert.Equal(t, models.PendingTaskStatus, task.Status)
		assert.Empty(t, task.Output)
		assert.Zero(t, task.Attempts)
	}
	stored, err := f.store.GetProject(project.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CancelledProjectStatus, stored.Status)
}

func TestProjectProgress(t *testing.T) {
	f := newFixture(t, map[string]runFunc{
		"bad": func(ctx context.Context, task models.Task, entries []models.KnowledgeEntry) (capability.Result, error) {
			return capability.Result{}, errors.New("boom")
		},
	})
	project := createProject(t, f, spec("good"), spec("bad"), spec("stuck", 1))

	before, err := f.orch.ProjectProgress(project.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, before.TotalTasks)
	assert.Equal(t, 3, before.Pending)
	assert.Zero(t, before.ProgressPercent)

	_, err = f.orch.ExecuteProject(context.Background(), project.ID)
	require.NoError(t, err)

	after, err := f.orch.ProjectProgress(project.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, after.Completed)
	assert.Equal(t, 1, after.Failed)
	assert.Equal(t, 1, after.Blocked)
	assert.InDelta(t, 100.0/3, after.ProgressPercent, 0.01)
	assert.Equal(t, 10, after.ActualTokens)
}

func TestProgressCountsOnlyCompletedTasks(t *testing.T) {
	f := newFixture(t, map[string]runFunc{
		"bad": func(ctx context.Context, task models.Task, entries []models.KnowledgeEntry) (capability.Result, error) {
			return capability.Result{}, errors.New("boom")
		},
	})
	project := createProject(t, f, spec("good"), spec("bad"))

	summary, err := f.orch.ExecuteProject(context.Background(), project.ID)
	require.NoError(t, err)
	require.Equal(t, models.PartiallyFailedProjectStatus, summary.Status)

	progress, err := f.orch.ProjectProgress(project.ID)
	require.NoError(t, err)
	assert.Equal(t, 50.0, progress.ProgressPercent)

	failedEvents := f.sink.ofType(models.TaskFailedEvent)
	require.Len(t, failedEvents, 1)
	assert.LessOrEqual(t, failedEvents[0].ProgressPercent, 50.0)

	final := f.sink.ofType(models.ProjectCompletedEvent)
	require.Len(t, final, 1)
	assert.Equal(t, 50.0, final[0].ProgressPercent)
}

func TestProjectSummaryStoredInKnowledgeBase(t *testing.T) {
	store := storage.NewMockStore()
	registry := capability.NewRegistry()
	require.NoError(t, registry.Register(capability.Func{
		CapabilityType: models.BackendDeveloperCapability,
		RunFunc: func(ctx context.Context, task models.Task, entries []models.KnowledgeEntry) (capability.Result, error) {
			return capability.Result{Payload: "short", TokensUsed: 1}, nil
		},
	}))
	kb := &summaryKB{}
	exec := executor.New(store, registry, kb, logger{})
	orch := orchestrator.New(store, exec, kb, logger{})

	project, err := orch.CreateProject(context.Background(), "p", "", "", capability.StaticDecomposer{spec("a")})
	require.NoError(t, err)
	_, err = orch.ExecuteProject(context.Background(), project.ID)
	require.NoError(t, err)

	require.NotEmpty(t, kb.stored)
	last := kb.stored[len(kb.stored)-1]
	assert.Equal(t, models.ProjectOutputContentType, last.ContentType)
	assert.Equal(t, project.ID, last.ProjectID)
}

type summaryKB struct {
	mu     sync.Mutex
	stored []models.KnowledgeEntry
}

func (s *summaryKB) FetchContext(string, models.CapabilityType, int) []models.KnowledgeEntry {
	return nil
}

func (s *summaryKB) Store(e models.KnowledgeEntry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored = append(s.stored, e)
	return "id", nil
}
