// Package orchestrator drives a project through its execution waves. It
// plans the waves, fans tasks within a wave out to the executor under a
// concurrency cap, propagates dependency failures as blocked tasks, and
// settles the project into its final status.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/dmarkov/agentflow/pkg/capability"
	"github.com/dmarkov/agentflow/pkg/executor"
	"github.com/dmarkov/agentflow/pkg/models"
	"github.com/dmarkov/agentflow/pkg/scheduler"
	"github.com/dmarkov/agentflow/pkg/storage"
)

// Logger defines the logging interface for the orchestrator.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// DefaultMaxInFlight bounds how many tasks of one wave run concurrently.
const DefaultMaxInFlight = 4

// TaskFailure records one failed task for the run summary.
type TaskFailure struct {
	TaskID string `json:"task_id"`
	Title  string `json:"title"`
	Error  string `json:"error"`
}

// Summary aggregates the outcome of one project run.
type Summary struct {
	ProjectID    string                        `json:"project_id"`
	Status       models.ProjectStatus          `json:"status"`
	TotalTasks   int                           `json:"total_tasks"`
	Completed    int                           `json:"completed"`
	Failed       int                           `json:"failed"`
	Blocked      int                           `json:"blocked"`
	TotalTokens  int                           `json:"total_tokens"`
	ByCapability map[models.CapabilityType]int `json:"by_capability"`
	Waves        int                           `json:"waves"`
	Failures     []TaskFailure                 `json:"failures,omitempty"`
	Duration     time.Duration                 `json:"duration"`
}

// Progress is a point-in-time snapshot of a project's task counts.
type Progress struct {
	ProjectID       string               `json:"project_id"`
	Status          models.ProjectStatus `json:"status"`
	TotalTasks      int                  `json:"total_tasks"`
	Pending         int                  `json:"pending"`
	InProgress      int                  `json:"in_progress"`
	Completed       int                  `json:"completed"`
	Failed          int                  `json:"failed"`
	Blocked         int                  `json:"blocked"`
	ProgressPercent float64              `json:"progress_percent"`
	EstimatedTokens int                  `json:"estimated_tokens"`
	ActualTokens    int                  `json:"actual_tokens"`
}

// Orchestrator coordinates project planning and execution.
type Orchestrator struct {
	store       storage.Store
	exec        *executor.Executor
	kb          executor.KnowledgeBase
	sink        EventSink
	logger      Logger
	maxInFlight int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxInFlight caps concurrent task execution within a wave.
func WithMaxInFlight(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxInFlight = n
		}
	}
}

// WithEventSink routes progress events to sink instead of discarding them.
func WithEventSink(sink EventSink) Option {
	return func(o *Orchestrator) {
		if sink != nil {
			o.sink = sink
		}
	}
}

// New creates an Orchestrator. kb may be nil; project summaries are then
// not written back to the knowledge base.
func New(store storage.Store, exec *executor.Executor, kb executor.KnowledgeBase, logger Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		exec:        exec,
		kb:          kb,
		sink:        NopSink{},
		logger:      logger,
		maxInFlight: DefaultMaxInFlight,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CreateProject decomposes request into tasks and persists the project in
// planning state. Dependency indices from the decomposer are resolved to
// task IDs; an index out of range or an unknown capability type fails the
// whole creation.
func (o *Orchestrator) CreateProject(ctx context.Context, name, description, request string, dec capability.Decomposer) (models.Project, error) {
	specs, err := dec.Decompose(ctx, request)
	if err != nil {
		return models.Project{}, errors.Wrap(err, "decompose request")
	}
	if len(specs) == 0 {
		return models.Project{}, errors.New("decomposer produced no tasks")
	}

	ids := make([]string, len(specs))
	for i := range specs {
		ids[i] = uuid.NewString()
	}

	now := time.Now()
	project := models.Project{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Status:      models.PlanningProjectStatus,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	tasks := make([]models.Task, 0, len(specs))
	for i, spec := range specs {
		if !spec.Capability.Valid() {
			return models.Project{}, errors.Errorf("task %d: unknown capability type %q", i, spec.Capability)
		}
		deps := make([]string, 0, len(spec.DependsOn))
		for _, di := range spec.DependsOn {
			if di < 0 || di >= len(specs) || di == i {
				return models.Project{}, errors.Errorf("task %d: dependency index %d out of range", i, di)
			}
			deps = append(deps, ids[di])
		}
		priority := spec.Priority
		if priority == "" {
			priority = models.NormalTaskPriority
		}
		tasks = append(tasks, models.Task{
			ID:              ids[i],
			ProjectID:       project.ID,
			Title:           spec.Title,
			Description:     spec.Description,
			Capability:      spec.Capability,
			Status:          models.PendingTaskStatus,
			Priority:        priority,
			Dependencies:    deps,
			EstimatedTokens: spec.EstimatedTokens,
			// Offsets keep the decomposition order stable in the plan.
			CreatedAt: now.Add(time.Duration(i) * time.Microsecond),
		})
	}

	if _, err := o.store.SaveProject(project); err != nil {
		return models.Project{}, errors.Wrap(err, "save project")
	}
	for _, t := range tasks {
		if err := o.store.SaveTask(t); err != nil {
			return models.Project{}, errors.Wrapf(err, "save task %q", t.Title)
		}
	}
	project.Tasks = tasks

	o.logger.Infof("Created project %s (%q) with %d tasks", project.ID, name, len(tasks))
	return project, nil
}

// ExecuteProject runs all tasks of a project wave by wave and returns the
// run summary. Tasks within a wave run concurrently up to the in-flight
// cap; a wave only starts after the previous wave fully settled. Tasks
// whose dependencies failed are marked blocked without ever invoking
// their capability. A planning error fails the project before any task
// runs. Cancellation stops dispatch after the current wave and rolls back
// tasks left in progress.
func (o *Orchestrator) ExecuteProject(ctx context.Context, projectID string) (*Summary, error) {
	project, err := o.store.GetProject(projectID)
	if err != nil {
		return nil, errors.Wrapf(err, "load project %s", projectID)
	}
	if project.Status == models.RunningProjectStatus {
		return nil, errors.Errorf("project %s is already running", projectID)
	}

	start := time.Now()
	summary := &Summary{
		ProjectID:    projectID,
		TotalTasks:   len(project.Tasks),
		ByCapability: make(map[models.CapabilityType]int),
	}

	waves, err := scheduler.Plan(project.Tasks)
	if err != nil {
		o.logger.Errorf("Planning failed for project %s: %v", projectID, err)
		if serr := o.store.UpdateProjectStatus(projectID, models.FailedProjectStatus); serr != nil {
			o.logger.Errorf("Failed to mark project %s failed: %v", projectID, serr)
		}
		o.emit(models.ProgressEvent{ProjectID: projectID, Type: models.ProjectFailedEvent})
		summary.Status = models.FailedProjectStatus
		return summary, errors.Wrapf(err, "plan project %s", projectID)
	}
	summary.Waves = len(waves)

	if err := o.store.UpdateProjectStatus(projectID, models.RunningProjectStatus); err != nil {
		return nil, errors.Wrapf(err, "mark project %s running", projectID)
	}
	o.logger.Infof("Executing project %s: %d tasks in %d waves", projectID, len(project.Tasks), len(waves))

	byID := make(map[string]models.Task, len(project.Tasks))
	for _, t := range project.Tasks {
		byID[t.ID] = t
	}
	failed := make(map[string]bool)

	for wi, wave := range waves {
		if ctx.Err() != nil {
			return o.cancel(ctx, projectID, summary, start)
		}
		o.emit(models.ProgressEvent{
			ProjectID: projectID,
			Type:      models.WaveStartedEvent,
			WaveIndex: wi,
		})

		blocked := scheduler.TransitivelyBlocked(project.Tasks, failed)
		var runnable []models.Task
		for _, id := range wave {
			task := byID[id]
			switch {
			case blocked[id]:
				if err := o.store.UpdateTaskStatus(id, models.BlockedTaskStatus, "dependency failed"); err != nil {
					o.logger.Errorf("Failed to mark task %s blocked: %v", id, err)
				}
				summary.Blocked++
				o.emit(models.ProgressEvent{
					ProjectID:       projectID,
					Type:            models.TaskBlockedEvent,
					TaskID:          id,
					WaveIndex:       wi,
					ProgressPercent: percent(summary.Completed, len(project.Tasks)),
				})
			case task.Status == models.CompletedTaskStatus:
				// Rerun after a partial failure skips work already done.
				summary.Completed++
				summary.TotalTokens += task.ActualTokens
				summary.ByCapability[task.Capability]++
			default:
				runnable = append(runnable, task)
			}
		}

		for outcome := range o.runWave(ctx, wi, runnable) {
			task := byID[outcome.TaskID]
			if outcome.Succeeded() {
				summary.Completed++
				summary.TotalTokens += outcome.TokensUsed
				summary.ByCapability[task.Capability]++
				o.emit(models.ProgressEvent{
					ProjectID:       projectID,
					Type:            models.TaskCompletedEvent,
					TaskID:          outcome.TaskID,
					WaveIndex:       wi,
					ProgressPercent: percent(summary.Completed, len(project.Tasks)),
				})
				continue
			}
			failed[outcome.TaskID] = true
			summary.Failed++
			summary.Failures = append(summary.Failures, TaskFailure{
				TaskID: outcome.TaskID,
				Title:  task.Title,
				Error:  outcome.Err.Error(),
			})
			o.emit(models.ProgressEvent{
				ProjectID:       projectID,
				Type:            models.TaskFailedEvent,
				TaskID:          outcome.TaskID,
				WaveIndex:       wi,
				ProgressPercent: percent(summary.Completed, len(project.Tasks)),
			})
		}
	}

	if ctx.Err() != nil {
		return o.cancel(ctx, projectID, summary, start)
	}

	summary.Duration = time.Since(start)
	summary.Status = finalStatus(summary)
	if err := o.store.UpdateProjectStatus(projectID, summary.Status); err != nil {
		return summary, errors.Wrapf(err, "mark project %s %s", projectID, summary.Status)
	}

	ev := models.ProgressEvent{
		ProjectID:       projectID,
		Type:            models.ProjectCompletedEvent,
		ProgressPercent: percent(summary.Completed, summary.TotalTasks),
	}
	if summary.Completed == 0 {
		ev.Type = models.ProjectFailedEvent
	}
	o.emit(ev)

	o.storeSummary(project, summary)
	o.logger.Infof("Project %s finished %s: %d completed, %d failed, %d blocked in %s",
		projectID, summary.Status, summary.Completed, summary.Failed, summary.Blocked, summary.Duration)
	return summary, nil
}

// runWave dispatches tasks concurrently under the in-flight cap and
// streams outcomes in settlement order. The returned channel closes once
// every task has settled.
func (o *Orchestrator) runWave(ctx context.Context, waveIndex int, tasks []models.Task) <-chan executor.Outcome {
	outcomes := make(chan executor.Outcome, len(tasks))
	if len(tasks) == 0 {
		close(outcomes)
		return outcomes
	}

	sem := make(chan struct{}, o.maxInFlight)
	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go func(task models.Task) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			o.emit(models.ProgressEvent{
				ProjectID: task.ProjectID,
				Type:      models.TaskStartedEvent,
				TaskID:    task.ID,
				WaveIndex: waveIndex,
			})
			outcomes <- o.exec.Execute(ctx, task)
		}(task)
	}
	go func() {
		wg.Wait()
		close(outcomes)
	}()
	return outcomes
}

// cancel settles a cancelled run: tasks caught in progress are rolled
// back to pending, the project is marked cancelled.
func (o *Orchestrator) cancel(ctx context.Context, projectID string, summary *Summary, start time.Time) (*Summary, error) {
	o.logger.Infof("Project %s cancelled, rolling back in-progress tasks", projectID)

	tasks, err := o.store.ListTasks(projectID)
	if err != nil {
		o.logger.Errorf("Failed to list tasks of cancelled project %s: %v", projectID, err)
	}
	for _, t := range tasks {
		if t.Status != models.InProgressTaskStatus {
			continue
		}
		if rerr := o.exec.Rollback(t.ID); rerr != nil {
			o.logger.Errorf("Rollback of task %s failed, manual cleanup needed: %v", t.ID, rerr)
		}
	}

	if err := o.store.UpdateProjectStatus(projectID, models.CancelledProjectStatus); err != nil {
		o.logger.Errorf("Failed to mark project %s cancelled: %v", projectID, err)
	}
	o.emit(models.ProgressEvent{ProjectID: projectID, Type: models.ProjectCancelledEvent})

	summary.Status = models.CancelledProjectStatus
	summary.Duration = time.Since(start)
	return summary, errors.Wrapf(ctx.Err(), "project %s cancelled", projectID)
}

// RollbackProject undoes every task that has run, including completed
// ones, and marks the project cancelled. Individual rollback failures are
// collected; the project is marked cancelled regardless so a failed
// rollback stays visible as an error rather than a stuck status.
func (o *Orchestrator) RollbackProject(projectID string) error {
	tasks, err := o.store.ListTasks(projectID)
	if err != nil {
		return errors.Wrapf(err, "list tasks of project %s", projectID)
	}

	var failures []string
	for _, t := range tasks {
		if t.Status == models.PendingTaskStatus {
			continue
		}
		if rerr := o.exec.Rollback(t.ID); rerr != nil {
			o.logger.Errorf("Rollback of task %s failed: %v", t.ID, rerr)
			failures = append(failures, fmt.Sprintf("task %s: %v", t.ID, rerr))
		}
	}

	if err := o.store.UpdateProjectStatus(projectID, models.CancelledProjectStatus); err != nil {
		return errors.Wrapf(err, "mark project %s cancelled", projectID)
	}
	o.emit(models.ProgressEvent{ProjectID: projectID, Type: models.ProjectCancelledEvent})

	if len(failures) > 0 {
		return errors.Errorf("rollback of project %s incomplete: %s", projectID, strings.Join(failures, "; "))
	}
	o.logger.Infof("Rolled back project %s (%d tasks)", projectID, len(tasks))
	return nil
}

// ProjectProgress returns a snapshot of the project's task counts.
func (o *Orchestrator) ProjectProgress(projectID string) (Progress, error) {
	project, err := o.store.GetProject(projectID)
	if err != nil {
		return Progress{}, errors.Wrapf(err, "load project %s", projectID)
	}

	p := Progress{
		ProjectID:  projectID,
		Status:     project.Status,
		TotalTasks: len(project.Tasks),
	}
	for _, t := range project.Tasks {
		p.EstimatedTokens += t.EstimatedTokens
		p.ActualTokens += t.ActualTokens
		switch t.Status {
		case models.PendingTaskStatus:
			p.Pending++
		case models.InProgressTaskStatus:
			p.InProgress++
		case models.CompletedTaskStatus:
			p.Completed++
		case models.FailedTaskStatus:
			p.Failed++
		case models.BlockedTaskStatus:
			p.Blocked++
		}
	}
	p.ProgressPercent = percent(p.Completed, p.TotalTasks)
	return p, nil
}

func (o *Orchestrator) emit(ev models.ProgressEvent) {
	ev.Timestamp = time.Now()
	o.sink.Emit(ev)
}

// storeSummary writes the run outcome to the knowledge base so later
// projects can retrieve it as context. Best-effort.
func (o *Orchestrator) storeSummary(project models.Project, summary *Summary) {
	if o.kb == nil || summary.Completed == 0 {
		return
	}
	content := fmt.Sprintf("Project: %s\nDescription: %s\nOutcome: %s\nTasks: %d completed, %d failed, %d blocked\nTokens used: %d",
		project.Name, project.Description, summary.Status,
		summary.Completed, summary.Failed, summary.Blocked, summary.TotalTokens)
	entry := models.KnowledgeEntry{
		Title:       "Project Summary: " + project.Name,
		Content:     content,
		ContentType: models.ProjectOutputContentType,
		SourceType:  "project",
		SourceID:    project.ID,
		ProjectID:   project.ID,
		Tags:        []string{"project_summary", string(summary.Status)},
		TokenCount:  summary.TotalTokens,
	}
	if _, err := o.kb.Store(entry); err != nil {
		o.logger.Errorf("Failed to store summary for project %s: %v", project.ID, err)
	}
}

func finalStatus(s *Summary) models.ProjectStatus {
	switch {
	case s.TotalTasks == 0 || s.Completed == s.TotalTasks:
		return models.CompletedProjectStatus
	case s.Completed == 0:
		return models.FailedProjectStatus
	default:
		return models.PartiallyFailedProjectStatus
	}
}

// percent reports progress as the share of tasks that completed
// successfully; failed and blocked tasks do not count as progress.
func percent(completed, total int) float64 {
	if total == 0 {
		return 100
	}
	return float64(completed) * 100 / float64(total)
}
