// Package capability defines the interface between the execution engine
// and the specialist capabilities that actually perform task work. The
// engine treats a capability as an opaque, potentially slow, potentially
// failing remote call.
package capability

import (
	"context"

	"github.com/dmarkov/agentflow/pkg/models"
)

// Result is a successful capability outcome.
type Result struct {
	// Payload is the opaque deliverable the capability produced. The core
	// does not interpret it.
	Payload string
	// TokensUsed is the resource cost reported by the backend.
	TokensUsed int
}

// Capability turns a task specification into a result. Implementations are
// backed by an external generative service and must honor ctx cancellation.
// contextEntries carry semantically relevant prior work; an empty slice is
// normal and must not change behavior beyond the missing context.
type Capability interface {
	Type() models.CapabilityType
	Run(ctx context.Context, task models.Task, contextEntries []models.KnowledgeEntry) (Result, error)
}

// Func adapts a closure to the Capability interface.
type Func struct {
	CapabilityType models.CapabilityType
	RunFunc        func(ctx context.Context, task models.Task, contextEntries []models.KnowledgeEntry) (Result, error)
}

func (f Func) Type() models.CapabilityType { return f.CapabilityType }

func (f Func) Run(ctx context.Context, task models.Task, contextEntries []models.KnowledgeEntry) (Result, error) {
	return f.RunFunc(ctx, task, contextEntries)
}

// TaskSpec is one task produced by decomposing a project request.
// DependsOn holds indices into the slice the decomposer returned.
type TaskSpec struct {
	Title           string                `json:"title"`
	Description     string                `json:"description"`
	Capability      models.CapabilityType `json:"capability"`
	Priority        models.TaskPriority   `json:"priority"`
	EstimatedTokens int                   `json:"estimated_tokens"`
	DependsOn       []int                 `json:"depends_on"`
}

// Decomposer turns a natural-language project request into a task list
// with dependencies. It is an external collaborator; the engine only
// consumes its output.
type Decomposer interface {
	Decompose(ctx context.Context, request string) ([]TaskSpec, error)
}
