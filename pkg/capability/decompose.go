package capability

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// JSONDecomposer treats the project request as an already-decomposed JSON
// array of task specs. It is the decomposer used by the CLI and the HTTP
// server when no planning backend is wired in.
type JSONDecomposer struct{}

func (JSONDecomposer) Decompose(_ context.Context, request string) ([]TaskSpec, error) {
	var specs []TaskSpec
	if err := json.Unmarshal([]byte(request), &specs); err != nil {
		return nil, errors.Wrap(err, "parse task specs")
	}
	return specs, nil
}

// StaticDecomposer returns a fixed task list regardless of the request.
type StaticDecomposer []TaskSpec

func (d StaticDecomposer) Decompose(context.Context, string) ([]TaskSpec, error) {
	return []TaskSpec(d), nil
}
