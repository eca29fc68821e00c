package engine

import (
	"context"

	"autograder/internal/grader/sandbox/result"
	"autograder/internal/grader/sandbox/spec"
)

// Engine executes a RunSpec inside an isolated sandbox.
type Engine interface {
	Run(ctx context.Context, runSpec spec.RunSpec) (result.RunResult, error)
	KillSubmission(ctx context.Context, submissionID string) error
}
