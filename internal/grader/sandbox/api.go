// Package sandbox defines the public call interface used by the grading service.
package sandbox

import (
	"context"

	"autograder/internal/grader/sandbox/compare"
	"autograder/internal/grader/sandbox/result"
	"autograder/internal/grader/sandbox/spec"
)

// Service is the high-level sandbox entrypoint used by the grading layer.
type Service interface {
	Grade(ctx context.Context, req GradeRequest) (result.GradeReport, error)
	Kill(ctx context.Context, submissionID string) error
}

// GradeRequest contains all data needed to grade one submission.
// All paths must point to local files prepared before calling the sandbox.
type GradeRequest struct {
	SubmissionID string
	ToolchainID  string

	// WorkRoot is the host path used to create per-test workspaces.
	WorkRoot string
	// SourcePath is the local path to the student source code.
	SourcePath string

	// Tests are executed in order; the report carries one verdict per
	// entry in the same order.
	Tests []TestCaseSpec

	// ExtraCompileFlags must be filtered by the caller before use.
	ExtraCompileFlags []string

	ReceivedAt int64
}

// TestCaseSpec describes one test case input and expected output.
type TestCaseSpec struct {
	TestID       string
	InputPath    string
	ExpectedPath string
	CompareMode  compare.Mode
	Limits       spec.ResourceLimit
}
