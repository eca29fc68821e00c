package runner

import (
	"context"

	"autograder/internal/grader/sandbox/compare"
	"autograder/internal/grader/sandbox/profile"
	"autograder/internal/grader/sandbox/result"
	"autograder/internal/grader/sandbox/spec"
)

// CompileRequest describes one compilation task.
type CompileRequest struct {
	SubmissionID      string
	Toolchain         profile.ToolchainSpec
	Profile           profile.TaskProfile
	WorkDir           string
	SourcePath        string
	ExtraCompileFlags []string
	Limits            spec.ResourceLimit
}

// RunRequest describes one test case execution task.
type RunRequest struct {
	SubmissionID string
	TestID       string
	Toolchain    profile.ToolchainSpec
	Profile      profile.TaskProfile
	WorkDir      string
	InputPath    string
	ExpectedPath string
	CompareMode  compare.Mode
	Limits       spec.ResourceLimit
}

// Runner orchestrates compile and run workflows.
type Runner interface {
	Compile(ctx context.Context, req CompileRequest) (result.CompileResult, error)
	Run(ctx context.Context, req RunRequest) (result.TestCaseResult, error)
}
