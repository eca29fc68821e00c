package profile

import "autograder/internal/grader/sandbox/spec"

// TaskType identifies the sandbox task category.
type TaskType string

const (
	TaskTypeCompile TaskType = "compile"
	TaskTypeRun     TaskType = "run"
)

// TaskProfile defines sandbox resources and security settings for a task type.
type TaskProfile struct {
	ToolchainID    string
	TaskType       TaskType
	RootFS         string
	SeccompProfile string
	DefaultLimits  spec.ResourceLimit
}
