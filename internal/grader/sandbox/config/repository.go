// Package config defines interfaces for loading sandbox configuration.
package config

import (
	"context"

	"autograder/internal/grader/sandbox/profile"
)

// ToolchainRepository loads toolchain specifications.
type ToolchainRepository interface {
	GetToolchainSpec(ctx context.Context, id string) (profile.ToolchainSpec, error)
}

// TaskProfileRepository loads task profiles by type and toolchain.
type TaskProfileRepository interface {
	GetTaskProfile(ctx context.Context, taskType profile.TaskType, toolchainID string) (profile.TaskProfile, error)
}
