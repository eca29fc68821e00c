package config

import (
	"context"
	"fmt"

	"autograder/internal/grader/sandbox/profile"
	"autograder/internal/grader/sandbox/security"
	appErr "autograder/pkg/errors"
)

// LocalRepository loads toolchain specs and task profiles from memory.
type LocalRepository struct {
	toolchains map[string]profile.ToolchainSpec
	profiles   map[string]profile.TaskProfile
}

// NewLocalRepository creates a repository from config lists.
func NewLocalRepository(toolchains []profile.ToolchainSpec, profiles []profile.TaskProfile) *LocalRepository {
	tcMap := make(map[string]profile.ToolchainSpec)
	for _, tc := range toolchains {
		if tc.ID == "" {
			continue
		}
		tcMap[tc.ID] = tc
	}
	profileMap := make(map[string]profile.TaskProfile)
	for _, prof := range profiles {
		if prof.TaskType == "" || prof.ToolchainID == "" {
			continue
		}
		key := profileName(prof.ToolchainID, prof.TaskType)
		profileMap[key] = prof
	}
	return &LocalRepository{toolchains: tcMap, profiles: profileMap}
}

// GetToolchainSpec returns a toolchain spec.
func (r *LocalRepository) GetToolchainSpec(ctx context.Context, id string) (profile.ToolchainSpec, error) {
	if id == "" {
		return profile.ToolchainSpec{}, appErr.ValidationError("toolchain_id", "required")
	}
	tc, ok := r.toolchains[id]
	if !ok {
		return profile.ToolchainSpec{}, appErr.New(appErr.ToolchainNotSupported).WithMessage("toolchain not supported")
	}
	return tc, nil
}

// GetTaskProfile returns a task profile by type and toolchain.
func (r *LocalRepository) GetTaskProfile(ctx context.Context, taskType profile.TaskType, toolchainID string) (profile.TaskProfile, error) {
	if taskType == "" || toolchainID == "" {
		return profile.TaskProfile{}, appErr.ValidationError("task_profile", "required")
	}
	key := profileName(toolchainID, taskType)
	prof, ok := r.profiles[key]
	if !ok {
		return profile.TaskProfile{}, appErr.New(appErr.NotFound).WithMessage("task profile not found")
	}
	return prof, nil
}

// Resolve maps a profile name to isolation settings.
func (r *LocalRepository) Resolve(profileName string) (security.IsolationProfile, error) {
	if profileName == "" {
		return security.IsolationProfile{}, appErr.ValidationError("profile", "required")
	}
	prof, ok := r.profiles[profileName]
	if !ok {
		return security.IsolationProfile{}, appErr.New(appErr.NotFound).WithMessage("profile not found")
	}
	return security.IsolationProfile{
		RootFS:         prof.RootFS,
		SeccompProfile: prof.SeccompProfile,
		DisableNetwork: true,
	}, nil
}

func profileName(toolchainID string, taskType profile.TaskType) string {
	return fmt.Sprintf("%s-%s", toolchainID, taskType)
}
