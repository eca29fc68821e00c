package config

import (
	"autograder/internal/grader/sandbox/profile"
	"autograder/internal/grader/sandbox/spec"
)

// DefaultToolchains returns the built-in toolchain set.
// The C++ toolchain mirrors the grading image: g++ with a fixed output
// name, compiled once per submission.
func DefaultToolchains() []profile.ToolchainSpec {
	return []profile.ToolchainSpec{
		{
			ID:               "cpp",
			Name:             "GNU C++17",
			Version:          "g++ 13",
			SourceFile:       "main.cpp",
			BinaryFile:       "student-program",
			CompileEnabled:   true,
			CompileCmdTpl:    "g++ -O2 -std=c++17 -o {bin} {src} {extraFlags}",
			RunCmdTpl:        "{bin}",
			Env:              []string{"PATH=/usr/local/bin:/usr/bin:/bin"},
			TimeMultiplier:   1,
			MemoryMultiplier: 1,
		},
	}
}

// DefaultTaskProfiles returns built-in task profiles for the default
// toolchains. The compile budget is generous but bounded and distinct
// from run limits.
func DefaultTaskProfiles() []profile.TaskProfile {
	return []profile.TaskProfile{
		{
			ToolchainID: "cpp",
			TaskType:    profile.TaskTypeCompile,
			DefaultLimits: spec.ResourceLimit{
				CPUTimeMs:  10000,
				WallTimeMs: 20000,
				MemoryMB:   1024,
				StackMB:    256,
				OutputMB:   64,
				PIDs:       64,
			},
		},
		{
			ToolchainID:    "cpp",
			TaskType:       profile.TaskTypeRun,
			SeccompProfile: "cpp-run.json",
			DefaultLimits: spec.ResourceLimit{
				CPUTimeMs:  2000,
				WallTimeMs: 5000,
				MemoryMB:   500,
				StackMB:    256,
				OutputMB:   16,
				PIDs:       16,
			},
		},
	}
}
