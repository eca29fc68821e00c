package model

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"autograder/internal/grader/sandbox/spec"
)

// SuiteManifest defines grader-facing fields of a test suite's suite.json.
type SuiteManifest struct {
	AssignmentID    int64             `json:"assignmentId"`
	Version         int32             `json:"version"`
	Title           string            `json:"title"`
	CompareMode     string            `json:"compareMode"`
	DefaultLimits   ResourceLimit     `json:"defaultLimits"`
	ToolchainLimits []ToolchainLimits `json:"toolchainLimits"`
	Tests           []SuiteTest       `json:"tests"`
}

// ToolchainLimits defines toolchain-specific limits and compile flags.
type ToolchainLimits struct {
	ToolchainID       string         `json:"toolchainId"`
	ExtraCompileFlags []string       `json:"extraCompileFlags"`
	Limits            *ResourceLimit `json:"limits"`
}

// SuiteTest names one test case's files relative to the suite root.
type SuiteTest struct {
	ID          string         `json:"id"`
	Input       string         `json:"input"`
	Expected    string         `json:"expected"`
	CompareMode string         `json:"compareMode"`
	Limits      *ResourceLimit `json:"limits"`
}

// ResourceLimit mirrors the manifest limit block.
type ResourceLimit struct {
	CPUTimeMs  int64 `json:"cpuTimeMs"`
	WallTimeMs int64 `json:"wallTimeMs"`
	MemoryMB   int64 `json:"memoryMb"`
	StackMB    int64 `json:"stackMb"`
	OutputMB   int64 `json:"outputMb"`
	PIDs       int64 `json:"pids"`
}

// ToSpec converts manifest limits into sandbox limits.
func (l ResourceLimit) ToSpec() spec.ResourceLimit {
	return spec.ResourceLimit{
		CPUTimeMs:  l.CPUTimeMs,
		WallTimeMs: l.WallTimeMs,
		MemoryMB:   l.MemoryMB,
		StackMB:    l.StackMB,
		OutputMB:   l.OutputMB,
		PIDs:       l.PIDs,
	}
}

// LoadSuiteManifest parses suite.json and rejects entries that could
// escape the unpacked suite directory.
func LoadSuiteManifest(path string) (SuiteManifest, error) {
	var manifest SuiteManifest
	data, err := os.ReadFile(path)
	if err != nil {
		return SuiteManifest{}, fmt.Errorf("read manifest failed: %w", err)
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		return SuiteManifest{}, fmt.Errorf("parse manifest failed: %w", err)
	}
	if err := manifest.Validate(); err != nil {
		return SuiteManifest{}, err
	}
	return manifest, nil
}

// Validate checks structural requirements of the manifest.
func (m SuiteManifest) Validate() error {
	if len(m.Tests) == 0 {
		return fmt.Errorf("manifest has no tests")
	}
	seen := make(map[string]struct{}, len(m.Tests))
	for _, t := range m.Tests {
		if t.ID == "" {
			return fmt.Errorf("manifest test id is empty")
		}
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("manifest test id %q is duplicated", t.ID)
		}
		seen[t.ID] = struct{}{}
		for _, name := range []string{t.Input, t.Expected} {
			if name == "" {
				return fmt.Errorf("manifest test %q has empty file name", t.ID)
			}
			if strings.Contains(name, "..") || strings.HasPrefix(name, "/") {
				return fmt.Errorf("manifest test %q has unsafe file name %q", t.ID, name)
			}
		}
	}
	return nil
}

// LimitsFor resolves effective limits and compile flags for a toolchain.
func (m SuiteManifest) LimitsFor(toolchainID string) (spec.ResourceLimit, []string) {
	limits := m.DefaultLimits
	var flags []string
	for _, tl := range m.ToolchainLimits {
		if tl.ToolchainID != toolchainID {
			continue
		}
		if tl.Limits != nil {
			limits = *tl.Limits
		}
		flags = tl.ExtraCompileFlags
		break
	}
	return limits.ToSpec(), flags
}

// TestLimits resolves per-test limits on top of the toolchain baseline.
func (m SuiteManifest) TestLimits(t SuiteTest, base spec.ResourceLimit) spec.ResourceLimit {
	if t.Limits == nil {
		return base
	}
	override := t.Limits.ToSpec()
	merged := base
	if override.CPUTimeMs > 0 {
		merged.CPUTimeMs = override.CPUTimeMs
	}
	if override.WallTimeMs > 0 {
		merged.WallTimeMs = override.WallTimeMs
	}
	if override.MemoryMB > 0 {
		merged.MemoryMB = override.MemoryMB
	}
	if override.StackMB > 0 {
		merged.StackMB = override.StackMB
	}
	if override.OutputMB > 0 {
		merged.OutputMB = override.OutputMB
	}
	if override.PIDs > 0 {
		merged.PIDs = override.PIDs
	}
	return merged
}
