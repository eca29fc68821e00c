package model_test

import (
	"os"
	"path/filepath"
	"testing"

	"autograder/internal/grader/model"
	"autograder/internal/grader/sandbox/spec"
)

func validManifest() model.SuiteManifest {
	return model.SuiteManifest{
		AssignmentID: 42,
		Version:      3,
		Title:        "sorting basics",
		CompareMode:  "normalized",
		DefaultLimits: model.ResourceLimit{
			CPUTimeMs:  1000,
			WallTimeMs: 3000,
			MemoryMB:   128,
			OutputMB:   8,
		},
		Tests: []model.SuiteTest{
			{ID: "t1", Input: "tests/t1.in", Expected: "tests/t1.out"},
			{ID: "t2", Input: "tests/t2.in", Expected: "tests/t2.out"},
		},
	}
}

func TestSuiteManifestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*model.SuiteManifest)
		wantErr bool
	}{
		{name: "valid", mutate: func(m *model.SuiteManifest) {}, wantErr: false},
		{
			name:    "no tests",
			mutate:  func(m *model.SuiteManifest) { m.Tests = nil },
			wantErr: true,
		},
		{
			name:    "empty test id",
			mutate:  func(m *model.SuiteManifest) { m.Tests[0].ID = "" },
			wantErr: true,
		},
		{
			name:    "duplicate test id",
			mutate:  func(m *model.SuiteManifest) { m.Tests[1].ID = m.Tests[0].ID },
			wantErr: true,
		},
		{
			name:    "empty input file",
			mutate:  func(m *model.SuiteManifest) { m.Tests[0].Input = "" },
			wantErr: true,
		},
		{
			name:    "parent traversal",
			mutate:  func(m *model.SuiteManifest) { m.Tests[0].Expected = "../secrets.out" },
			wantErr: true,
		},
		{
			name:    "absolute path",
			mutate:  func(m *model.SuiteManifest) { m.Tests[0].Input = "/etc/passwd" },
			wantErr: true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := validManifest()
			tt.mutate(&m)
			err := m.Validate()
			if tt.wantErr && err == nil {
				t.Fatalf("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestLoadSuiteManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "suite.json")
	data := `{
		"assignmentId": 42,
		"version": 3,
		"compareMode": "exact",
		"defaultLimits": {"cpuTimeMs": 1000, "memoryMb": 128},
		"tests": [
			{"id": "t1", "input": "tests/t1.in", "expected": "tests/t1.out"}
		]
	}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	m, err := model.LoadSuiteManifest(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if m.AssignmentID != 42 || m.Version != 3 {
		t.Fatalf("unexpected manifest %+v", m)
	}
	if m.DefaultLimits.CPUTimeMs != 1000 || m.DefaultLimits.MemoryMB != 128 {
		t.Fatalf("unexpected limits %+v", m.DefaultLimits)
	}

	if _, err := model.LoadSuiteManifest(filepath.Join(dir, "missing.json")); err == nil {
		t.Fatalf("expected error for missing manifest")
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if _, err := model.LoadSuiteManifest(bad); err == nil {
		t.Fatalf("expected error for malformed manifest")
	}
}

func TestLimitsFor(t *testing.T) {
	m := validManifest()
	m.ToolchainLimits = []model.ToolchainLimits{
		{
			ToolchainID:       "cpp",
			ExtraCompileFlags: []string{"-Wall", "-Werror"},
			Limits:            &model.ResourceLimit{CPUTimeMs: 2000, MemoryMB: 256},
		},
	}

	limits, flags := m.LimitsFor("cpp")
	if limits.CPUTimeMs != 2000 || limits.MemoryMB != 256 {
		t.Fatalf("toolchain limits must replace defaults, got %+v", limits)
	}
	if len(flags) != 2 || flags[0] != "-Wall" {
		t.Fatalf("unexpected flags %v", flags)
	}

	limits, flags = m.LimitsFor("unknown")
	if limits.CPUTimeMs != 1000 || limits.MemoryMB != 128 {
		t.Fatalf("unknown toolchain must use defaults, got %+v", limits)
	}
	if flags != nil {
		t.Fatalf("unknown toolchain must have no extra flags, got %v", flags)
	}
}

func TestTestLimitsMerge(t *testing.T) {
	m := validManifest()
	base := spec.ResourceLimit{CPUTimeMs: 1000, WallTimeMs: 3000, MemoryMB: 128, OutputMB: 8}

	plain := model.SuiteTest{ID: "t1", Input: "a", Expected: "b"}
	if got := m.TestLimits(plain, base); got != base {
		t.Fatalf("test without overrides must keep the baseline, got %+v", got)
	}

	tweaked := model.SuiteTest{
		ID:       "t2",
		Input:    "a",
		Expected: "b",
		Limits:   &model.ResourceLimit{CPUTimeMs: 5000},
	}
	got := m.TestLimits(tweaked, base)
	if got.CPUTimeMs != 5000 {
		t.Fatalf("expected cpu override, got %+v", got)
	}
	if got.WallTimeMs != 3000 || got.MemoryMB != 128 || got.OutputMB != 8 {
		t.Fatalf("untouched fields must keep baseline values, got %+v", got)
	}
}
