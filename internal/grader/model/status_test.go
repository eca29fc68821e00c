package model_test

import (
	"encoding/json"
	"strings"
	"testing"

	"autograder/internal/grader/model"
	"autograder/internal/grader/sandbox/result"
)

func TestOverallVerdict(t *testing.T) {
	tests := []struct {
		name   string
		report result.GradeReport
		want   result.Verdict
	}{
		{
			name: "compile failure wins",
			report: result.GradeReport{
				Compile: &result.CompileResult{OK: false},
				Tests: []result.TestCaseResult{
					{TestID: "t1", Verdict: result.VerdictCompileError},
				},
			},
			want: result.VerdictCompileError,
		},
		{
			name: "all passed",
			report: result.GradeReport{
				Compile: &result.CompileResult{OK: true},
				Tests: []result.TestCaseResult{
					{TestID: "t1", Verdict: result.VerdictPassed},
					{TestID: "t2", Verdict: result.VerdictPassed},
				},
			},
			want: result.VerdictPassed,
		},
		{
			name: "first failure in order wins",
			report: result.GradeReport{
				Compile: &result.CompileResult{OK: true},
				Tests: []result.TestCaseResult{
					{TestID: "t1", Verdict: result.VerdictPassed},
					{TestID: "t2", Verdict: result.VerdictTimedOut},
					{TestID: "t3", Verdict: result.VerdictWrongOutput},
				},
			},
			want: result.VerdictTimedOut,
		},
		{
			name:   "no tests",
			report: result.GradeReport{Compile: &result.CompileResult{OK: true}},
			want:   "",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := model.OverallVerdict(tt.report); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestStatusResponseHidesSandboxInternals(t *testing.T) {
	resp := model.GradeStatusResponse{
		SubmissionID: "sub-1",
		Status:       result.StatusFinished,
		Verdict:      result.VerdictRuntimeError,
		Compile: &result.CompileResult{
			OK:      true,
			LogPath: "/var/grader/work/sub-1/compile/compile.log",
		},
		Tests: []result.TestCaseResult{{
			TestID:         "t1",
			Verdict:        result.VerdictRuntimeError,
			TimeMs:         12,
			MemoryKB:       1024,
			ExitCode:       139,
			RuntimeLogPath: "/var/grader/work/sub-1/t1/runtime.log",
		}},
	}
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	body := string(data)
	for _, leak := range []string{"runtime.log", "compile.log", "139", "RuntimeLogPath", "LogPath"} {
		if strings.Contains(body, leak) {
			t.Fatalf("response must not expose %q: %s", leak, body)
		}
	}
	for _, want := range []string{`"test_id":"t1"`, `"verdict":"RuntimeError"`, `"time_ms":12`} {
		if !strings.Contains(body, want) {
			t.Fatalf("response missing %s: %s", want, body)
		}
	}
}
