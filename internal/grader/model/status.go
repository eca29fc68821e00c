package model

import "autograder/internal/grader/sandbox/result"

// Review states applied by instructors on top of a finished grade report.
// Review is workflow state, never a verdict.
const (
	ReviewUnconfirmed = "unconfirmed"
	ReviewConfirmed   = "confirmed"
)

// GradeStatusResponse is returned to API clients.
type GradeStatusResponse struct {
	SubmissionID string                  `json:"submission_id"`
	Status       result.GradeStatus      `json:"status"`
	Verdict      result.Verdict          `json:"verdict,omitempty"`
	Review       string                  `json:"review,omitempty"`
	Toolchain    string                  `json:"toolchain"`
	Summary      result.SummaryStat      `json:"summary"`
	Compile      *result.CompileResult   `json:"compile,omitempty"`
	Tests        []result.TestCaseResult `json:"tests,omitempty"`
	Timestamps   result.Timestamps       `json:"timestamps"`
	Progress     Progress                `json:"progress"`
	ErrorCode    int                     `json:"error_code,omitempty"`
	ErrorMessage string                  `json:"error_message,omitempty"`
}

// Progress represents grading progress.
type Progress struct {
	TotalTests int `json:"total_tests"`
	DoneTests  int `json:"done_tests"`
}

// OverallVerdict collapses per-test verdicts into one submission verdict.
// The first non-passing verdict in test order wins.
func OverallVerdict(report result.GradeReport) result.Verdict {
	if report.Compile != nil && !report.Compile.OK {
		return result.VerdictCompileError
	}
	for _, tc := range report.Tests {
		if tc.Verdict != result.VerdictPassed {
			return tc.Verdict
		}
	}
	if len(report.Tests) == 0 {
		return ""
	}
	return result.VerdictPassed
}
