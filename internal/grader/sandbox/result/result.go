// Package result defines sandbox execution results and verdict mapping.
package result

// GradeStatus represents the lifecycle state of a submission.
type GradeStatus string

const (
	StatusQueued    GradeStatus = "Queued"
	StatusCompiling GradeStatus = "Compiling"
	StatusRunning   GradeStatus = "Running"
	StatusFinished  GradeStatus = "Finished"
	StatusFailed    GradeStatus = "Failed"
)

// Verdict represents the outcome of one test case.
type Verdict string

const (
	VerdictPassed         Verdict = "Passed"
	VerdictWrongOutput    Verdict = "WrongOutput"
	VerdictRuntimeError   Verdict = "RuntimeError"
	VerdictTimedOut       Verdict = "TimedOut"
	VerdictMemoryExceeded Verdict = "MemoryExceeded"
	VerdictCompileError   Verdict = "CompileError"
)

// RunResult captures raw sandbox execution data.
// TimedOut is set by the engine when the wall timer or CPU limit fired,
// so a crash signal is never mistaken for a timeout.
type RunResult struct {
	ExitCode   int
	TimeMs     int64
	WallTimeMs int64
	MemoryKB   int64
	OutputKB   int64
	Stdout     string
	Stderr     string
	OomKilled  bool
	TimedOut   bool
}

// CompileResult contains compilation outcomes.
// Diagnostics holds the captured compiler output and is the only
// sandbox stderr ever surfaced to users.
type CompileResult struct {
	OK          bool   `json:"ok"`
	ExitCode    int    `json:"exit_code"`
	TimeMs      int64  `json:"time_ms"`
	MemoryKB    int64  `json:"memory_kb"`
	LogPath     string `json:"-"`
	Diagnostics string `json:"diagnostics,omitempty"`
	Error       string `json:"error,omitempty"`
}

// TestCaseResult contains per-test execution outcomes.
// Runtime stderr stays in RuntimeLogPath inside the workspace and is
// never copied into user-facing fields.
// Process exit codes and workspace paths never leave the grader.
type TestCaseResult struct {
	TestID         string  `json:"test_id"`
	Verdict        Verdict `json:"verdict"`
	TimeMs         int64   `json:"time_ms"`
	MemoryKB       int64   `json:"memory_kb"`
	OutputKB       int64   `json:"output_kb"`
	ExitCode       int     `json:"-"`
	RuntimeLogPath string  `json:"-"`
}

// SummaryStat captures aggregate statistics across test cases.
type SummaryStat struct {
	TotalTimeMs int64 `json:"total_time_ms"`
	MaxMemoryKB int64 `json:"max_memory_kb"`
	Passed      int   `json:"passed"`
	Total       int   `json:"total"`
}

// Timestamps captures submission lifecycle timestamps.
type Timestamps struct {
	ReceivedAt int64 `json:"received_at,omitempty"`
	StartedAt  int64 `json:"started_at,omitempty"`
	FinishedAt int64 `json:"finished_at,omitempty"`
}

// GradeReport is the unified response structure for one grading pass.
// It always carries exactly one TestCaseResult per test case, in the
// assignment's defined order.
type GradeReport struct {
	SubmissionID string
	Status       GradeStatus
	Toolchain    string
	Compile      *CompileResult
	Tests        []TestCaseResult
	Summary      SummaryStat
	Timestamps   Timestamps
}

// AllPassed reports whether every test case verdict is Passed.
func (r GradeReport) AllPassed() bool {
	if len(r.Tests) == 0 {
		return false
	}
	for _, tc := range r.Tests {
		if tc.Verdict != VerdictPassed {
			return false
		}
	}
	return true
}
