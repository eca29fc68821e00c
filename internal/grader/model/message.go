package model

// GradeJobMessage represents the Kafka payload for grading jobs.
type GradeJobMessage struct {
	SubmissionID      string   `json:"submission_id"`
	AssignmentID      int64    `json:"assignment_id"`
	StudentID         string   `json:"student_id"`
	ToolchainID       string   `json:"toolchain_id"`
	SourceKey         string   `json:"source_key"`
	SourceHash        string   `json:"source_hash"`
	Priority          int      `json:"priority"`
	ExtraCompileFlags []string `json:"extra_compile_flags"`
}
