package sandbox

import (
	"context"

	"autograder/internal/grader/sandbox/result"
)

// StatusUpdate is a snapshot of grading progress for one submission.
type StatusUpdate struct {
	SubmissionID string
	Status       result.GradeStatus
	Toolchain    string
	TotalTests   int
	DoneTests    int
	ReceivedAt   int64
	FinishedAt   int64
}

// StatusReporter receives progress updates during grading. Implementations
// must be cheap; the worker calls them inline between test cases.
type StatusReporter interface {
	Report(ctx context.Context, update StatusUpdate)
}

// NoopStatusReporter discards all updates.
type NoopStatusReporter struct{}

func (NoopStatusReporter) Report(ctx context.Context, update StatusUpdate) {}
