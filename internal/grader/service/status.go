package service

import (
	"context"
	"errors"
	"time"

	"autograder/internal/grader/model"
	"autograder/internal/grader/repository"
	"autograder/internal/grader/sandbox"
	"autograder/internal/grader/sandbox/result"
	appErr "autograder/pkg/errors"
	"autograder/pkg/utils/logger"

	"go.uber.org/zap"
)

// Reporter persists intermediate status updates from the sandbox worker.
type Reporter struct {
	repo    *repository.StatusRepository
	timeout time.Duration
}

// NewReporter creates a status reporter backed by the status repository.
func NewReporter(repo *repository.StatusRepository, timeout time.Duration) *Reporter {
	return &Reporter{repo: repo, timeout: timeout}
}

var _ sandbox.StatusReporter = (*Reporter)(nil)

// Report stores one progress snapshot. Failures are logged and swallowed so
// a cache hiccup never aborts a grading pass.
func (r *Reporter) Report(ctx context.Context, update sandbox.StatusUpdate) {
	if r == nil || r.repo == nil {
		return
	}
	status := model.GradeStatusResponse{
		SubmissionID: update.SubmissionID,
		Status:       update.Status,
		Toolchain:    update.Toolchain,
		Timestamps: result.Timestamps{
			ReceivedAt: update.ReceivedAt,
			FinishedAt: update.FinishedAt,
		},
		Progress: model.Progress{
			TotalTests: update.TotalTests,
			DoneTests:  update.DoneTests,
		},
	}
	ctxStatus := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctxStatus, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	if err := r.repo.Save(ctxStatus, status); err != nil {
		logger.Warn(ctx, "update intermediate status failed", zap.Error(err))
	}
}

func (s *Service) persistStatus(ctx context.Context, status model.GradeStatusResponse) error {
	ctxStatus := ctx
	if s.statusTimeout > 0 {
		var cancel context.CancelFunc
		ctxStatus, cancel = context.WithTimeout(ctx, s.statusTimeout)
		defer cancel()
	}
	return s.statusRepo.Save(ctxStatus, status)
}

// handleFinished persists a finished report and broadcasts the final status.
func (s *Service) handleFinished(ctx context.Context, payload model.GradeJobMessage, report result.GradeReport) error {
	finished := model.GradeStatusResponse{
		SubmissionID: payload.SubmissionID,
		Status:       report.Status,
		Verdict:      model.OverallVerdict(report),
		Review:       model.ReviewUnconfirmed,
		Toolchain:    report.Toolchain,
		Compile:      report.Compile,
		Tests:        report.Tests,
		Summary:      report.Summary,
		Timestamps:   report.Timestamps,
		Progress:     model.Progress{TotalTests: len(report.Tests), DoneTests: len(report.Tests)},
	}
	if err := s.persistStatus(ctx, finished); err != nil {
		return err
	}

	record := &repository.GradeReportRecord{
		SubmissionID: payload.SubmissionID,
		AssignmentID: payload.AssignmentID,
		StudentID:    payload.StudentID,
		ToolchainID:  payload.ToolchainID,
		Verdict:      finished.Verdict,
		Review:       model.ReviewUnconfirmed,
		Passed:       report.Summary.Passed,
		Total:        report.Summary.Total,
		TotalTimeMs:  report.Summary.TotalTimeMs,
		MaxMemoryKB:  report.Summary.MaxMemoryKB,
		Report:       finished,
	}
	if err := s.reportRepo.Upsert(ctx, nil, record); err != nil {
		return appErr.Wrapf(err, appErr.SubmissionReportFailed, "persist grade report failed")
	}

	if s.publisher != nil {
		if err := s.publisher.PublishFinalStatus(ctx, finished); err != nil {
			return appErr.Wrapf(err, appErr.SubmissionReportFailed, "publish final status failed")
		}
	}
	return nil
}

// handleFailure records an infrastructure failure. A nil return marks the
// message consumed; permanent faults must not be redelivered.
func (s *Service) handleFailure(ctx context.Context, payload model.GradeJobMessage, err error) error {
	code := appErr.GetCode(err)
	failed := model.GradeStatusResponse{
		SubmissionID: payload.SubmissionID,
		Status:       result.StatusFailed,
		Toolchain:    payload.ToolchainID,
		ErrorCode:    int(code),
		ErrorMessage: err.Error(),
		Timestamps: result.Timestamps{
			FinishedAt: time.Now().UnixMilli(),
		},
	}
	if saveErr := s.persistStatus(ctx, failed); saveErr != nil {
		logger.Warn(ctx, "update failure status failed", zap.Error(saveErr))
	}
	if isPermanentFailure(code) {
		logger.Warn(ctx, "grading failed permanently",
			zap.String("submission_id", payload.SubmissionID),
			zap.Int("error_code", int(code)),
			zap.Error(err))
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return err
}

func isPermanentFailure(code appErr.ErrorCode) bool {
	switch code {
	case appErr.InvalidParams,
		appErr.ValidationFailed,
		appErr.SubmissionParseFailed,
		appErr.AssignmentNotFound,
		appErr.AssignmentNotGradable,
		appErr.SuiteManifestInvalid,
		appErr.SourceHashMismatch,
		appErr.SourceTooLarge,
		appErr.ToolchainNotSupported:
		return true
	default:
		return false
	}
}
