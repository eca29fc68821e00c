package service

import (
	"context"
	"errors"

	"autograder/internal/grader/model"
	"autograder/internal/grader/repository"
	appErr "autograder/pkg/errors"
	"autograder/pkg/utils/logger"

	"go.uber.org/zap"
)

// GetStatus returns the live status for a submission, falling back to the
// persisted report once the cache entry has expired.
func (s *Service) GetStatus(ctx context.Context, submissionID string) (model.GradeStatusResponse, error) {
	if submissionID == "" {
		return model.GradeStatusResponse{}, appErr.ValidationError("submission_id", "required")
	}
	status, err := s.statusRepo.Get(ctx, submissionID)
	if err == nil {
		return status, nil
	}

	record, dbErr := s.reportRepo.GetBySubmissionID(ctx, nil, submissionID)
	if dbErr != nil {
		if errors.Is(dbErr, repository.ErrReportNotFound) {
			return model.GradeStatusResponse{}, appErr.New(appErr.SubmissionNotFound).WithMessage("submission not found")
		}
		return model.GradeStatusResponse{}, dbErr
	}
	resp := record.Report
	resp.Review = record.Review
	return resp, nil
}

// ConfirmReview marks a finished submission as reviewed by an instructor.
func (s *Service) ConfirmReview(ctx context.Context, submissionID, reviewer string) error {
	if submissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	if reviewer == "" {
		return appErr.ValidationError("reviewer", "required")
	}
	if err := s.reportRepo.ConfirmReview(ctx, nil, submissionID, reviewer); err != nil {
		if errors.Is(err, repository.ErrReportNotFound) {
			return appErr.New(appErr.SubmissionNotFound).WithMessage("submission not found")
		}
		return err
	}

	// Refresh the cached status so readers see the new review state.
	if status, err := s.statusRepo.Get(ctx, submissionID); err == nil {
		status.Review = model.ReviewConfirmed
		if saveErr := s.statusRepo.Save(ctx, status); saveErr != nil {
			logger.Warn(ctx, "refresh status review failed", zap.Error(saveErr))
		}
	}
	return nil
}

// Kill aborts an in-flight submission.
func (s *Service) Kill(ctx context.Context, submissionID string) error {
	if submissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	return s.worker.Kill(ctx, submissionID)
}
