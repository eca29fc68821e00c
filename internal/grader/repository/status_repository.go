package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"autograder/internal/common/cache"
	"autograder/internal/grader/model"
	appErr "autograder/pkg/errors"
)

const statusKeyPrefix = "grader:status:"

// StatusRepository handles live status persistence.
type StatusRepository struct {
	cache cache.Cache
	TTL   time.Duration
}

// NewStatusRepository creates a new repository.
func NewStatusRepository(cacheClient cache.Cache, ttl time.Duration) *StatusRepository {
	return &StatusRepository{cache: cacheClient, TTL: ttl}
}

// Get returns status by submission id.
func (r *StatusRepository) Get(ctx context.Context, submissionID string) (model.GradeStatusResponse, error) {
	if submissionID == "" {
		return model.GradeStatusResponse{}, appErr.ValidationError("submission_id", "required")
	}
	if r.cache == nil {
		return model.GradeStatusResponse{}, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	val, err := r.cache.Get(ctx, statusKeyPrefix+submissionID)
	if err != nil || val == "" {
		return model.GradeStatusResponse{}, appErr.New(appErr.NotFound).WithMessage("submission status not found")
	}
	var resp model.GradeStatusResponse
	if err := json.Unmarshal([]byte(val), &resp); err != nil {
		return model.GradeStatusResponse{}, appErr.Wrapf(err, appErr.CacheError, "decode status failed")
	}
	return resp, nil
}

// Save persists status.
func (r *StatusRepository) Save(ctx context.Context, status model.GradeStatusResponse) error {
	if status.SubmissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	if r.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal status failed: %w", err)
	}
	if err := r.cache.Set(ctx, statusKeyPrefix+status.SubmissionID, string(data), r.TTL); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "store status failed")
	}
	return nil
}
