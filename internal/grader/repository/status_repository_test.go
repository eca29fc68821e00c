package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"autograder/internal/common/cache"
	"autograder/internal/grader/model"
	"autograder/internal/grader/repository"
	"autograder/internal/grader/sandbox/result"
	pkgerrors "autograder/pkg/errors"
)

func newTestCache(t *testing.T) *cache.RedisCache {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCache(mr.Addr())
	if err != nil {
		t.Fatalf("create redis cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestStatusRepositoryRoundTrip(t *testing.T) {
	repo := repository.NewStatusRepository(newTestCache(t), time.Minute)
	ctx := context.Background()

	status := model.GradeStatusResponse{
		SubmissionID: "sub-1",
		Status:       result.StatusRunning,
		Toolchain:    "cpp",
		Progress:     model.Progress{TotalTests: 4, DoneTests: 2},
	}
	if err := repo.Save(ctx, status); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := repo.Get(ctx, "sub-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.SubmissionID != "sub-1" || got.Status != result.StatusRunning {
		t.Fatalf("unexpected status %+v", got)
	}
	if got.Progress.DoneTests != 2 || got.Progress.TotalTests != 4 {
		t.Fatalf("unexpected progress %+v", got.Progress)
	}
}

func TestStatusRepositoryOverwrite(t *testing.T) {
	repo := repository.NewStatusRepository(newTestCache(t), time.Minute)
	ctx := context.Background()

	first := model.GradeStatusResponse{SubmissionID: "sub-1", Status: result.StatusQueued}
	if err := repo.Save(ctx, first); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	second := model.GradeStatusResponse{
		SubmissionID: "sub-1",
		Status:       result.StatusFinished,
		Verdict:      result.VerdictPassed,
		Review:       model.ReviewUnconfirmed,
	}
	if err := repo.Save(ctx, second); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := repo.Get(ctx, "sub-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != result.StatusFinished {
		t.Fatalf("expected finished, got %s", got.Status)
	}
	if got.Verdict != result.VerdictPassed {
		t.Fatalf("expected Passed, got %s", got.Verdict)
	}
	if got.Review != model.ReviewUnconfirmed {
		t.Fatalf("expected unconfirmed review, got %q", got.Review)
	}
}

func TestStatusRepositoryMissing(t *testing.T) {
	repo := repository.NewStatusRepository(newTestCache(t), time.Minute)

	_, err := repo.Get(context.Background(), "missing")
	if err == nil {
		t.Fatalf("expected error for missing status")
	}
	if code := pkgerrors.GetCode(err); code != pkgerrors.NotFound {
		t.Fatalf("expected NotFound, got %v", code)
	}
}

func TestStatusRepositoryValidatesSubmissionID(t *testing.T) {
	repo := repository.NewStatusRepository(newTestCache(t), time.Minute)
	ctx := context.Background()

	if err := repo.Save(ctx, model.GradeStatusResponse{}); err == nil {
		t.Fatalf("expected error for empty submission id")
	}
	if _, err := repo.Get(ctx, ""); err == nil {
		t.Fatalf("expected error for empty submission id")
	}
}
