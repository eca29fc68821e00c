package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"autograder/internal/common/mq"
	"autograder/internal/common/storage"
	"autograder/internal/grader/model"
	"autograder/internal/grader/repository"
	"autograder/internal/grader/sandbox"
	"autograder/internal/grader/sandbox/compare"
	"autograder/internal/grader/sandbox/result"
	"autograder/internal/grader/sandbox/spec"
	"autograder/internal/grader/suite"
	appErr "autograder/pkg/errors"
	"autograder/pkg/utils/logger"
)

// Service consumes grading jobs and drives them through the sandbox.
type Service struct {
	worker         *sandbox.Worker
	statusRepo     *repository.StatusRepository
	reportRepo     repository.ReportRepository
	publisher      repository.StatusEventPublisher
	assignmentRepo repository.AssignmentRepository
	suiteCache     *suite.SuiteCache
	storage        storage.ObjectStorage
	sourceBucket   string
	workRoot       string
	workerTimeout  time.Duration
	storageTimeout time.Duration
	statusTimeout  time.Duration
	sem            chan struct{}

	queue         mq.MessageQueue
	retryTopic    string
	deadLetter    string
	poolRetryMax  int
	poolRetryBase time.Duration
	poolRetryMaxD time.Duration
}

// Config holds service dependencies and settings.
type Config struct {
	Worker         *sandbox.Worker
	StatusRepo     *repository.StatusRepository
	ReportRepo     repository.ReportRepository
	Publisher      repository.StatusEventPublisher
	AssignmentRepo repository.AssignmentRepository
	SuiteCache     *suite.SuiteCache
	Storage        storage.ObjectStorage
	SourceBucket   string
	WorkRoot       string
	WorkerTimeout  time.Duration
	StorageTimeout time.Duration
	StatusTimeout  time.Duration
	WorkerPoolSize int

	Queue             mq.MessageQueue
	RetryTopic        string
	DeadLetterTopic   string
	PoolRetryMax      int
	PoolRetryBase     time.Duration
	PoolRetryMaxDelay time.Duration
}

// NewService creates a new grading service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Worker == nil {
		return nil, fmt.Errorf("worker is required")
	}
	if cfg.StatusRepo == nil {
		return nil, fmt.Errorf("status repository is required")
	}
	if cfg.ReportRepo == nil {
		return nil, fmt.Errorf("report repository is required")
	}
	if cfg.AssignmentRepo == nil {
		return nil, fmt.Errorf("assignment repository is required")
	}
	if cfg.SuiteCache == nil {
		return nil, fmt.Errorf("suite cache is required")
	}
	if cfg.Storage == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.WorkRoot == "" {
		return nil, fmt.Errorf("work root is required")
	}
	poolSize := cfg.WorkerPoolSize
	if poolSize <= 0 {
		poolSize = 1
	}
	return &Service{
		worker:         cfg.Worker,
		statusRepo:     cfg.StatusRepo,
		reportRepo:     cfg.ReportRepo,
		publisher:      cfg.Publisher,
		assignmentRepo: cfg.AssignmentRepo,
		suiteCache:     cfg.SuiteCache,
		storage:        cfg.Storage,
		sourceBucket:   cfg.SourceBucket,
		workRoot:       cfg.WorkRoot,
		workerTimeout:  cfg.WorkerTimeout,
		storageTimeout: cfg.StorageTimeout,
		statusTimeout:  cfg.StatusTimeout,
		sem:            make(chan struct{}, poolSize),
		queue:          cfg.Queue,
		retryTopic:     cfg.RetryTopic,
		deadLetter:     cfg.DeadLetterTopic,
		poolRetryMax:   cfg.PoolRetryMax,
		poolRetryBase:  cfg.PoolRetryBase,
		poolRetryMaxD:  cfg.PoolRetryMaxDelay,
	}, nil
}

// HandleMessage processes a grading job message.
func (s *Service) HandleMessage(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		return appErr.New(appErr.InvalidParams).WithMessage("message is nil")
	}
	var payload model.GradeJobMessage
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		return appErr.Wrapf(err, appErr.SubmissionParseFailed, "decode message failed")
	}
	if payload.SubmissionID == "" || payload.AssignmentID <= 0 || payload.ToolchainID == "" || payload.SourceKey == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("message missing required fields")
	}

	now := time.Now().UnixMilli()
	queued := model.GradeStatusResponse{
		SubmissionID: payload.SubmissionID,
		Status:       result.StatusQueued,
		Toolchain:    payload.ToolchainID,
		Timestamps:   result.Timestamps{ReceivedAt: now},
	}
	if err := s.persistStatus(ctx, queued); err != nil {
		return err
	}

	if !s.tryAcquireSlot() {
		return s.requeueForPoolFull(ctx, msg)
	}
	defer s.releaseSlot()

	// The worker removes the submission workspace itself, but failures
	// before it runs (suite fetch, manifest, source download) would leave
	// the downloaded source behind. RemoveAll on an already-removed dir
	// is a no-op.
	submissionRoot := filepath.Join(s.workRoot, payload.SubmissionID)
	defer func() {
		if rmErr := os.RemoveAll(submissionRoot); rmErr != nil {
			logger.Warnf(ctx, "remove submission workspace %s: %v", submissionRoot, rmErr)
		}
	}()

	meta, err := s.assignmentRepo.GetMeta(ctx, payload.AssignmentID)
	if err != nil {
		if errors.Is(err, repository.ErrAssignmentNotFound) {
			err = appErr.New(appErr.AssignmentNotFound).WithMessage("assignment not found")
		}
		return s.handleFailure(ctx, payload, err)
	}
	if !meta.Gradable {
		return s.handleFailure(ctx, payload, appErr.New(appErr.AssignmentNotGradable).WithMessage("assignment is not gradable"))
	}

	suitePath, err := s.suiteCache.Get(ctx, *meta)
	if err != nil {
		return s.handleFailure(ctx, payload, err)
	}
	manifest, err := model.LoadSuiteManifest(filepath.Join(suitePath, "suite.json"))
	if err != nil {
		return s.handleFailure(ctx, payload, appErr.Wrapf(err, appErr.SuiteManifestInvalid, "load suite manifest failed"))
	}

	baseLimits, compileFlags := manifest.LimitsFor(payload.ToolchainID)
	compileFlags = append(compileFlags, payload.ExtraCompileFlags...)

	sourcePath, err := s.downloadSource(ctx, payload)
	if err != nil {
		return s.handleFailure(ctx, payload, err)
	}

	tests, err := buildTestCases(manifest, suitePath, baseLimits)
	if err != nil {
		return s.handleFailure(ctx, payload, err)
	}

	compiling := queued
	compiling.Status = result.StatusCompiling
	compiling.Progress = model.Progress{TotalTests: len(tests)}
	if err := s.persistStatus(ctx, compiling); err != nil {
		return err
	}

	gradeReq := sandbox.GradeRequest{
		SubmissionID:      payload.SubmissionID,
		ToolchainID:       payload.ToolchainID,
		WorkRoot:          s.workRoot,
		SourcePath:        sourcePath,
		Tests:             tests,
		ExtraCompileFlags: compileFlags,
		ReceivedAt:        now,
	}

	ctxWorker := ctx
	if s.workerTimeout > 0 {
		var cancel context.CancelFunc
		ctxWorker, cancel = context.WithTimeout(ctx, s.workerTimeout)
		defer cancel()
	}

	report, err := s.worker.Grade(ctxWorker, gradeReq)
	if err != nil {
		return s.handleFailure(ctx, payload, err)
	}
	return s.handleFinished(ctx, payload, report)
}

func (s *Service) downloadSource(ctx context.Context, payload model.GradeJobMessage) (string, error) {
	submissionDir := filepath.Join(s.workRoot, payload.SubmissionID, "source")
	if err := os.MkdirAll(submissionDir, 0755); err != nil {
		return "", appErr.Wrapf(err, appErr.GraderSystemError, "create source dir failed")
	}
	filePath := filepath.Join(submissionDir, "source.code")
	ctxStorage := ctx
	if s.storageTimeout > 0 {
		var cancel context.CancelFunc
		ctxStorage, cancel = context.WithTimeout(ctx, s.storageTimeout)
		defer cancel()
	}
	reader, err := s.storage.GetObject(ctxStorage, s.sourceBucket, payload.SourceKey)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.SourceDownloadFailed, "download source failed")
	}
	defer reader.Close()

	file, err := os.Create(filePath)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.GraderSystemError, "create source file failed")
	}
	defer file.Close()

	hasher := sha256.New()
	tee := io.TeeReader(reader, hasher)
	if _, err := io.Copy(file, tee); err != nil {
		return "", appErr.Wrapf(err, appErr.SourceDownloadFailed, "write source file failed")
	}
	if payload.SourceHash != "" {
		actual := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(actual, payload.SourceHash) {
			return "", appErr.New(appErr.SourceHashMismatch).WithMessage("source hash mismatch")
		}
	}
	return filePath, nil
}

func buildTestCases(manifest model.SuiteManifest, basePath string, baseLimits spec.ResourceLimit) ([]sandbox.TestCaseSpec, error) {
	defaultMode, err := compare.ParseMode(manifest.CompareMode)
	if err != nil {
		return nil, err
	}
	tests := make([]sandbox.TestCaseSpec, 0, len(manifest.Tests))
	for _, tc := range manifest.Tests {
		inputPath, err := safeJoin(basePath, tc.Input)
		if err != nil {
			return nil, err
		}
		expectedPath, err := safeJoin(basePath, tc.Expected)
		if err != nil {
			return nil, err
		}
		mode := defaultMode
		if tc.CompareMode != "" {
			mode, err = compare.ParseMode(tc.CompareMode)
			if err != nil {
				return nil, err
			}
		}
		tests = append(tests, sandbox.TestCaseSpec{
			TestID:       tc.ID,
			InputPath:    inputPath,
			ExpectedPath: expectedPath,
			CompareMode:  mode,
			Limits:       manifest.TestLimits(tc, baseLimits),
		})
	}
	return tests, nil
}

func safeJoin(basePath, relPath string) (string, error) {
	if relPath == "" {
		return "", appErr.ValidationError("path", "required")
	}
	clean := filepath.Clean(relPath)
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", appErr.New(appErr.SuiteManifestInvalid).WithMessage("invalid relative path")
	}
	full := filepath.Join(basePath, clean)
	if !strings.HasPrefix(full, filepath.Clean(basePath)+string(filepath.Separator)) {
		return "", appErr.New(appErr.SuiteManifestInvalid).WithMessage("path traversal detected")
	}
	return full, nil
}
