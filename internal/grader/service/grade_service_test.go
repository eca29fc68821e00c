package service_test

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/klauspost/compress/zstd"

	"autograder/internal/common/cache"
	"autograder/internal/common/db"
	"autograder/internal/common/mq"
	"autograder/internal/common/storage"
	"autograder/internal/grader/model"
	"autograder/internal/grader/repository"
	"autograder/internal/grader/sandbox"
	"autograder/internal/grader/sandbox/profile"
	"autograder/internal/grader/sandbox/result"
	"autograder/internal/grader/sandbox/runner"
	"autograder/internal/grader/sandbox/spec"
	"autograder/internal/grader/service"
	"autograder/internal/grader/suite"
	pkgerrors "autograder/pkg/errors"
)

type stubRunner struct{}

func (stubRunner) Compile(ctx context.Context, req runner.CompileRequest) (result.CompileResult, error) {
	return result.CompileResult{OK: true}, nil
}

func (stubRunner) Run(ctx context.Context, req runner.RunRequest) (result.TestCaseResult, error) {
	return result.TestCaseResult{TestID: req.TestID, Verdict: result.VerdictPassed}, nil
}

type stubEngine struct{}

func (stubEngine) Run(ctx context.Context, runSpec spec.RunSpec) (result.RunResult, error) {
	return result.RunResult{}, nil
}

func (stubEngine) KillSubmission(ctx context.Context, submissionID string) error { return nil }

type stubToolchains struct{}

func (stubToolchains) GetToolchainSpec(ctx context.Context, id string) (profile.ToolchainSpec, error) {
	return profile.ToolchainSpec{ID: id, SourceFile: "main.cpp", BinaryFile: "a.out"}, nil
}

type stubProfiles struct{}

func (stubProfiles) GetTaskProfile(ctx context.Context, taskType profile.TaskType, toolchainID string) (profile.TaskProfile, error) {
	return profile.TaskProfile{ToolchainID: toolchainID, TaskType: taskType}, nil
}

type stubReports struct{}

func (stubReports) Upsert(ctx context.Context, tx db.Transaction, record *repository.GradeReportRecord) error {
	return nil
}

func (stubReports) GetBySubmissionID(ctx context.Context, tx db.Transaction, submissionID string) (*repository.GradeReportRecord, error) {
	return nil, repository.ErrReportNotFound
}

func (stubReports) ConfirmReview(ctx context.Context, tx db.Transaction, submissionID, reviewer string) error {
	return nil
}

type stubAssignments struct {
	meta model.AssignmentMeta
}

func (s stubAssignments) GetMeta(ctx context.Context, assignmentID int64) (*model.AssignmentMeta, error) {
	meta := s.meta
	return &meta, nil
}

type stubObjectStore struct {
	objects map[string][]byte
}

func (s *stubObjectStore) GetObject(ctx context.Context, bucket, objectKey string) (storage.ObjectReader, error) {
	data, ok := s.objects[bucket+"/"+objectKey]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.NotFound).WithMessage("object not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *stubObjectStore) PutObject(ctx context.Context, bucket, objectKey string, reader storage.ObjectReader, sizeBytes int64, contentType string) error {
	return nil
}

func (s *stubObjectStore) StatObject(ctx context.Context, bucket, objectKey string) (storage.ObjectStat, error) {
	return storage.ObjectStat{}, nil
}

func (s *stubObjectStore) RemoveObjects(ctx context.Context, bucket string, keys []string) error {
	return nil
}

type grantLock struct{}

func (grantLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (grantLock) Unlock(ctx context.Context, key string) error { return nil }

func (grantLock) ExtendLock(ctx context.Context, key string, ttl time.Duration) error { return nil }

func packSuite(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("create zstd writer: %v", err)
	}
	tw := tar.NewWriter(zw)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write tar header: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("write tar body: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zstd: %v", err)
	}
	return buf.Bytes()
}

func newStatusRepo(t *testing.T) *repository.StatusRepository {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCache(mr.Addr())
	if err != nil {
		t.Fatalf("create redis cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return repository.NewStatusRepository(c, time.Minute)
}

// A failed source download must not leave the submission workspace behind.
func TestHandleMessageCleansWorkspaceOnSourceFailure(t *testing.T) {
	workRoot := t.TempDir()
	archive := packSuite(t, map[string]string{
		"suite.json":   `{"assignmentId":7,"version":2,"compareMode":"exact","tests":[{"id":"t1","input":"tests/t1.in","expected":"tests/t1.out"}]}`,
		"tests/t1.in":  "1 2\n",
		"tests/t1.out": "3\n",
	})
	suiteHash := sha256.Sum256(archive)
	meta := model.AssignmentMeta{
		AssignmentID: 7,
		Version:      2,
		ManifestHash: "m1",
		SuiteKey:     "suites/7/2.tar.zst",
		SuiteHash:    hex.EncodeToString(suiteHash[:]),
		Gradable:     true,
	}
	// The suite archive exists but the submission source object does not,
	// so the pass fails right after the workspace has been created.
	store := &stubObjectStore{objects: map[string][]byte{"autograder/" + meta.SuiteKey: archive}}
	suiteCache := suite.NewSuiteCache(t.TempDir(), time.Minute, time.Second, 8, 0, "autograder", store, grantLock{})

	statusRepo := newStatusRepo(t)
	worker := sandbox.NewWorker(stubRunner{}, stubEngine{}, stubToolchains{}, stubProfiles{}, nil)
	svc, err := service.NewService(service.Config{
		Worker:         worker,
		StatusRepo:     statusRepo,
		ReportRepo:     stubReports{},
		AssignmentRepo: stubAssignments{meta: meta},
		SuiteCache:     suiteCache,
		Storage:        store,
		SourceBucket:   "autograder",
		WorkRoot:       workRoot,
		WorkerPoolSize: 1,
	})
	if err != nil {
		t.Fatalf("create service: %v", err)
	}

	payload, err := json.Marshal(model.GradeJobMessage{
		SubmissionID: "sub-1",
		AssignmentID: 7,
		ToolchainID:  "cpp",
		SourceKey:    "sources/sub-1.cpp",
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	err = svc.HandleMessage(context.Background(), &mq.Message{Body: payload})
	if err == nil {
		t.Fatalf("expected source download failure")
	}
	if code := pkgerrors.GetCode(err); code != pkgerrors.SourceDownloadFailed {
		t.Fatalf("expected SourceDownloadFailed, got %v", code)
	}

	if _, statErr := os.Stat(filepath.Join(workRoot, "sub-1")); !os.IsNotExist(statErr) {
		t.Fatalf("submission workspace must be removed after a failed pass")
	}

	status, err := statusRepo.Get(context.Background(), "sub-1")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status.Status != result.StatusFailed {
		t.Fatalf("expected status Failed, got %s", status.Status)
	}
}
