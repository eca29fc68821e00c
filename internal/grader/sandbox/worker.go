package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"autograder/internal/grader/sandbox/config"
	"autograder/internal/grader/sandbox/engine"
	"autograder/internal/grader/sandbox/profile"
	"autograder/internal/grader/sandbox/result"
	"autograder/internal/grader/sandbox/runner"
	appErr "autograder/pkg/errors"
	"autograder/pkg/utils/logger"
)

// Worker drives one submission through compile and all test cases.
type Worker struct {
	runner     runner.Runner
	engine     engine.Engine
	toolchains config.ToolchainRepository
	profiles   config.TaskProfileRepository
	reporter   StatusReporter
}

// NewWorker assembles a Worker. A nil reporter disables progress updates.
func NewWorker(r runner.Runner, eng engine.Engine, toolchains config.ToolchainRepository, profiles config.TaskProfileRepository, reporter StatusReporter) *Worker {
	if reporter == nil {
		reporter = NoopStatusReporter{}
	}
	return &Worker{
		runner:     r,
		engine:     eng,
		toolchains: toolchains,
		profiles:   profiles,
		reporter:   reporter,
	}
}

var _ Service = (*Worker)(nil)

// Grade executes a full grading pass. The returned report carries exactly one
// verdict per test case in request order. A non-nil error means the pass did
// not produce trustworthy verdicts and the submission may be retried; verdict
// outcomes such as wrong output or a crashed program are not errors.
func (w *Worker) Grade(ctx context.Context, req GradeRequest) (result.GradeReport, error) {
	report := result.GradeReport{
		SubmissionID: req.SubmissionID,
		Status:       result.StatusCompiling,
		Toolchain:    req.ToolchainID,
		Timestamps: result.Timestamps{
			ReceivedAt: req.ReceivedAt,
			StartedAt:  time.Now().UnixMilli(),
		},
	}

	if err := validateGradeRequest(req); err != nil {
		report.Status = result.StatusFailed
		return report, err
	}

	// The workspace may already hold the downloaded source. Its removal is
	// registered before any step that can fail, so every return path out of
	// this function destroys it, toolchain lookup errors included.
	submissionRoot := filepath.Join(req.WorkRoot, req.SubmissionID)
	if err := os.MkdirAll(submissionRoot, 0o755); err != nil {
		report.Status = result.StatusFailed
		return report, appErr.Wrapf(err, appErr.WorkspaceSetupFailed, "create submission workspace failed")
	}
	defer func() {
		if rmErr := os.RemoveAll(submissionRoot); rmErr != nil {
			logger.Warnf(ctx, "remove workspace %s: %v", submissionRoot, rmErr)
		}
	}()

	tc, err := w.toolchains.GetToolchainSpec(ctx, req.ToolchainID)
	if err != nil {
		report.Status = result.StatusFailed
		return report, err
	}

	w.report(ctx, req, result.StatusCompiling, 0, 0)

	compileDir := filepath.Join(submissionRoot, "compile")
	compileRes, err := w.compile(ctx, req, tc, compileDir)
	if err != nil {
		report.Status = result.StatusFailed
		return report, err
	}
	report.Compile = &compileRes

	if !compileRes.OK {
		// Compile failure is a terminal verdict, not an infrastructure
		// fault. Every test case gets CompileError without an execution.
		report.Tests = make([]result.TestCaseResult, 0, len(req.Tests))
		for _, t := range req.Tests {
			report.Tests = append(report.Tests, result.TestCaseResult{
				TestID:  t.TestID,
				Verdict: result.VerdictCompileError,
			})
		}
		report.Summary = result.SummaryStat{Total: len(req.Tests)}
		report.Status = result.StatusFinished
		report.Timestamps.FinishedAt = time.Now().UnixMilli()
		w.report(ctx, req, result.StatusFinished, len(req.Tests), len(req.Tests))
		return report, nil
	}

	report.Status = result.StatusRunning
	runProfile, err := w.profiles.GetTaskProfile(ctx, profile.TaskTypeRun, req.ToolchainID)
	if err != nil {
		report.Status = result.StatusFailed
		return report, err
	}

	report.Tests = make([]result.TestCaseResult, 0, len(req.Tests))
	for i, t := range req.Tests {
		w.report(ctx, req, result.StatusRunning, len(req.Tests), i)

		testDir := filepath.Join(submissionRoot, t.TestID)
		if err := w.stageProgram(tc, compileDir, req.SourcePath, testDir); err != nil {
			report.Status = result.StatusFailed
			return report, err
		}

		// Each test case gets a fresh process in a fresh workspace so one
		// case cannot leak state into the next.
		tcRes, err := w.runner.Run(ctx, runner.RunRequest{
			SubmissionID: req.SubmissionID,
			TestID:       t.TestID,
			Toolchain:    tc,
			Profile:      runProfile,
			WorkDir:      testDir,
			InputPath:    t.InputPath,
			ExpectedPath: t.ExpectedPath,
			CompareMode:  t.CompareMode,
			Limits:       t.Limits,
		})
		if err != nil {
			report.Status = result.StatusFailed
			return report, err
		}

		report.Tests = append(report.Tests, tcRes)
		report.Summary.TotalTimeMs += tcRes.TimeMs
		if tcRes.MemoryKB > report.Summary.MaxMemoryKB {
			report.Summary.MaxMemoryKB = tcRes.MemoryKB
		}
		if tcRes.Verdict == result.VerdictPassed {
			report.Summary.Passed++
		}
	}
	report.Summary.Total = len(req.Tests)

	report.Status = result.StatusFinished
	report.Timestamps.FinishedAt = time.Now().UnixMilli()
	w.report(ctx, req, result.StatusFinished, len(req.Tests), len(req.Tests))
	return report, nil
}

// Kill aborts every process belonging to the submission.
func (w *Worker) Kill(ctx context.Context, submissionID string) error {
	return w.engine.KillSubmission(ctx, submissionID)
}

func (w *Worker) compile(ctx context.Context, req GradeRequest, tc profile.ToolchainSpec, compileDir string) (result.CompileResult, error) {
	compileProfile, err := w.profiles.GetTaskProfile(ctx, profile.TaskTypeCompile, req.ToolchainID)
	if err != nil {
		return result.CompileResult{}, err
	}
	return w.runner.Compile(ctx, runner.CompileRequest{
		SubmissionID:      req.SubmissionID,
		Toolchain:         tc,
		Profile:           compileProfile,
		WorkDir:           compileDir,
		SourcePath:        req.SourcePath,
		ExtraCompileFlags: req.ExtraCompileFlags,
	})
}

// stageProgram copies the runnable artifact into a per-test workspace. For
// compiled toolchains that is the produced binary, otherwise the source file.
func (w *Worker) stageProgram(tc profile.ToolchainSpec, compileDir, sourcePath, testDir string) error {
	if err := os.MkdirAll(testDir, 0o755); err != nil {
		return appErr.Wrapf(err, appErr.WorkspaceSetupFailed, "create test workspace failed")
	}
	if tc.CompileEnabled {
		src := filepath.Join(compileDir, tc.BinaryFile)
		dst := filepath.Join(testDir, tc.BinaryFile)
		return copyFile(src, dst, 0o755)
	}
	return copyFile(sourcePath, filepath.Join(testDir, tc.SourceFile), 0o644)
}

func (w *Worker) report(ctx context.Context, req GradeRequest, status result.GradeStatus, total, done int) {
	update := StatusUpdate{
		SubmissionID: req.SubmissionID,
		Status:       status,
		Toolchain:    req.ToolchainID,
		TotalTests:   total,
		DoneTests:    done,
		ReceivedAt:   req.ReceivedAt,
	}
	if status == result.StatusFinished || status == result.StatusFailed {
		update.FinishedAt = time.Now().UnixMilli()
	}
	w.reporter.Report(ctx, update)
}

func validateGradeRequest(req GradeRequest) error {
	if req.SubmissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	if req.ToolchainID == "" {
		return appErr.ValidationError("toolchain_id", "required")
	}
	if req.WorkRoot == "" {
		return appErr.ValidationError("work_root", "required")
	}
	if req.SourcePath == "" {
		return appErr.ValidationError("source_path", "required")
	}
	seen := make(map[string]struct{}, len(req.Tests))
	for _, t := range req.Tests {
		if t.TestID == "" {
			return appErr.ValidationError("test_id", "required")
		}
		if _, dup := seen[t.TestID]; dup {
			return appErr.ValidationError("test_id", fmt.Sprintf("duplicate test id %q", t.TestID))
		}
		seen[t.TestID] = struct{}{}
	}
	return nil
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return appErr.Wrapf(err, appErr.WorkspaceSetupFailed, "open program artifact failed")
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return appErr.Wrapf(err, appErr.WorkspaceSetupFailed, "create program artifact failed")
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return appErr.Wrapf(err, appErr.WorkspaceSetupFailed, "copy program artifact failed")
	}
	return out.Sync()
}
