package sandbox_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"autograder/internal/grader/sandbox"
	"autograder/internal/grader/sandbox/profile"
	"autograder/internal/grader/sandbox/result"
	"autograder/internal/grader/sandbox/runner"
	"autograder/internal/grader/sandbox/spec"
	pkgerrors "autograder/pkg/errors"
)

type fakeRunner struct {
	compileRes  result.CompileResult
	compileErr  error
	compileReqs []runner.CompileRequest
	runResults  []result.TestCaseResult
	runErrs     []error
	runReqs     []runner.RunRequest
}

func (f *fakeRunner) Compile(ctx context.Context, req runner.CompileRequest) (result.CompileResult, error) {
	f.compileReqs = append(f.compileReqs, req)
	if f.compileErr == nil && f.compileRes.OK {
		// A real runner leaves the produced binary in the compile workspace.
		if err := os.MkdirAll(req.WorkDir, 0755); err != nil {
			return result.CompileResult{}, err
		}
		binPath := filepath.Join(req.WorkDir, req.Toolchain.BinaryFile)
		if err := os.WriteFile(binPath, []byte("#!/bin/true\n"), 0755); err != nil {
			return result.CompileResult{}, err
		}
	}
	return f.compileRes, f.compileErr
}

func (f *fakeRunner) Run(ctx context.Context, req runner.RunRequest) (result.TestCaseResult, error) {
	f.runReqs = append(f.runReqs, req)
	idx := len(f.runReqs) - 1
	if idx < len(f.runErrs) && f.runErrs[idx] != nil {
		return result.TestCaseResult{}, f.runErrs[idx]
	}
	if idx < len(f.runResults) {
		return f.runResults[idx], nil
	}
	return result.TestCaseResult{TestID: req.TestID, Verdict: result.VerdictPassed}, nil
}

type fakeEngine struct {
	killed []string
}

func (f *fakeEngine) Run(ctx context.Context, runSpec spec.RunSpec) (result.RunResult, error) {
	return result.RunResult{}, nil
}

func (f *fakeEngine) KillSubmission(ctx context.Context, submissionID string) error {
	f.killed = append(f.killed, submissionID)
	return nil
}

type fakeToolchainRepo struct {
	spec profile.ToolchainSpec
	err  error
}

func (f fakeToolchainRepo) GetToolchainSpec(ctx context.Context, id string) (profile.ToolchainSpec, error) {
	return f.spec, f.err
}

type fakeProfileRepo struct {
	profiles map[profile.TaskType]profile.TaskProfile
	err      error
}

func (f fakeProfileRepo) GetTaskProfile(ctx context.Context, taskType profile.TaskType, toolchainID string) (profile.TaskProfile, error) {
	if f.err != nil {
		return profile.TaskProfile{}, f.err
	}
	if prof, ok := f.profiles[taskType]; ok {
		return prof, nil
	}
	return profile.TaskProfile{}, pkgerrors.New(pkgerrors.NotFound)
}

type recordingReporter struct {
	updates []sandbox.StatusUpdate
}

func (r *recordingReporter) Report(ctx context.Context, update sandbox.StatusUpdate) {
	r.updates = append(r.updates, update)
}

func cppToolchain() profile.ToolchainSpec {
	return profile.ToolchainSpec{
		ID:             "cpp",
		SourceFile:     "main.cpp",
		BinaryFile:     "student-program",
		CompileEnabled: true,
	}
}

func bothProfiles() fakeProfileRepo {
	return fakeProfileRepo{
		profiles: map[profile.TaskType]profile.TaskProfile{
			profile.TaskTypeCompile: {TaskType: profile.TaskTypeCompile},
			profile.TaskTypeRun:     {TaskType: profile.TaskTypeRun},
		},
	}
}

func writeFixture(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func baseRequest(t *testing.T, workRoot string, testIDs ...string) sandbox.GradeRequest {
	t.Helper()
	sourcePath := writeFixture(t, workRoot, "main.cpp", "int main(){return 0;}")
	inputPath := writeFixture(t, workRoot, "input.txt", "1\n")
	expectedPath := writeFixture(t, workRoot, "expected.txt", "1\n")

	tests := make([]sandbox.TestCaseSpec, 0, len(testIDs))
	for _, id := range testIDs {
		tests = append(tests, sandbox.TestCaseSpec{
			TestID:       id,
			InputPath:    inputPath,
			ExpectedPath: expectedPath,
			Limits:       spec.ResourceLimit{CPUTimeMs: 100},
		})
	}
	return sandbox.GradeRequest{
		SubmissionID: "sub-1",
		ToolchainID:  "cpp",
		WorkRoot:     workRoot,
		SourcePath:   sourcePath,
		Tests:        tests,
	}
}

func TestGradeCompileFailureFillsAllVerdicts(t *testing.T) {
	workRoot := t.TempDir()
	r := &fakeRunner{compileRes: result.CompileResult{OK: false, ExitCode: 1, Diagnostics: "main.cpp:1: error"}}
	worker := sandbox.NewWorker(r, &fakeEngine{}, fakeToolchainRepo{spec: cppToolchain()}, bothProfiles(), nil)

	req := baseRequest(t, workRoot, "t1", "t2", "t3")
	report, err := worker.Grade(context.Background(), req)
	if err != nil {
		t.Fatalf("compile failure must not be an error, got %v", err)
	}
	if report.Status != result.StatusFinished {
		t.Fatalf("expected status Finished, got %s", report.Status)
	}
	if len(r.runReqs) != 0 {
		t.Fatalf("expected no test executions after compile failure, got %d", len(r.runReqs))
	}
	if len(report.Tests) != 3 {
		t.Fatalf("expected 3 verdicts, got %d", len(report.Tests))
	}
	for i, tc := range report.Tests {
		if tc.Verdict != result.VerdictCompileError {
			t.Fatalf("test %d: expected CompileError, got %s", i, tc.Verdict)
		}
	}
	if report.Summary.Passed != 0 || report.Summary.Total != 3 {
		t.Fatalf("unexpected summary %+v", report.Summary)
	}
	if report.Compile == nil || report.Compile.Diagnostics == "" {
		t.Fatalf("compile diagnostics must be surfaced")
	}
}

func TestGradeRunsEveryTestAfterFailure(t *testing.T) {
	workRoot := t.TempDir()
	r := &fakeRunner{
		compileRes: result.CompileResult{OK: true},
		runResults: []result.TestCaseResult{
			{TestID: "t1", Verdict: result.VerdictTimedOut},
			{TestID: "t2", Verdict: result.VerdictPassed},
			{TestID: "t3", Verdict: result.VerdictWrongOutput},
		},
	}
	worker := sandbox.NewWorker(r, &fakeEngine{}, fakeToolchainRepo{spec: cppToolchain()}, bothProfiles(), nil)

	req := baseRequest(t, workRoot, "t1", "t2", "t3")
	report, err := worker.Grade(context.Background(), req)
	if err != nil {
		t.Fatalf("grade failed: %v", err)
	}
	if len(r.runReqs) != 3 {
		t.Fatalf("every test case must run, got %d runs", len(r.runReqs))
	}
	want := []result.Verdict{result.VerdictTimedOut, result.VerdictPassed, result.VerdictWrongOutput}
	for i, tc := range report.Tests {
		if tc.TestID != req.Tests[i].TestID {
			t.Fatalf("verdict %d out of order: got %s", i, tc.TestID)
		}
		if tc.Verdict != want[i] {
			t.Fatalf("test %s: expected %s, got %s", tc.TestID, want[i], tc.Verdict)
		}
	}
	if report.Summary.Passed != 1 || report.Summary.Total != 3 {
		t.Fatalf("unexpected summary %+v", report.Summary)
	}
	if report.AllPassed() {
		t.Fatalf("report must not count as all passed")
	}
}

func TestGradeRunnerErrorAborts(t *testing.T) {
	workRoot := t.TempDir()
	r := &fakeRunner{
		compileRes: result.CompileResult{OK: true},
		runResults: []result.TestCaseResult{{TestID: "t1", Verdict: result.VerdictPassed}},
		runErrs:    []error{nil, pkgerrors.New(pkgerrors.SandboxStartFailed)},
	}
	worker := sandbox.NewWorker(r, &fakeEngine{}, fakeToolchainRepo{spec: cppToolchain()}, bothProfiles(), nil)

	req := baseRequest(t, workRoot, "t1", "t2", "t3")
	report, err := worker.Grade(context.Background(), req)
	if err == nil {
		t.Fatalf("expected sandbox failure to propagate")
	}
	if report.Status != result.StatusFailed {
		t.Fatalf("expected status Failed, got %s", report.Status)
	}
	if len(r.runReqs) != 2 {
		t.Fatalf("expected run to stop at the failing test, got %d runs", len(r.runReqs))
	}
}

func TestGradeDestroysWorkspace(t *testing.T) {
	workRoot := t.TempDir()
	r := &fakeRunner{compileRes: result.CompileResult{OK: true}}
	worker := sandbox.NewWorker(r, &fakeEngine{}, fakeToolchainRepo{spec: cppToolchain()}, bothProfiles(), nil)

	req := baseRequest(t, workRoot, "t1")
	if _, err := worker.Grade(context.Background(), req); err != nil {
		t.Fatalf("grade failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(workRoot, req.SubmissionID)); !os.IsNotExist(err) {
		t.Fatalf("submission workspace must be removed after grading")
	}
}

func TestGradeWorkspaceRemovedOnRunnerError(t *testing.T) {
	workRoot := t.TempDir()
	r := &fakeRunner{
		compileRes: result.CompileResult{OK: true},
		runErrs:    []error{pkgerrors.New(pkgerrors.SandboxStartFailed)},
	}
	worker := sandbox.NewWorker(r, &fakeEngine{}, fakeToolchainRepo{spec: cppToolchain()}, bothProfiles(), nil)

	req := baseRequest(t, workRoot, "t1")
	if _, err := worker.Grade(context.Background(), req); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := os.Stat(filepath.Join(workRoot, req.SubmissionID)); !os.IsNotExist(err) {
		t.Fatalf("submission workspace must be removed on the failure path too")
	}
}

func TestGradeWorkspaceRemovedOnToolchainError(t *testing.T) {
	workRoot := t.TempDir()
	repo := fakeToolchainRepo{err: pkgerrors.New(pkgerrors.ToolchainNotSupported)}
	worker := sandbox.NewWorker(&fakeRunner{}, &fakeEngine{}, repo, bothProfiles(), nil)

	req := baseRequest(t, workRoot, "t1")
	// The service downloads the source into the workspace before Grade runs.
	sourceDir := filepath.Join(workRoot, req.SubmissionID, "source")
	if err := os.MkdirAll(sourceDir, 0755); err != nil {
		t.Fatalf("mkdir source: %v", err)
	}
	writeFixture(t, sourceDir, "source.code", "int main(){return 0;}")

	report, err := worker.Grade(context.Background(), req)
	if err == nil {
		t.Fatalf("expected toolchain lookup failure")
	}
	if report.Status != result.StatusFailed {
		t.Fatalf("expected status Failed, got %s", report.Status)
	}
	if _, err := os.Stat(filepath.Join(workRoot, req.SubmissionID)); !os.IsNotExist(err) {
		t.Fatalf("submission workspace must be removed when toolchain lookup fails")
	}
}

func TestGradeFreshWorkspacePerTest(t *testing.T) {
	workRoot := t.TempDir()
	r := &fakeRunner{compileRes: result.CompileResult{OK: true}}
	worker := sandbox.NewWorker(r, &fakeEngine{}, fakeToolchainRepo{spec: cppToolchain()}, bothProfiles(), nil)

	req := baseRequest(t, workRoot, "t1", "t2")
	if _, err := worker.Grade(context.Background(), req); err != nil {
		t.Fatalf("grade failed: %v", err)
	}
	if len(r.runReqs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(r.runReqs))
	}
	if r.runReqs[0].WorkDir == r.runReqs[1].WorkDir {
		t.Fatalf("each test must use its own workspace, both got %s", r.runReqs[0].WorkDir)
	}
}

func TestGradeReportsProgress(t *testing.T) {
	workRoot := t.TempDir()
	reporter := &recordingReporter{}
	r := &fakeRunner{compileRes: result.CompileResult{OK: true}}
	worker := sandbox.NewWorker(r, &fakeEngine{}, fakeToolchainRepo{spec: cppToolchain()}, bothProfiles(), reporter)

	req := baseRequest(t, workRoot, "t1", "t2")
	if _, err := worker.Grade(context.Background(), req); err != nil {
		t.Fatalf("grade failed: %v", err)
	}
	if len(reporter.updates) == 0 {
		t.Fatalf("expected progress updates")
	}
	last := reporter.updates[len(reporter.updates)-1]
	if last.Status != result.StatusFinished {
		t.Fatalf("final update must be Finished, got %s", last.Status)
	}
	if last.DoneTests != 2 || last.TotalTests != 2 {
		t.Fatalf("final update must report all tests done, got %d/%d", last.DoneTests, last.TotalTests)
	}
}

func TestGradeInvalidRequest(t *testing.T) {
	worker := sandbox.NewWorker(&fakeRunner{}, &fakeEngine{}, fakeToolchainRepo{}, fakeProfileRepo{}, nil)
	report, err := worker.Grade(context.Background(), sandbox.GradeRequest{})
	if err == nil {
		t.Fatalf("expected error for invalid request")
	}
	if got := pkgerrors.GetCode(err); got != pkgerrors.ValidationFailed {
		t.Fatalf("expected ValidationFailed, got %v", got)
	}
	if report.Status != result.StatusFailed {
		t.Fatalf("expected status Failed, got %s", report.Status)
	}
}

func TestGradeDuplicateTestIDs(t *testing.T) {
	workRoot := t.TempDir()
	worker := sandbox.NewWorker(&fakeRunner{}, &fakeEngine{}, fakeToolchainRepo{spec: cppToolchain()}, bothProfiles(), nil)
	req := baseRequest(t, workRoot, "t1", "t1")
	if _, err := worker.Grade(context.Background(), req); err == nil {
		t.Fatalf("expected error for duplicate test ids")
	}
}

func TestKillDelegatesToEngine(t *testing.T) {
	eng := &fakeEngine{}
	worker := sandbox.NewWorker(&fakeRunner{}, eng, fakeToolchainRepo{}, fakeProfileRepo{}, nil)
	if err := worker.Kill(context.Background(), "sub-9"); err != nil {
		t.Fatalf("kill failed: %v", err)
	}
	if len(eng.killed) != 1 || eng.killed[0] != "sub-9" {
		t.Fatalf("expected kill for sub-9, got %v", eng.killed)
	}
}
