package runner

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/shlex"

	"autograder/internal/grader/sandbox/compare"
	"autograder/internal/grader/sandbox/engine"
	"autograder/internal/grader/sandbox/observer"
	"autograder/internal/grader/sandbox/profile"
	"autograder/internal/grader/sandbox/result"
	"autograder/internal/grader/sandbox/spec"
	appErr "autograder/pkg/errors"
)

const (
	containerWorkDir  = "/work"
	defaultInputName  = "input.txt"
	defaultOutputName = "output.txt"
	compileLogName    = "compile.log"
	runtimeLogName    = "runtime.log"
)

// DefaultRunner implements compile/run workflows for supported toolchains.
type DefaultRunner struct {
	eng     engine.Engine
	metrics observer.MetricsRecorder
}

// NewRunner creates a new runner backed by the sandbox engine.
func NewRunner(eng engine.Engine) *DefaultRunner {
	return NewRunnerWithObserver(eng, observer.NoopMetricsRecorder{})
}

// NewRunnerWithObserver creates a new runner with metrics hooks.
func NewRunnerWithObserver(eng engine.Engine, metrics observer.MetricsRecorder) *DefaultRunner {
	if metrics == nil {
		metrics = observer.NoopMetricsRecorder{}
	}
	return &DefaultRunner{eng: eng, metrics: metrics}
}

func (r *DefaultRunner) Compile(ctx context.Context, req CompileRequest) (result.CompileResult, error) {
	if err := validateCompileRequest(req); err != nil {
		return result.CompileResult{}, err
	}
	if !req.Toolchain.CompileEnabled {
		return result.CompileResult{OK: true}, nil
	}
	if err := prepareWorkDir(req.WorkDir); err != nil {
		return result.CompileResult{}, err
	}
	if err := writeSourceFile(req.WorkDir, req.SourcePath, req.Toolchain.SourceFile); err != nil {
		return result.CompileResult{}, err
	}

	limits := applyLimits(req.Limits, req.Profile.DefaultLimits, req.Toolchain)
	cmd, err := buildCommand(req.Toolchain.CompileCmdTpl, req.Toolchain, req.ExtraCompileFlags)
	if err != nil {
		return result.CompileResult{}, err
	}

	runSpec := spec.RunSpec{
		SubmissionID: req.SubmissionID,
		TestID:       "compile",
		WorkDir:      containerWorkDir,
		Cmd:          cmd,
		Env:          req.Toolchain.Env,
		StdoutPath:   "",
		StderrPath:   filepath.Join(containerWorkDir, compileLogName),
		Profile:      profileName(req.Toolchain.ID, req.Profile.TaskType),
		Limits:       limits,
		BindMounts: []spec.MountSpec{{
			Source:   req.WorkDir,
			Target:   containerWorkDir,
			ReadOnly: false,
		}},
	}

	runRes, err := r.eng.Run(ctx, runSpec)
	logPath := filepath.Join(req.WorkDir, compileLogName)
	compileRes := result.CompileResult{
		OK:       runRes.ExitCode == 0 && !runRes.TimedOut && err == nil,
		ExitCode: runRes.ExitCode,
		TimeMs:   runRes.TimeMs,
		MemoryKB: runRes.MemoryKB,
		LogPath:  logPath,
	}
	r.metrics.ObserveCompile(ctx, req.Toolchain.ID, compileRes.OK, compileRes.TimeMs, compileRes.MemoryKB)
	if err != nil {
		compileRes.Error = err.Error()
		return compileRes, err
	}
	if runRes.TimedOut {
		compileRes.Diagnostics = "compilation timed out"
		return compileRes, nil
	}
	if runRes.ExitCode != 0 {
		compileRes.Diagnostics = runRes.Stderr
	}
	return compileRes, nil
}

func (r *DefaultRunner) Run(ctx context.Context, req RunRequest) (result.TestCaseResult, error) {
	if err := validateRunRequest(req); err != nil {
		return result.TestCaseResult{}, err
	}
	if err := prepareWorkDir(req.WorkDir); err != nil {
		return result.TestCaseResult{}, err
	}

	limits := applyLimits(req.Limits, req.Profile.DefaultLimits, req.Toolchain)
	runSpec, runtimeLogPath := buildRunSpec(req, limits)

	cmd, err := buildCommand(req.Toolchain.RunCmdTpl, req.Toolchain, nil)
	if err != nil {
		return result.TestCaseResult{}, err
	}
	runSpec.Cmd = cmd

	runRes, runErr := r.eng.Run(ctx, runSpec)
	if runErr != nil {
		return result.TestCaseResult{
			TestID:         req.TestID,
			RuntimeLogPath: runtimeLogPath,
		}, appErr.Wrapf(runErr, appErr.SandboxStartFailed, "sandbox run failed")
	}

	verdict, err := r.classify(req, runRes, limits)
	if err != nil {
		return result.TestCaseResult{
			TestID:         req.TestID,
			RuntimeLogPath: runtimeLogPath,
		}, err
	}

	res := result.TestCaseResult{
		TestID:         req.TestID,
		Verdict:        verdict,
		TimeMs:         runRes.TimeMs,
		MemoryKB:       runRes.MemoryKB,
		OutputKB:       runRes.OutputKB,
		ExitCode:       runRes.ExitCode,
		RuntimeLogPath: runtimeLogPath,
	}
	r.metrics.ObserveRun(ctx, req.Toolchain.ID, string(verdict), res.TimeMs, res.MemoryKB, res.OutputKB)
	return res, nil
}

// classify maps raw sandbox data to a verdict, invoking the output
// comparator only when the run itself completed cleanly. Timeouts are
// detected from the engine's timer flag and the measured CPU time, not
// from the exit code: a signal-killed crash also reports exit code -1.
func (r *DefaultRunner) classify(req RunRequest, runRes result.RunResult, limits spec.ResourceLimit) (result.Verdict, error) {
	if runRes.TimedOut {
		return result.VerdictTimedOut, nil
	}
	if limits.CPUTimeMs > 0 && runRes.TimeMs >= limits.CPUTimeMs {
		return result.VerdictTimedOut, nil
	}
	if runRes.OomKilled {
		return result.VerdictMemoryExceeded, nil
	}
	if limits.MemoryMB > 0 && runRes.MemoryKB > limits.MemoryMB*1024 {
		return result.VerdictMemoryExceeded, nil
	}
	if runRes.ExitCode != 0 {
		return result.VerdictRuntimeError, nil
	}

	expected, err := os.ReadFile(req.ExpectedPath)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.GraderSystemError, "read expected output failed")
	}
	actual, err := readActualOutput(req.WorkDir, limits)
	if err != nil {
		return "", err
	}
	if compare.Equal(expected, actual, req.CompareMode) {
		return result.VerdictPassed, nil
	}
	return result.VerdictWrongOutput, nil
}

// readActualOutput reads the program's stdout capture. The sandbox
// caps the file size, so a full read here is bounded.
func readActualOutput(workDir string, limits spec.ResourceLimit) ([]byte, error) {
	path := filepath.Join(workDir, defaultOutputName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, appErr.Wrapf(err, appErr.GraderSystemError, "read actual output failed")
	}
	if limits.OutputMB > 0 {
		maxBytes := limits.OutputMB * 1024 * 1024
		if int64(len(data)) > maxBytes {
			data = data[:maxBytes]
		}
	}
	return data, nil
}

func validateCompileRequest(req CompileRequest) error {
	if req.SubmissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	if req.WorkDir == "" {
		return appErr.ValidationError("work_dir", "required")
	}
	if req.SourcePath == "" {
		return appErr.ValidationError("source_path", "required")
	}
	if req.Toolchain.ID == "" {
		return appErr.ValidationError("toolchain_id", "required")
	}
	if req.Profile.TaskType == "" {
		return appErr.ValidationError("task_profile", "required")
	}
	return nil
}

func validateRunRequest(req RunRequest) error {
	if req.SubmissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	if req.TestID == "" {
		return appErr.ValidationError("test_id", "required")
	}
	if req.WorkDir == "" {
		return appErr.ValidationError("work_dir", "required")
	}
	if req.Toolchain.ID == "" {
		return appErr.ValidationError("toolchain_id", "required")
	}
	if req.Profile.TaskType == "" {
		return appErr.ValidationError("task_profile", "required")
	}
	if req.InputPath == "" {
		return appErr.ValidationError("input_path", "required")
	}
	if req.ExpectedPath == "" {
		return appErr.ValidationError("expected_path", "required")
	}
	switch req.CompareMode {
	case compare.ModeExact, compare.ModeNormalized:
	default:
		return appErr.Newf(appErr.InvalidParams, "unsupported compare mode: %s", req.CompareMode)
	}
	return nil
}

func buildRunSpec(req RunRequest, limits spec.ResourceLimit) (spec.RunSpec, string) {
	runSpec := spec.RunSpec{
		SubmissionID: req.SubmissionID,
		TestID:       req.TestID,
		WorkDir:      containerWorkDir,
		Env:          req.Toolchain.Env,
		StdinPath:    filepath.Join(containerWorkDir, defaultInputName),
		StdoutPath:   filepath.Join(containerWorkDir, defaultOutputName),
		StderrPath:   filepath.Join(containerWorkDir, runtimeLogName),
		Profile:      profileName(req.Toolchain.ID, req.Profile.TaskType),
		Limits:       limits,
		BindMounts: buildBindMounts(req.WorkDir, []spec.MountSpec{
			{Source: req.InputPath, Target: filepath.Join(containerWorkDir, defaultInputName), ReadOnly: true},
		}),
	}
	runtimeLogPath := filepath.Join(req.WorkDir, runtimeLogName)
	return runSpec, runtimeLogPath
}

func buildBindMounts(workDir string, extra []spec.MountSpec) []spec.MountSpec {
	mounts := []spec.MountSpec{{
		Source:   workDir,
		Target:   containerWorkDir,
		ReadOnly: false,
	}}
	for _, m := range extra {
		if m.Source == "" || m.Target == "" {
			continue
		}
		mounts = append(mounts, m)
	}
	return mounts
}

func buildCommand(tpl string, tc profile.ToolchainSpec, extraFlags []string) ([]string, error) {
	if strings.TrimSpace(tpl) == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command template is required")
	}
	expanded := tpl
	expanded = strings.ReplaceAll(expanded, "{src}", filepath.Join(containerWorkDir, tc.SourceFile))
	expanded = strings.ReplaceAll(expanded, "{bin}", filepath.Join(containerWorkDir, tc.BinaryFile))
	if strings.Contains(expanded, "{extraFlags}") {
		expanded = strings.ReplaceAll(expanded, "{extraFlags}", strings.Join(extraFlags, " "))
	}
	fields, err := shlex.Split(expanded)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "parse command template failed")
	}
	if len(fields) == 0 {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command is empty after expansion")
	}
	return fields, nil
}

func applyLimits(override, defaults spec.ResourceLimit, tc profile.ToolchainSpec) spec.ResourceLimit {
	merged := mergeLimits(defaults, override)
	return applyMultipliers(merged, tc)
}

func mergeLimits(base, override spec.ResourceLimit) spec.ResourceLimit {
	if override.CPUTimeMs > 0 {
		base.CPUTimeMs = override.CPUTimeMs
	}
	if override.WallTimeMs > 0 {
		base.WallTimeMs = override.WallTimeMs
	}
	if override.MemoryMB > 0 {
		base.MemoryMB = override.MemoryMB
	}
	if override.StackMB > 0 {
		base.StackMB = override.StackMB
	}
	if override.OutputMB > 0 {
		base.OutputMB = override.OutputMB
	}
	if override.PIDs > 0 {
		base.PIDs = override.PIDs
	}
	return base
}

func applyMultipliers(limits spec.ResourceLimit, tc profile.ToolchainSpec) spec.ResourceLimit {
	limits.CPUTimeMs = scaleLimit(limits.CPUTimeMs, tc.TimeMultiplier)
	limits.WallTimeMs = scaleLimit(limits.WallTimeMs, tc.TimeMultiplier)
	limits.MemoryMB = scaleLimit(limits.MemoryMB, tc.MemoryMultiplier)
	return limits
}

func scaleLimit(value int64, multiplier float64) int64 {
	if value <= 0 {
		return 0
	}
	if multiplier <= 0 {
		return value
	}
	return int64(math.Ceil(float64(value) * multiplier))
}

func profileName(toolchainID string, taskType profile.TaskType) string {
	if toolchainID == "" {
		return string(taskType)
	}
	return fmt.Sprintf("%s-%s", toolchainID, taskType)
}

func prepareWorkDir(workDir string) error {
	if workDir == "" {
		return appErr.ValidationError("work_dir", "required")
	}
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return appErr.Wrapf(err, appErr.WorkspaceSetupFailed, "create work dir failed")
	}
	return nil
}

func writeSourceFile(workDir, sourcePath, targetName string) error {
	if targetName == "" {
		return appErr.ValidationError("source_file_name", "required")
	}
	content, err := os.ReadFile(sourcePath)
	if err != nil {
		return appErr.Wrapf(err, appErr.WorkspaceSetupFailed, "read source failed")
	}
	targetPath := filepath.Join(workDir, targetName)
	if err := os.WriteFile(targetPath, content, 0644); err != nil {
		return appErr.Wrapf(err, appErr.WorkspaceSetupFailed, "write source failed")
	}
	return nil
}
