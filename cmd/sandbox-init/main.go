//go:build linux

// Command sandbox-init is the in-namespace bootstrap for graded runs.
// It is spawned by the sandbox engine with a JSON request on stdin,
// finishes workspace setup inside the child namespaces, applies rlimits
// and the seccomp filter, then execs the student command.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

// bootRequest mirrors the engine's wire format. Field names are part of
// the contract between the engine and this helper.
type bootRequest struct {
	RunSpec       processSpec   `json:"RunSpec"`
	Isolation     isolationSpec `json:"Isolation"`
	EnableSeccomp bool          `json:"EnableSeccomp"`
	EnableNs      bool          `json:"EnableNs"`
}

type processSpec struct {
	WorkDir    string      `json:"WorkDir"`
	Cmd        []string    `json:"Cmd"`
	Env        []string    `json:"Env"`
	StdinPath  string      `json:"StdinPath"`
	StdoutPath string      `json:"StdoutPath"`
	StderrPath string      `json:"StderrPath"`
	BindMounts []bindMount `json:"BindMounts"`
	Limits     rlimitSpec  `json:"Limits"`
}

type bindMount struct {
	Source   string `json:"Source"`
	Target   string `json:"Target"`
	ReadOnly bool   `json:"ReadOnly"`
}

type rlimitSpec struct {
	CPUTimeMs  int64 `json:"CPUTimeMs"`
	WallTimeMs int64 `json:"WallTimeMs"`
	MemoryMB   int64 `json:"MemoryMB"`
	StackMB    int64 `json:"StackMB"`
	OutputMB   int64 `json:"OutputMB"`
	PIDs       int64 `json:"PIDs"`
}

type isolationSpec struct {
	RootFS         string `json:"RootFS"`
	SeccompProfile string `json:"SeccompProfile"`
	DisableNetwork bool   `json:"DisableNetwork"`
}

func main() {
	if err := bootstrap(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func bootstrap() error {
	req, err := readRequest(os.Stdin)
	if err != nil {
		return err
	}

	if err := setupFilesystem(req); err != nil {
		return err
	}
	if err := os.Chdir(req.RunSpec.WorkDir); err != nil {
		return fmt.Errorf("chdir workdir: %w", err)
	}
	if err := setRlimits(req.RunSpec.Limits); err != nil {
		return err
	}
	if err := wireStdio(req.RunSpec); err != nil {
		return err
	}
	if req.EnableSeccomp && req.Isolation.SeccompProfile != "" {
		if err := loadSeccompFilter(req.Isolation.SeccompProfile); err != nil {
			return err
		}
	}
	return execCommand(req.RunSpec)
}

func readRequest(r io.Reader) (bootRequest, error) {
	var req bootRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return bootRequest{}, fmt.Errorf("decode request: %w", err)
	}
	if len(req.RunSpec.Cmd) == 0 {
		return bootRequest{}, fmt.Errorf("command is required")
	}
	if req.RunSpec.WorkDir == "" {
		return bootRequest{}, fmt.Errorf("work dir is required")
	}
	return req, nil
}

// setupFilesystem prepares the mount tree. Without a mount namespace no
// filesystem changes are allowed at all.
func setupFilesystem(req bootRequest) error {
	if !req.EnableNs {
		if req.Isolation.RootFS != "" || len(req.RunSpec.BindMounts) > 0 {
			return fmt.Errorf("namespaces disabled with rootfs or bind mounts")
		}
		return nil
	}

	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("make mount private: %w", err)
	}
	if err := mountAll(req.Isolation.RootFS, req.RunSpec.BindMounts); err != nil {
		return err
	}
	if req.Isolation.RootFS != "" {
		if err := unix.Chroot(req.Isolation.RootFS); err != nil {
			return fmt.Errorf("chroot: %w", err)
		}
		if err := os.Chdir("/"); err != nil {
			return fmt.Errorf("chdir root: %w", err)
		}
	}
	return nil
}

func mountAll(rootfs string, mounts []bindMount) error {
	for _, m := range mounts {
		if m.Source == "" || m.Target == "" {
			return fmt.Errorf("invalid mount spec")
		}
		target := m.Target
		if rootfs != "" {
			target = filepath.Join(rootfs, m.Target)
		}
		if err := prepareTarget(m.Source, target); err != nil {
			return err
		}
		if err := unix.Mount(m.Source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("bind mount: %w", err)
		}
		if m.ReadOnly {
			if err := unix.Mount("", target, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
				return fmt.Errorf("remount readonly: %w", err)
			}
		}
	}
	if rootfs != "" {
		procPath := filepath.Join(rootfs, "proc")
		if err := os.MkdirAll(procPath, 0755); err != nil {
			return fmt.Errorf("mkdir proc: %w", err)
		}
		if err := unix.Mount("proc", procPath, "proc", 0, ""); err != nil && !errors.Is(err, unix.EBUSY) {
			return fmt.Errorf("mount proc: %w", err)
		}
	}
	return nil
}

// prepareTarget creates the mount point matching the source type, since
// bind mounting a file needs an existing file and a dir needs a dir.
func prepareTarget(source, target string) error {
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("stat mount source: %w", err)
	}
	if info.IsDir() {
		if err := os.MkdirAll(target, 0755); err != nil {
			return fmt.Errorf("mkdir mount target: %w", err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("mkdir mount target dir: %w", err)
	}
	file, err := os.OpenFile(target, os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("create mount target file: %w", err)
	}
	return file.Close()
}

// setRlimits applies the per-process limits. CPU and memory are mainly
// enforced by cgroups in the parent; rlimits catch what cgroups miss,
// in particular output size and process count.
func setRlimits(limits rlimitSpec) error {
	set := func(resource int, value uint64, name string) error {
		if err := unix.Setrlimit(resource, &unix.Rlimit{Cur: value, Max: value}); err != nil {
			return fmt.Errorf("set rlimit %s: %w", name, err)
		}
		return nil
	}
	if limits.CPUTimeMs > 0 {
		seconds := uint64((limits.CPUTimeMs + 999) / 1000)
		if err := set(unix.RLIMIT_CPU, seconds, "cpu"); err != nil {
			return err
		}
	}
	if limits.OutputMB > 0 {
		if err := set(unix.RLIMIT_FSIZE, uint64(limits.OutputMB*1024*1024), "fsize"); err != nil {
			return err
		}
	}
	if limits.StackMB > 0 {
		if err := set(unix.RLIMIT_STACK, uint64(limits.StackMB*1024*1024), "stack"); err != nil {
			return err
		}
	}
	if limits.PIDs > 0 {
		if err := set(unix.RLIMIT_NPROC, uint64(limits.PIDs), "nproc"); err != nil {
			return err
		}
	}
	return nil
}

func wireStdio(spec processSpec) error {
	openOrNull := func(path string, flags int) (*os.File, error) {
		if path == "" {
			path = "/dev/null"
		}
		if flags == os.O_RDONLY {
			return os.Open(path)
		}
		return os.OpenFile(path, flags, 0644)
	}

	stdinFile, err := openOrNull(spec.StdinPath, os.O_RDONLY)
	if err != nil {
		return fmt.Errorf("open stdin: %w", err)
	}
	stdoutFile, err := openOrNull(spec.StdoutPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("open stdout: %w", err)
	}
	stderrFile, err := openOrNull(spec.StderrPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("open stderr: %w", err)
	}

	if err := unix.Dup2(int(stdinFile.Fd()), int(os.Stdin.Fd())); err != nil {
		return fmt.Errorf("dup stdin: %w", err)
	}
	if err := unix.Dup2(int(stdoutFile.Fd()), int(os.Stdout.Fd())); err != nil {
		return fmt.Errorf("dup stdout: %w", err)
	}
	if err := unix.Dup2(int(stderrFile.Fd()), int(os.Stderr.Fd())); err != nil {
		return fmt.Errorf("dup stderr: %w", err)
	}
	_ = stdinFile.Close()
	_ = stdoutFile.Close()
	_ = stderrFile.Close()
	return nil
}

func execCommand(spec processSpec) error {
	env := spec.Env
	if len(env) == 0 {
		env = []string{"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"}
	}
	// LookPath must see the sandbox PATH, not the grader's.
	os.Clearenv()
	for _, kv := range env {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		if err := os.Setenv(parts[0], parts[1]); err != nil {
			return fmt.Errorf("set env: %w", err)
		}
	}

	cmdPath, err := exec.LookPath(spec.Cmd[0])
	if err != nil {
		return fmt.Errorf("resolve command: %w", err)
	}
	return unix.Exec(cmdPath, spec.Cmd, env)
}

type seccompConfig struct {
	DefaultAction string           `json:"defaultAction"`
	Syscalls      []seccompSyscall `json:"syscalls"`
}

type seccompSyscall struct {
	Names  []string `json:"names"`
	Action string   `json:"action"`
}

// loadSeccompFilter installs the filter last so setup syscalls made by
// this helper are not subject to it.
func loadSeccompFilter(profilePath string) error {
	data, err := os.ReadFile(profilePath)
	if err != nil {
		return fmt.Errorf("read seccomp profile: %w", err)
	}
	var cfg seccompConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse seccomp profile: %w", err)
	}
	defaultAction, err := seccompAction(cfg.DefaultAction)
	if err != nil {
		return err
	}
	filter, err := seccomp.NewFilter(defaultAction)
	if err != nil {
		return fmt.Errorf("create seccomp filter: %w", err)
	}
	for _, rule := range cfg.Syscalls {
		action, err := seccompAction(rule.Action)
		if err != nil {
			return err
		}
		for _, name := range rule.Names {
			call, err := seccomp.GetSyscallFromName(name)
			if err != nil {
				// unknown syscall on this kernel, nothing to filter
				continue
			}
			if err := filter.AddRuleExact(call, action); err != nil {
				return fmt.Errorf("add seccomp rule: %w", err)
			}
		}
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no new privs: %w", err)
	}
	if err := filter.Load(); err != nil {
		return fmt.Errorf("load seccomp filter: %w", err)
	}
	return nil
}

func seccompAction(action string) (seccomp.ScmpAction, error) {
	switch strings.ToUpper(action) {
	case "SCMP_ACT_ALLOW":
		return seccomp.ActAllow, nil
	case "SCMP_ACT_KILL", "SCMP_ACT_KILL_PROCESS":
		return seccomp.ActKillProcess, nil
	default:
		return seccomp.ActKillProcess, fmt.Errorf("unsupported seccomp action: %s", action)
	}
}
