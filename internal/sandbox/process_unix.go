//go:build unix

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ProcessExecutor runs requests as child processes of the current host. It is
// the runner inside a remote sandbox worker, where the host itself is the
// isolation boundary.
type ProcessExecutor struct {
	materializer   *Materializer
	maxOutputBytes int
	log            *zap.Logger
}

// NewProcessExecutor creates a process executor.
func NewProcessExecutor(m *Materializer, maxOutputBytes int, log *zap.Logger) *ProcessExecutor {
	if log == nil {
		log = zap.NewNop()
	}
	if maxOutputBytes <= 0 {
		maxOutputBytes = defaultMaxOutputBytes
	}
	return &ProcessExecutor{materializer: m, maxOutputBytes: maxOutputBytes, log: log}
}

func (e *ProcessExecutor) Run(ctx context.Context, req Request) (*Result, error) {
	ws, err := e.materializer.Materialize(req.Code, req.Profile)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := ws.Close(); err != nil {
			e.log.Warn("remove workspace", zap.String("dir", ws.Dir), zap.Error(err))
		}
	}()
	return e.execute(ctx, ws, req.Profile, req.Timeout)
}

func (e *ProcessExecutor) execute(ctx context.Context, ws *Workspace, p Profile, timeout time.Duration) (*Result, error) {
	argv := p.Command()
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = ws.Dir
	cmd.Env = append(baseEnv(ws.Dir), p.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Bounds Wait when an escaped descendant still holds the output pipes.
	cmd.WaitDelay = time.Second

	stdout, stderr := newLimitedBuffer(e.maxOutputBytes), newLimitedBuffer(e.maxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting %s: %v", ErrInfrastructure, argv[0], err)
	}
	// Background children must not outlive the request, even after a clean exit.
	defer killGroup(cmd.Process.Pid)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		code, err := exitCode(err)
		if err != nil {
			return nil, fmt.Errorf("%w: waiting for %s: %v", ErrInfrastructure, argv[0], err)
		}
		return &Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: code}, nil
	case <-timer.C:
		killGroup(cmd.Process.Pid)
		<-done
		return timeoutResult(), nil
	case <-ctx.Done():
		killGroup(cmd.Process.Pid)
		<-done
		return nil, ctx.Err()
	}
}

// baseEnv is the whole environment a submission sees besides its profile's
// variables. Nothing from the worker's own environment leaks through but PATH.
func baseEnv(dir string) []string {
	path := os.Getenv("PATH")
	if path == "" {
		path = "/usr/local/bin:/usr/bin:/bin"
	}
	return []string{
		"PATH=" + path,
		"HOME=" + dir,
		"TMPDIR=" + dir,
		"LANG=C.UTF-8",
	}
}

// killGroup kills the child and everything it spawned.
func killGroup(pid int) {
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

func exitCode(err error) (int, error) {
	if err == nil || errors.Is(err, exec.ErrWaitDelay) {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal()), nil
		}
		return exitErr.ExitCode(), nil
	}
	return 0, err
}

// Ping always succeeds; the host is the boundary.
func (e *ProcessExecutor) Ping(ctx context.Context) error {
	return nil
}
