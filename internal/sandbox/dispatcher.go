package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// DefaultTimeout is the wall-clock limit for one run.
const DefaultTimeout = 5 * time.Second

// Mode selects the executor used by a process.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

// ParseMode maps a deployment setting to a Mode. "docker" and "modal" are
// accepted as aliases of local and remote.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "docker", "local":
		return ModeLocal, nil
	case "modal", "remote":
		return ModeRemote, nil
	default:
		return "", fmt.Errorf("unknown execution mode %q (want docker or remote)", s)
	}
}

// State is the terminal state of one submission.
type State string

const (
	StateCompleted  State = "completed"
	StateTimedOut   State = "timed_out"
	StateInfraError State = "infra_error"
	StateRejected   State = "rejected"
)

// Config selects and configures the executor behind a Dispatcher.
type Config struct {
	Mode           Mode
	Policy         Policy
	WorkspaceRoot  string
	Remote         RemoteConfig
	Timeout        time.Duration
	MaxSourceBytes int
	MaxConcurrent  int64
	QueueTimeout   time.Duration
}

// New builds the executor for cfg.Mode and wraps it in a Dispatcher.
// The mode is fixed for the lifetime of the returned Dispatcher.
func New(cfg Config, registry *Registry, log *zap.Logger) (*Dispatcher, error) {
	var exec Executor
	switch cfg.Mode {
	case ModeLocal:
		docker, err := NewDockerExecutor(cfg.Policy, log)
		if err != nil {
			return nil, err
		}
		m := &Materializer{Root: cfg.WorkspaceRoot, MaxSourceBytes: cfg.MaxSourceBytes}
		exec = NewLocalExecutor(m, docker)
	case ModeRemote:
		if cfg.Remote.URL == "" {
			return nil, fmt.Errorf("remote execution mode needs a sandbox URL")
		}
		remote := cfg.Remote
		remote.MaxSourceBytes = cfg.MaxSourceBytes
		exec = NewRemoteExecutor(remote)
	default:
		return nil, fmt.Errorf("unknown execution mode %q", cfg.Mode)
	}
	return NewDispatcher(cfg.Mode, exec, registry, cfg, log), nil
}

// Dispatcher is the single entry point for running submissions.
type Dispatcher struct {
	mode           Mode
	exec           Executor
	registry       *Registry
	timeout        time.Duration
	maxSourceBytes int
	sem            *semaphore.Weighted
	queueTimeout   time.Duration
	log            *zap.Logger
}

// NewDispatcher wraps an executor. MaxConcurrent <= 0 disables the bound.
func NewDispatcher(mode Mode, exec Executor, registry *Registry, cfg Config, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	d := &Dispatcher{
		mode:           mode,
		exec:           exec,
		registry:       registry,
		timeout:        timeout,
		maxSourceBytes: cfg.MaxSourceBytes,
		queueTimeout:   cfg.QueueTimeout,
		log:            log.Named("sandbox"),
	}
	if cfg.MaxConcurrent > 0 {
		d.sem = semaphore.NewWeighted(cfg.MaxConcurrent)
	}
	return d
}

// Mode returns the configured execution mode.
func (d *Dispatcher) Mode() Mode { return d.mode }

// Registry returns the profile registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Run resolves, validates and executes a submission. Compile errors and
// timeouts are results; only platform problems are errors. Nothing is retried.
func (d *Dispatcher) Run(ctx context.Context, sub Submission) (*Result, error) {
	start := time.Now()
	profile := d.registry.Resolve(sub.Language)

	if err := CheckSource(sub.Code, d.maxSourceBytes); err != nil {
		d.logRun(sub, profile, StateRejected, nil, err, start)
		return nil, err
	}
	if err := d.acquire(ctx); err != nil {
		d.logRun(sub, profile, StateRejected, nil, err, start)
		return nil, err
	}
	defer d.release()

	res, err := d.exec.Run(ctx, Request{Code: sub.Code, Profile: profile, Timeout: d.timeout})
	switch {
	case err != nil && errors.Is(err, ErrValidation):
		d.logRun(sub, profile, StateRejected, nil, err, start)
	case err != nil:
		d.logRun(sub, profile, StateInfraError, nil, err, start)
	case res.TimedOut():
		d.logRun(sub, profile, StateTimedOut, res, nil, start)
	default:
		d.logRun(sub, profile, StateCompleted, res, nil, start)
	}
	return res, err
}

func (d *Dispatcher) acquire(ctx context.Context) error {
	if d.sem == nil {
		return nil
	}
	if d.queueTimeout <= 0 {
		if !d.sem.TryAcquire(1) {
			return ErrBusy
		}
		return nil
	}
	qctx, cancel := context.WithTimeout(ctx, d.queueTimeout)
	defer cancel()
	if err := d.sem.Acquire(qctx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrBusy
	}
	return nil
}

func (d *Dispatcher) release() {
	if d.sem != nil {
		d.sem.Release(1)
	}
}

// Ping checks the configured backend.
func (d *Dispatcher) Ping(ctx context.Context) error {
	return d.exec.Ping(ctx)
}

func (d *Dispatcher) logRun(sub Submission, p Profile, state State, res *Result, err error, start time.Time) {
	fields := []zap.Field{
		zap.String("language", p.Language.String()),
		zap.String("mode", string(d.mode)),
		zap.String("state", string(state)),
		zap.Duration("duration", time.Since(start)),
		zap.Int("source_bytes", len(sub.Code)),
	}
	if sub.User != "" {
		fields = append(fields, zap.String("user", sub.User))
	}
	if res != nil {
		fields = append(fields, zap.Int("exit_code", res.ExitCode))
	}
	switch state {
	case StateInfraError:
		d.log.Error("execution failed", append(fields, zap.Error(err))...)
	case StateRejected:
		d.log.Warn("execution rejected", append(fields, zap.Error(err))...)
	default:
		d.log.Info("execution finished", fields...)
	}
}
