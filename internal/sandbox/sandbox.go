package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ExitCodeTimeout is the exit code reported when a run exceeds its wall-clock limit.
const ExitCodeTimeout = 124

// timeoutMessage is the stderr text of a timed-out run.
const timeoutMessage = "Execution timed out"

var (
	// ErrValidation marks submissions rejected before any sandbox is created.
	ErrValidation = errors.New("invalid submission")
	// ErrSourceTooLarge is the validation failure for oversized source.
	ErrSourceTooLarge = fmt.Errorf("%w: source too large", ErrValidation)
	// ErrInfrastructure marks failures of the isolation boundary itself.
	ErrInfrastructure = errors.New("sandbox infrastructure failure")
	// ErrBackendUnavailable marks an unreachable execution backend.
	ErrBackendUnavailable = errors.New("execution backend unavailable")
	// ErrBusy is returned when no execution slot frees up in time.
	ErrBusy = errors.New("execution capacity exhausted")
)

// Submission is one request to run source code.
type Submission struct {
	Code     string `json:"code"`
	Language string `json:"language"`
	// User is audit metadata only. It never influences sandboxing.
	User string `json:"-"`
}

// Result is the normalized output of a sandboxed run.
type Result struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// TimedOut reports whether the run was stopped by the wall-clock limit.
func (r *Result) TimedOut() bool {
	return r.ExitCode == ExitCodeTimeout
}

func timeoutResult() *Result {
	return &Result{Stdout: "", Stderr: timeoutMessage, ExitCode: ExitCodeTimeout}
}

// Request is a resolved submission handed to an Executor.
type Request struct {
	Code    string
	Profile Profile
	Timeout time.Duration
}

// Executor runs one request inside an isolation boundary.
type Executor interface {
	Run(ctx context.Context, req Request) (*Result, error)
	Ping(ctx context.Context) error
}
