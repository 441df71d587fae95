//go:build !unix

package sandbox

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// ProcessExecutor needs process groups and is only available on unix hosts.
type ProcessExecutor struct{}

func NewProcessExecutor(m *Materializer, maxOutputBytes int, log *zap.Logger) *ProcessExecutor {
	return &ProcessExecutor{}
}

func (e *ProcessExecutor) Run(ctx context.Context, req Request) (*Result, error) {
	return nil, fmt.Errorf("%w: process executor requires a unix host", ErrInfrastructure)
}

func (e *ProcessExecutor) Ping(ctx context.Context) error {
	return fmt.Errorf("%w: process executor requires a unix host", ErrBackendUnavailable)
}
