package sandbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultRemoteGrace is added to the run timeout to bound the remote round trip.
const DefaultRemoteGrace = 2 * time.Second

// RemoteConfig holds the connection settings for a remote sandbox worker.
type RemoteConfig struct {
	URL       string
	AuthToken string
	// Grace covers provisioning and transfer on top of the run timeout.
	Grace          time.Duration
	MaxSourceBytes int
}

// RunRequest is the wire body of POST /v1/run. Source and output are base64
// so results stay byte-identical to local runs.
type RunRequest struct {
	SourceCode string `json:"source_code"`
	Language   string `json:"language"`
	TimeoutMS  int64  `json:"timeout_ms"`
}

// RunResponse is the wire body returned by a remote sandbox worker.
type RunResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// EncodeRunResponse converts a Result to its wire form.
func EncodeRunResponse(r *Result) RunResponse {
	return RunResponse{
		Stdout:   base64.StdEncoding.EncodeToString([]byte(r.Stdout)),
		Stderr:   base64.StdEncoding.EncodeToString([]byte(r.Stderr)),
		ExitCode: r.ExitCode,
	}
}

// DecodeRunResponse converts the wire form back to a Result.
func DecodeRunResponse(w RunResponse) (*Result, error) {
	stdout, err := base64.StdEncoding.DecodeString(w.Stdout)
	if err != nil {
		return nil, fmt.Errorf("decoding stdout: %w", err)
	}
	stderr, err := base64.StdEncoding.DecodeString(w.Stderr)
	if err != nil {
		return nil, fmt.Errorf("decoding stderr: %w", err)
	}
	return &Result{Stdout: string(stdout), Stderr: string(stderr), ExitCode: w.ExitCode}, nil
}

// RemoteExecutor runs requests on a managed remote sandbox worker.
// Network policy inside the remote sandbox is the remote platform's.
type RemoteExecutor struct {
	url            string
	authToken      string
	grace          time.Duration
	maxSourceBytes int
	client         *http.Client
}

// NewRemoteExecutor constructs a RemoteExecutor from the given config.
func NewRemoteExecutor(cfg RemoteConfig) *RemoteExecutor {
	grace := cfg.Grace
	if grace <= 0 {
		grace = DefaultRemoteGrace
	}
	return &RemoteExecutor{
		url:            strings.TrimRight(cfg.URL, "/"),
		authToken:      cfg.AuthToken,
		grace:          grace,
		maxSourceBytes: cfg.MaxSourceBytes,
		// Deadlines are per request, derived from the run timeout.
		client: &http.Client{},
	}
}

func (e *RemoteExecutor) Run(ctx context.Context, req Request) (*Result, error) {
	if err := CheckSource(req.Code, e.maxSourceBytes); err != nil {
		return nil, err
	}

	body, err := json.Marshal(RunRequest{
		SourceCode: base64.StdEncoding.EncodeToString([]byte(req.Code)),
		Language:   req.Profile.Language.String(),
		TimeoutMS:  req.Timeout.Milliseconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ErrInfrastructure, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, req.Timeout+e.grace)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, e.url+"/v1/run", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrInfrastructure, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.authToken != "" {
		httpReq.Header.Set("X-Auth-Token", e.authToken)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		if deadlineHit(ctx, reqCtx) {
			return timeoutResult(), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, statusErr(resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var wire RunResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		if deadlineHit(ctx, reqCtx) {
			return timeoutResult(), nil
		}
		return nil, fmt.Errorf("%w: decode sandbox response: %v", ErrInfrastructure, err)
	}
	result, err := DecodeRunResponse(wire)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInfrastructure, err)
	}
	return result, nil
}

// deadlineHit reports whether our own run deadline expired while the caller
// is still waiting. That outcome is a timed-out run, not a transport failure.
func deadlineHit(parent, reqCtx context.Context) bool {
	return parent.Err() == nil && errors.Is(reqCtx.Err(), context.DeadlineExceeded)
}

func statusErr(code int, msg string) error {
	switch {
	case code == http.StatusServiceUnavailable || code == http.StatusBadGateway || code == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: sandbox returned HTTP %d: %s", ErrBackendUnavailable, code, msg)
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: sandbox worker at capacity", ErrBusy)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: sandbox rejected credentials (HTTP %d)", ErrInfrastructure, code)
	case code == http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %s", ErrSourceTooLarge, msg)
	case code < 500:
		return fmt.Errorf("%w: %s", ErrValidation, msg)
	default:
		return fmt.Errorf("%w: sandbox returned HTTP %d: %s", ErrInfrastructure, code, msg)
	}
}

// Ping checks that the remote worker answers its health endpoint.
func (e *RemoteExecutor) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.url+"/v1/health", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInfrastructure, err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health returned HTTP %d", ErrBackendUnavailable, resp.StatusCode)
	}
	return nil
}
