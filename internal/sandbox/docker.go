package sandbox

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

const (
	containerWorkdir = "/app"
	teardownTimeout  = 10 * time.Second
	sandboxLabel     = "codelab.sandbox"
)

// containerAPI is the subset of the Docker Engine client the executor uses.
type containerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Ping(ctx context.Context) (types.Ping, error)
}

// DockerExecutor runs workspaces in disposable local containers.
type DockerExecutor struct {
	api    containerAPI
	policy Policy
	log    *zap.Logger
}

// NewDockerExecutor connects to the Docker daemon configured in the environment.
func NewDockerExecutor(policy Policy, log *zap.Logger) (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: creating docker client: %v", ErrInfrastructure, err)
	}
	return newDockerExecutor(cli, policy, log), nil
}

func newDockerExecutor(api containerAPI, policy Policy, log *zap.Logger) *DockerExecutor {
	if log == nil {
		log = zap.NewNop()
	}
	return &DockerExecutor{api: api, policy: policy, log: log}
}

// Execute runs the profile command in a fresh container with ws mounted as its
// working directory. The container is removed before Execute returns.
func (d *DockerExecutor) Execute(ctx context.Context, ws *Workspace, p Profile, timeout time.Duration) (*Result, error) {
	image := d.policy.ImageFor(p)
	if !d.policy.IsImageAllowed(image) {
		return nil, fmt.Errorf("%w: image %q not in allowlist", ErrValidation, image)
	}

	cfg := &container.Config{
		Image:           image,
		Cmd:             p.Command(),
		WorkingDir:      containerWorkdir,
		User:            d.policy.containerUser(),
		Env:             p.Env,
		NetworkDisabled: !d.policy.Network,
		Labels:          map[string]string{sandboxLabel: p.Language.String()},
	}
	hostCfg := &container.HostConfig{
		Binds:       []string{ws.Dir + ":" + containerWorkdir},
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory:   d.policy.Memory,
			NanoCPUs: d.policy.NanoCPUs,
		},
	}
	if !d.policy.Network {
		hostCfg.NetworkMode = "none"
	}
	if d.policy.Memory > 0 {
		hostCfg.Resources.MemorySwap = d.policy.Memory
	}
	if d.policy.PidsLimit > 0 {
		pids := d.policy.PidsLimit
		hostCfg.Resources.PidsLimit = &pids
	}

	created, err := d.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, d.boundaryErr("creating container", err)
	}
	defer d.remove(created.ID)

	if err := d.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, d.boundaryErr("starting container", err)
	}

	waitCtx, cancelWait := context.WithCancel(ctx)
	defer cancelWait()
	waitCh, errCh := d.api.ContainerWait(waitCtx, created.ID, container.WaitConditionNotRunning)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-waitCh:
		if resp.Error != nil {
			return nil, fmt.Errorf("%w: waiting for container: %s", ErrInfrastructure, resp.Error.Message)
		}
		stdout, stderr, err := d.collectLogs(ctx, created.ID)
		if err != nil {
			return nil, err
		}
		return &Result{Stdout: stdout, Stderr: stderr, ExitCode: int(resp.StatusCode)}, nil
	case err := <-errCh:
		if ctx.Err() != nil {
			d.kill(created.ID)
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: waiting for container: %v", ErrInfrastructure, err)
	case <-timer.C:
		d.kill(created.ID)
		return timeoutResult(), nil
	case <-ctx.Done():
		d.kill(created.ID)
		return nil, ctx.Err()
	}
}

func (d *DockerExecutor) collectLogs(ctx context.Context, id string) (string, string, error) {
	rc, err := d.api.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", fmt.Errorf("%w: reading container logs: %v", ErrInfrastructure, err)
	}
	defer rc.Close()

	limit := d.policy.outputLimit()
	stdout, stderr := newLimitedBuffer(limit), newLimitedBuffer(limit)
	if _, err := stdcopy.StdCopy(stdout, stderr, rc); err != nil {
		return "", "", fmt.Errorf("%w: demultiplexing container logs: %v", ErrInfrastructure, err)
	}
	return stdout.String(), stderr.String(), nil
}

// kill and remove use their own context so teardown survives a cancelled request.
func (d *DockerExecutor) kill(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := d.api.ContainerKill(ctx, id, "SIGKILL"); err != nil {
		d.log.Debug("kill container", zap.String("container", id), zap.Error(err))
	}
}

func (d *DockerExecutor) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := d.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		d.log.Warn("remove container", zap.String("container", id), zap.Error(err))
	}
}

func (d *DockerExecutor) boundaryErr(action string, err error) error {
	if client.IsErrConnectionFailed(err) {
		return fmt.Errorf("%w: %s: %v", ErrBackendUnavailable, action, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrInfrastructure, action, err)
}

// Ping checks that the Docker daemon answers.
func (d *DockerExecutor) Ping(ctx context.Context) error {
	if _, err := d.api.Ping(ctx); err != nil {
		return fmt.Errorf("%w: docker: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// LocalExecutor materializes each request and runs it with a DockerExecutor.
type LocalExecutor struct {
	materializer *Materializer
	docker       *DockerExecutor
}

// NewLocalExecutor pairs a materializer with a Docker executor.
func NewLocalExecutor(m *Materializer, d *DockerExecutor) *LocalExecutor {
	return &LocalExecutor{materializer: m, docker: d}
}

func (l *LocalExecutor) Run(ctx context.Context, req Request) (*Result, error) {
	ws, err := l.materializer.Materialize(req.Code, req.Profile)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := ws.Close(); err != nil {
			l.docker.log.Warn("remove workspace", zap.String("dir", ws.Dir), zap.Error(err))
		}
	}()
	return l.docker.Execute(ctx, ws, req.Profile, req.Timeout)
}

func (l *LocalExecutor) Ping(ctx context.Context) error {
	return l.docker.Ping(ctx)
}
