package sandbox

import (
	"bytes"
	"context"
	"errors"
	"io"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// fakeDocker implements containerAPI for testing.
type fakeDocker struct {
	mu sync.Mutex

	createErr error
	startErr  error
	block     bool // never exit on its own
	exitCode  int64
	stdout    string
	stderr    string

	config   *container.Config
	host     *container.HostConfig
	created  int
	started  int
	killed   []string
	removed  []string
	pingErr  error
	mountDir string
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, cfg *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.created++
	f.config, f.host = cfg, host
	if len(host.Binds) > 0 {
		f.mountDir = strings.Split(host.Binds[0], ":")[0]
	}
	return container.CreateResponse{ID: "c1"}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, id string, _ container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	return f.startErr
}

func (f *fakeDocker) ContainerWait(ctx context.Context, id string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	waitCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	if f.block {
		go func() {
			<-ctx.Done()
			errCh <- ctx.Err()
		}()
		return waitCh, errCh
	}
	waitCh <- container.WaitResponse{StatusCode: f.exitCode}
	return waitCh, errCh
}

func (f *fakeDocker) ContainerLogs(ctx context.Context, id string, _ container.LogsOptions) (io.ReadCloser, error) {
	var buf bytes.Buffer
	if f.stdout != "" {
		stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.stdout))
	}
	if f.stderr != "" {
		stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.stderr))
	}
	return io.NopCloser(&buf), nil
}

func (f *fakeDocker) ContainerKill(ctx context.Context, id, signal string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, id)
	return nil
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, id string, opts container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !opts.Force {
		return errors.New("remove without force")
	}
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeDocker) Ping(ctx context.Context) (types.Ping, error) {
	return types.Ping{}, f.pingErr
}

func testLocalExecutor(t *testing.T, fake *fakeDocker, policy Policy) (*LocalExecutor, string) {
	t.Helper()
	root := t.TempDir()
	d := newDockerExecutor(fake, policy, nil)
	return NewLocalExecutor(&Materializer{Root: root}, d), root
}

func TestDockerExecutorRunsInLockedDownContainer(t *testing.T) {
	fake := &fakeDocker{stdout: "hello\n", exitCode: 0}
	e, root := testLocalExecutor(t, fake, DefaultPolicy())

	res, err := e.Run(context.Background(), Request{
		Code:    `print("hello")`,
		Profile: pythonProfile(),
		Timeout: time.Second,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Stdout != "hello\n" || res.Stderr != "" || res.ExitCode != 0 {
		t.Errorf("result = %+v, want hello with exit 0", res)
	}

	if fake.host.NetworkMode != "none" || !fake.config.NetworkDisabled {
		t.Errorf("network not disabled: mode %q", fake.host.NetworkMode)
	}
	if u := fake.config.User; u == "" || u == "0" || strings.HasPrefix(u, "0:") || u == "root" {
		t.Errorf("container user = %q, want a non-root identity", u)
	}
	if !slices.Contains([]string(fake.host.CapDrop), "ALL") {
		t.Errorf("capabilities not dropped: %v", fake.host.CapDrop)
	}
	if fake.host.Resources.Memory == 0 || fake.host.Resources.PidsLimit == nil {
		t.Error("resource caps not applied")
	}
	if fake.config.WorkingDir != containerWorkdir {
		t.Errorf("working dir = %q, want %q", fake.config.WorkingDir, containerWorkdir)
	}
	if want := []string{"python", "main.py"}; !slices.Equal([]string(fake.config.Cmd), want) {
		t.Errorf("cmd = %q, want %q", fake.config.Cmd, want)
	}
	if !strings.HasPrefix(fake.mountDir, root) {
		t.Errorf("mounted %q, want a workspace under %q", fake.mountDir, root)
	}
	if len(fake.removed) != 1 {
		t.Errorf("removed %d containers, want 1", len(fake.removed))
	}
	assertEmptyDir(t, root)
}

func TestDockerExecutorNonZeroExit(t *testing.T) {
	fake := &fakeDocker{stderr: "error[E0425]: cannot find value\n", exitCode: 1}
	e, root := testLocalExecutor(t, fake, DefaultPolicy())

	res, err := e.Run(context.Background(), Request{
		Code:    "fn main() { x }",
		Profile: builtinProfiles()[LanguageRust],
		Timeout: time.Second,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 1 || !strings.Contains(res.Stderr, "E0425") {
		t.Errorf("result = %+v, want compiler diagnostics with exit 1", res)
	}
	assertEmptyDir(t, root)
}

func TestDockerExecutorTimeout(t *testing.T) {
	fake := &fakeDocker{block: true}
	e, root := testLocalExecutor(t, fake, DefaultPolicy())

	start := time.Now()
	res, err := e.Run(context.Background(), Request{
		Code:    "while True: pass",
		Profile: pythonProfile(),
		Timeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout returned after %s", elapsed)
	}
	if res.ExitCode != ExitCodeTimeout || res.Stdout != "" || res.Stderr != timeoutMessage {
		t.Errorf("result = %+v, want timeout result", res)
	}
	if len(fake.killed) != 1 {
		t.Errorf("killed %d containers, want 1", len(fake.killed))
	}
	if len(fake.removed) != 1 {
		t.Errorf("removed %d containers, want 1", len(fake.removed))
	}
	assertEmptyDir(t, root)
}

func TestDockerExecutorCreateFailureIsInfrastructure(t *testing.T) {
	fake := &fakeDocker{createErr: errors.New("No such image: sandbox-runner")}
	e, root := testLocalExecutor(t, fake, DefaultPolicy())

	_, err := e.Run(context.Background(), Request{Code: "pass", Profile: pythonProfile(), Timeout: time.Second})
	if !errors.Is(err, ErrInfrastructure) {
		t.Fatalf("error = %v, want ErrInfrastructure", err)
	}
	if len(fake.removed) != 0 {
		t.Errorf("removed %d containers, want 0", len(fake.removed))
	}
	assertEmptyDir(t, root)
}

func TestDockerExecutorStartFailureRemovesContainer(t *testing.T) {
	fake := &fakeDocker{startErr: errors.New("oci runtime error")}
	e, root := testLocalExecutor(t, fake, DefaultPolicy())

	_, err := e.Run(context.Background(), Request{Code: "pass", Profile: pythonProfile(), Timeout: time.Second})
	if !errors.Is(err, ErrInfrastructure) {
		t.Fatalf("error = %v, want ErrInfrastructure", err)
	}
	if len(fake.removed) != 1 {
		t.Errorf("removed %d containers, want 1", len(fake.removed))
	}
	assertEmptyDir(t, root)
}

func TestDockerExecutorRejectsUnlistedImage(t *testing.T) {
	fake := &fakeDocker{}
	e, root := testLocalExecutor(t, fake, DefaultPolicy())

	p := pythonProfile()
	p.Image = "attacker/miner:latest"
	_, err := e.Run(context.Background(), Request{Code: "pass", Profile: p, Timeout: time.Second})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}
	if fake.created != 0 {
		t.Errorf("created %d containers, want 0", fake.created)
	}
	assertEmptyDir(t, root)
}

func TestDockerExecutorTruncatesOutput(t *testing.T) {
	fake := &fakeDocker{stdout: strings.Repeat("x", 100)}
	policy := DefaultPolicy()
	policy.MaxOutputBytes = 10
	e, _ := testLocalExecutor(t, fake, policy)

	res, err := e.Run(context.Background(), Request{Code: "pass", Profile: pythonProfile(), Timeout: time.Second})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.HasPrefix(res.Stdout, strings.Repeat("x", 10)) || !strings.HasSuffix(res.Stdout, "(output truncated)") {
		t.Errorf("stdout = %q, want truncated output", res.Stdout)
	}
}

func TestDockerExecutorPing(t *testing.T) {
	fake := &fakeDocker{pingErr: errors.New("connection refused")}
	e, _ := testLocalExecutor(t, fake, DefaultPolicy())

	if err := e.Ping(context.Background()); !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("Ping error = %v, want ErrBackendUnavailable", err)
	}
}
