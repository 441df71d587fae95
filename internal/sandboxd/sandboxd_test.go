package sandboxd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/michaelbrown/codelab/internal/sandbox"
)

type fakeExecutor struct {
	mu   sync.Mutex
	reqs []sandbox.Request
	run  func(ctx context.Context, req sandbox.Request) (*sandbox.Result, error)
}

func (f *fakeExecutor) Run(ctx context.Context, req sandbox.Request) (*sandbox.Result, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return f.run(ctx, req)
}

func (f *fakeExecutor) Ping(ctx context.Context) error { return nil }

func newWorker(t *testing.T, exec *fakeExecutor, cfg Config) *httptest.Server {
	t.Helper()
	registry, err := sandbox.NewRegistry(nil)
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(New(exec, registry, cfg, nil).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func remote(ts *httptest.Server, token string) *sandbox.RemoteExecutor {
	return sandbox.NewRemoteExecutor(sandbox.RemoteConfig{URL: ts.URL, AuthToken: token})
}

func request(code, lang string) sandbox.Request {
	registry, _ := sandbox.NewRegistry(nil)
	return sandbox.Request{Code: code, Profile: registry.Resolve(lang), Timeout: time.Second}
}

func TestRoundTripThroughRemoteExecutor(t *testing.T) {
	exec := &fakeExecutor{run: func(ctx context.Context, req sandbox.Request) (*sandbox.Result, error) {
		return &sandbox.Result{Stdout: "héllo\x00\n", Stderr: "warn", ExitCode: 3}, nil
	}}
	ts := newWorker(t, exec, Config{AuthToken: "secret"})

	res, err := remote(ts, "secret").Run(context.Background(), request("print('héllo')", "rust"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Stdout != "héllo\x00\n" || res.Stderr != "warn" || res.ExitCode != 3 {
		t.Errorf("result = %+v", res)
	}

	got := exec.reqs[0]
	if got.Code != "print('héllo')" || got.Profile.Language != sandbox.LanguageRust || got.Timeout != time.Second {
		t.Errorf("worker saw %+v", got)
	}
}

func TestRejectsBadToken(t *testing.T) {
	exec := &fakeExecutor{run: func(ctx context.Context, req sandbox.Request) (*sandbox.Result, error) {
		return &sandbox.Result{}, nil
	}}
	ts := newWorker(t, exec, Config{AuthToken: "secret"})

	_, err := remote(ts, "wrong").Run(context.Background(), request("x", "python"))
	if !errors.Is(err, sandbox.ErrInfrastructure) {
		t.Errorf("error = %v, want ErrInfrastructure", err)
	}
	if len(exec.reqs) != 0 {
		t.Error("unauthenticated request reached the executor")
	}
}

func TestBusyWorker(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	exec := &fakeExecutor{run: func(ctx context.Context, req sandbox.Request) (*sandbox.Result, error) {
		started <- struct{}{}
		<-release
		return &sandbox.Result{}, nil
	}}
	ts := newWorker(t, exec, Config{MaxConcurrent: 1})

	done := make(chan error, 1)
	go func() {
		_, err := remote(ts, "").Run(context.Background(), request("x", "python"))
		done <- err
	}()
	<-started

	_, err := remote(ts, "").Run(context.Background(), request("y", "python"))
	if !errors.Is(err, sandbox.ErrBusy) {
		t.Errorf("error = %v, want ErrBusy", err)
	}
	if errors.Is(err, sandbox.ErrBackendUnavailable) {
		t.Errorf("busy worker reported as unavailable: %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Errorf("first run: %v", err)
	}
}

func TestExecutorErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: empty", sandbox.ErrValidation), http.StatusBadRequest},
		{sandbox.ErrSourceTooLarge, http.StatusRequestEntityTooLarge},
		{fmt.Errorf("%w: fork failed", sandbox.ErrInfrastructure), http.StatusInternalServerError},
		{sandbox.ErrBusy, http.StatusTooManyRequests},
	}
	for _, tt := range tests {
		exec := &fakeExecutor{run: func(ctx context.Context, req sandbox.Request) (*sandbox.Result, error) {
			return nil, tt.err
		}}
		ts := newWorker(t, exec, Config{})
		body := `{"source_code":"eA==","language":"python","timeout_ms":1000}`
		resp, err := http.Post(ts.URL+"/v1/run", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Errorf("%v: status = %d, want %d", tt.err, resp.StatusCode, tt.want)
		}
	}
}

func TestTimeoutIsClamped(t *testing.T) {
	exec := &fakeExecutor{run: func(ctx context.Context, req sandbox.Request) (*sandbox.Result, error) {
		return &sandbox.Result{}, nil
	}}
	ts := newWorker(t, exec, Config{})

	for _, body := range []string{
		`{"source_code":"eA==","language":"python","timeout_ms":0}`,
		`{"source_code":"eA==","language":"python","timeout_ms":3600000}`,
	} {
		resp, err := http.Post(ts.URL+"/v1/run", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
	}
	if exec.reqs[0].Timeout != sandbox.DefaultTimeout {
		t.Errorf("zero timeout became %s", exec.reqs[0].Timeout)
	}
	if exec.reqs[1].Timeout != MaxTimeout {
		t.Errorf("huge timeout became %s", exec.reqs[1].Timeout)
	}
}

func TestRejectsNonBase64Source(t *testing.T) {
	exec := &fakeExecutor{}
	ts := newWorker(t, exec, Config{})
	resp, err := http.Post(ts.URL+"/v1/run", "application/json", strings.NewReader(`{"source_code":"%%%"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	ts := newWorker(t, &fakeExecutor{}, Config{AuthToken: "secret"})
	if err := remote(ts, "").Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
