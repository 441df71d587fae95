// Package sandboxd is the remote sandbox worker. It serves the /v1 run
// protocol spoken by sandbox.RemoteExecutor and executes each request as a
// child process of the host it runs on.
package sandboxd

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/michaelbrown/codelab/internal/sandbox"
)

// MaxTimeout caps the timeout a caller may request.
const MaxTimeout = 60 * time.Second

type Config struct {
	// AuthToken, when set, must match the X-Auth-Token header.
	AuthToken     string
	MaxConcurrent int64
}

// Server runs submissions for remote callers.
type Server struct {
	exec     sandbox.Executor
	registry *sandbox.Registry
	token    string
	sem      *semaphore.Weighted
	log      *zap.Logger
	router   chi.Router
	http     *http.Server
}

func New(exec sandbox.Executor, registry *sandbox.Registry, cfg Config, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	slots := cfg.MaxConcurrent
	if slots <= 0 {
		slots = 1
	}
	s := &Server{
		exec:     exec,
		registry: registry,
		token:    cfg.AuthToken,
		sem:      semaphore.NewWeighted(slots),
		log:      log.Named("sandboxd"),
		router:   chi.NewRouter(),
	}
	s.router.Use(middleware.Recoverer)
	s.router.Get("/v1/health", s.handleHealth)
	s.router.With(s.checkToken).Post("/v1/run", s.handleRun)
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("sandbox worker starting", zap.String("addr", addr))
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) checkToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got := r.Header.Get("X-Auth-Token")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.exec.Ping(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req sandbox.RunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20)).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
		return
	}
	code, err := base64.StdEncoding.DecodeString(req.SourceCode)
	if err != nil {
		http.Error(w, "source_code is not base64", http.StatusBadRequest)
		return
	}

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	switch {
	case timeout <= 0:
		timeout = sandbox.DefaultTimeout
	case timeout > MaxTimeout:
		timeout = MaxTimeout
	}

	// One run per slot. Waiting would eat into the caller's deadline.
	if !s.sem.TryAcquire(1) {
		http.Error(w, "worker busy", http.StatusTooManyRequests)
		return
	}
	defer s.sem.Release(1)

	start := time.Now()
	profile := s.registry.Resolve(req.Language)
	res, err := s.exec.Run(r.Context(), sandbox.Request{Code: string(code), Profile: profile, Timeout: timeout})
	if err != nil {
		s.log.Warn("run failed",
			zap.String("language", profile.Language.String()),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	s.log.Info("run finished",
		zap.String("language", profile.Language.String()),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", time.Since(start)),
	)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sandbox.EncodeRunResponse(res))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, sandbox.ErrSourceTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, sandbox.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, sandbox.ErrBusy):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}
