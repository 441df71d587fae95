package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/michaelbrown/codelab/internal/auth"
	"github.com/michaelbrown/codelab/internal/grading"
	"github.com/michaelbrown/codelab/internal/sandbox"
	"github.com/michaelbrown/codelab/internal/storage"
	"github.com/michaelbrown/codelab/internal/tutor"
)

// Runner executes submissions. *sandbox.Dispatcher satisfies it.
type Runner interface {
	Run(ctx context.Context, sub sandbox.Submission) (*sandbox.Result, error)
	Ping(ctx context.Context) error
}

// Deps are the collaborators the HTTP API is built from.
type Deps struct {
	Store  storage.Store
	Runner Runner
	Grader *grading.Grader
	Tutor  *tutor.Service
	Tokens *auth.TokenIssuer
	Log    *zap.Logger
}

// Server is the HTTP server for the codelab API.
type Server struct {
	store    storage.Store
	runner   Runner
	grader   *grading.Grader
	tutor    *tutor.Service
	tokens   *auth.TokenIssuer
	log      *zap.Logger
	sessions *SessionManager
	router   chi.Router
	http     *http.Server
}

func New(d Deps) *Server {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		store:    d.Store,
		runner:   d.Runner,
		grader:   d.Grader,
		tutor:    d.Tutor,
		tokens:   d.Tokens,
		log:      log.Named("http"),
		sessions: NewSessionManager(),
		router:   chi.NewRouter(),
	}
	if s.grader == nil {
		s.grader = grading.New(d.Runner, nil, log)
	}
	if s.tutor == nil {
		s.tutor = tutor.NewService(nil, nil, nil, tutor.Config{}, log)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(auth.Authenticate(s.tokens, s.store))

	r.Route("/api", func(r chi.Router) {
		r.Use(jsonContentType)

		r.Get("/health", s.handleHealth)
		r.Post("/run", s.handleRun)

		r.Post("/auth/signup", s.handleSignup)
		r.Post("/auth/login", s.handleLogin)
		r.With(auth.RequireUser).Get("/auth/me", s.handleMe)

		r.Get("/courses", s.handleListCourses)
		r.Get("/courses/{id}", s.handleGetCourse)
		r.Post("/exercises/{id}/submit", s.handleSubmit)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAdmin)
			r.Post("/courses", s.handleCreateCourse)
			r.Put("/courses/{id}", s.handleUpdateCourse)
			r.Delete("/courses/{id}", s.handleDeleteCourse)
			r.Post("/courses/{id}/exercises", s.handleCreateExercise)
			r.Put("/courses/{id}/exercises/{eid}", s.handleUpdateExercise)
			r.Delete("/courses/{id}/exercises/{eid}", s.handleDeleteExercise)

			r.Post("/ai/generate/exercise", s.handleGenerateExercise)
			r.Post("/ai/discuss", s.handleDiscuss)
		})

		r.Route("/tutor/sessions", func(r chi.Router) {
			r.Use(auth.RequireUser)
			r.Get("/", s.handleListTutorSessions)
			r.Post("/", s.handleCreateTutorSession)
			r.Get("/{id}", s.handleGetTutorSession)
			r.Delete("/{id}", s.handleDeleteTutorSession)
			r.Get("/{id}/messages", s.handleGetMessages)
			r.Post("/{id}/messages", s.handleSendMessage)
			r.Get("/{id}/ws", s.handleWebSocket)
		})
	})
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("codelab server starting", zap.String("addr", addr))
	return s.http.ListenAndServe()
}

// Shutdown stops active tutor sessions and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down server")
	s.sessions.CloseAll()
	if s.http == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}
