package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/michaelbrown/codelab/internal/auth"
	"github.com/michaelbrown/codelab/internal/storage"
)

// visibleCourse returns the course if the caller may see it. Unpublished
// courses exist only for admins.
func (s *Server) visibleCourse(ctx context.Context, id int64) (*storage.Course, error) {
	c, err := s.store.GetCourse(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.IsPublished && !auth.UserFrom(ctx).IsAdmin() {
		return nil, storage.ErrNotFound
	}
	return c, nil
}

func (s *Server) handleListCourses(w http.ResponseWriter, r *http.Request) {
	opts := storage.CourseListOptions{PublishedOnly: !auth.UserFrom(r.Context()).IsAdmin()}
	courses, err := s.store.ListCourses(r.Context(), opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, courses)
}

func (s *Server) handleGetCourse(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid course id")
		return
	}
	c, err := s.visibleCourse(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type courseRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Slug        string `json:"slug"`
	IsPublished bool   `json:"is_published"`
}

func (req courseRequest) validate() error {
	if strings.TrimSpace(req.Title) == "" || strings.TrimSpace(req.Slug) == "" {
		return errors.New("title and slug are required")
	}
	return nil
}

func (req courseRequest) apply(c *storage.Course) {
	c.Title = strings.TrimSpace(req.Title)
	c.Description = req.Description
	c.Slug = strings.TrimSpace(req.Slug)
	c.IsPublished = req.IsPublished
}

func (s *Server) handleCreateCourse(w http.ResponseWriter, r *http.Request) {
	var req courseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badBody(w, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	c := &storage.Course{}
	req.apply(c)
	if err := s.store.CreateCourse(r.Context(), c); err != nil {
		s.fail(w, r, err)
		return
	}
	c.Exercises = []storage.Exercise{}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleUpdateCourse(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid course id")
		return
	}
	var req courseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badBody(w, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	c, err := s.store.GetCourse(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	req.apply(c)
	if err := s.store.UpdateCourse(r.Context(), c); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteCourse(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid course id")
		return
	}
	if err := s.store.DeleteCourse(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type exerciseRequest struct {
	Title       string `json:"title"`
	Slug        string `json:"slug"`
	Description string `json:"description"`
	InitialCode string `json:"initial_code"`
	TestCode    string `json:"test_code"`
	Language    string `json:"language"`
	Order       int    `json:"order"`
	PassingRule string `json:"passing_rule"`
}

func (req exerciseRequest) apply(e *storage.Exercise) error {
	if strings.TrimSpace(req.Title) == "" || strings.TrimSpace(req.Slug) == "" {
		return errors.New("title and slug are required")
	}
	rule, err := storage.ParsePassingRule(req.PassingRule)
	if err != nil {
		return err
	}
	e.Title = strings.TrimSpace(req.Title)
	e.Slug = strings.TrimSpace(req.Slug)
	e.Description = req.Description
	e.InitialCode = req.InitialCode
	e.TestCode = req.TestCode
	e.Language = req.Language
	e.Order = req.Order
	e.PassingRule = rule
	return nil
}

func (s *Server) handleCreateExercise(w http.ResponseWriter, r *http.Request) {
	courseID, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid course id")
		return
	}
	var req exerciseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badBody(w, err)
		return
	}

	e := &storage.Exercise{CourseID: courseID}
	if err := req.apply(e); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.CreateExercise(r.Context(), e); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// exerciseInCourse loads exercise eid and checks it belongs to course id.
func (s *Server) exerciseInCourse(r *http.Request) (*storage.Exercise, error) {
	courseID, ok := pathID(r, "id")
	if !ok {
		return nil, storage.ErrNotFound
	}
	eid, ok := pathID(r, "eid")
	if !ok {
		return nil, storage.ErrNotFound
	}
	e, err := s.store.GetExercise(r.Context(), eid)
	if err != nil {
		return nil, err
	}
	if e.CourseID != courseID {
		return nil, storage.ErrNotFound
	}
	return e, nil
}

func (s *Server) handleUpdateExercise(w http.ResponseWriter, r *http.Request) {
	e, err := s.exerciseInCourse(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req exerciseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badBody(w, err)
		return
	}
	if err := req.apply(e); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.UpdateExercise(r.Context(), e); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleDeleteExercise(w http.ResponseWriter, r *http.Request) {
	e, err := s.exerciseInCourse(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.store.DeleteExercise(r.Context(), e.ID); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type submitRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid exercise id")
		return
	}
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badBody(w, err)
		return
	}

	ctx := r.Context()
	ex, err := s.store.GetExercise(ctx, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := s.visibleCourse(ctx, ex.CourseID); err != nil {
		s.fail(w, r, err)
		return
	}

	var username string
	if u := auth.UserFrom(ctx); u != nil {
		username = u.Username
	}
	outcome, err := s.grader.Grade(ctx, ex, req.Code, username)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}
