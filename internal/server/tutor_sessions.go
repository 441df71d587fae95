package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/michaelbrown/codelab/internal/auth"
	"github.com/michaelbrown/codelab/internal/llm"
	"github.com/michaelbrown/codelab/internal/storage"
	"github.com/michaelbrown/codelab/internal/tutor"
)

// ownedSession loads the session named in the path. Sessions of other users
// are reported as missing.
func (s *Server) ownedSession(r *http.Request) (*storage.TutorSession, error) {
	sess, err := s.store.GetTutorSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if sess.Username != auth.UserFrom(r.Context()).Username {
		return nil, storage.ErrNotFound
	}
	return sess, nil
}

func (s *Server) handleListTutorSessions(w http.ResponseWriter, r *http.Request) {
	opts := storage.SessionListOptions{
		Username: auth.UserFrom(r.Context()).Username,
		Limit:    queryInt(r, "limit"),
		Offset:   queryInt(r, "offset"),
	}
	sessions, err := s.store.ListTutorSessions(r.Context(), opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

type createTutorSessionRequest struct {
	ExerciseID int64  `json:"exercise_id"`
	Persona    string `json:"persona"`
	Title      string `json:"title"`
}

func (s *Server) handleCreateTutorSession(w http.ResponseWriter, r *http.Request) {
	if !s.tutor.Configured() {
		s.fail(w, r, tutor.ErrNotConfigured)
		return
	}
	var req createTutorSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badBody(w, err)
		return
	}

	persona := req.Persona
	if persona == "" {
		persona = tutor.DefaultPersona
	}
	if !knownPersona(s.tutor.Personas(), persona) {
		writeError(w, http.StatusBadRequest, "unknown persona: "+persona+" (available: "+strings.Join(s.tutor.Personas(), ", ")+")")
		return
	}

	ctx := r.Context()
	if req.ExerciseID != 0 {
		ex, err := s.store.GetExercise(ctx, req.ExerciseID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if _, err := s.visibleCourse(ctx, ex.CourseID); err != nil {
			s.fail(w, r, err)
			return
		}
	}

	sess := &storage.TutorSession{
		ID:         uuid.New().String(),
		Username:   auth.UserFrom(ctx).Username,
		ExerciseID: req.ExerciseID,
		Title:      req.Title,
		Persona:    persona,
	}
	if err := s.store.CreateTutorSession(ctx, sess); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func knownPersona(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func (s *Server) handleGetTutorSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ownedSession(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteTutorSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ownedSession(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	s.sessions.Remove(sess.ID)
	if err := s.store.DeleteTutorSession(r.Context(), sess.ID); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ownedSession(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	messages, err := s.store.LoadMessages(r.Context(), sess.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if messages == nil {
		messages = []llm.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ownedSession(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req sendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badBody(w, err)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	as, err := s.sessions.GetOrCreate(r.Context(), sess, s.store, s.tutor)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	reply, err := s.turn(r.Context(), as, sess, req.Content, nil)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"role": string(llm.RoleAssistant), "content": reply})
}

// turn runs one student message through the tutor and persists the history,
// whether or not the turn succeeded. Turns on one session are serialized.
// A non-nil hook installs streaming callbacks for the duration of the turn.
func (s *Server) turn(parent context.Context, as *ActiveSession, sess *storage.TutorSession, content string, hook func(*tutor.Session)) (string, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	t := as.Tutor
	if hook != nil {
		hook(t)
		defer func() {
			t.OnTextDelta, t.OnToolCall, t.OnToolResult = nil, nil, nil
		}()
	}

	// Auto-generate title from first message
	if sess.Title == "" {
		sess.Title = generateTitle(content)
	}

	ctx, cancel := context.WithCancel(parent)
	as.Cancel = cancel
	defer func() {
		cancel()
		as.Cancel = nil
	}()

	var (
		reply string
		err   error
	)
	if hook != nil {
		reply, err = t.SendStreaming(ctx, content)
	} else {
		reply, err = t.Send(ctx, content)
	}

	// The request context may already be gone; saving must not depend on it.
	saveCtx, saveCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer saveCancel()
	if saveErr := s.store.SaveMessages(saveCtx, sess.ID, t.History()); saveErr != nil {
		s.log.Error("failed to save tutor messages", zap.String("session", sess.ID), zap.Error(saveErr))
	}
	if updErr := s.store.UpdateTutorSession(saveCtx, sess); updErr != nil {
		s.log.Warn("failed to touch tutor session", zap.String("session", sess.ID), zap.Error(updErr))
	}

	return reply, err
}

// generateTitle creates a short title from the first message.
func generateTitle(content string) string {
	title := strings.TrimSpace(strings.SplitN(content, "\n", 2)[0])
	if r := []rune(title); len(r) > 80 {
		title = string(r[:77]) + "..."
	}
	return title
}
