package server

import (
	"net/http"
	"strings"

	"github.com/michaelbrown/codelab/internal/tutor"
)

type generateRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleGenerateExercise(w http.ResponseWriter, r *http.Request) {
	if !s.tutor.Configured() {
		s.fail(w, r, tutor.ErrNotConfigured)
		return
	}
	var req generateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badBody(w, err)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	ex, err := s.tutor.GenerateExercise(r.Context(), req.Prompt)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

type discussRequest struct {
	Message string `json:"message"`
	Context string `json:"context"`
}

func (s *Server) handleDiscuss(w http.ResponseWriter, r *http.Request) {
	if !s.tutor.Configured() {
		s.fail(w, r, tutor.ErrNotConfigured)
		return
	}
	var req discussRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badBody(w, err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	reply, err := s.tutor.Discuss(r.Context(), req.Message, req.Context)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"response": reply})
}
