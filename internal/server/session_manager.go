package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/michaelbrown/codelab/internal/storage"
	"github.com/michaelbrown/codelab/internal/tutor"
)

// ActiveSession tracks an in-memory tutor for a saved session.
type ActiveSession struct {
	Tutor  *tutor.Session
	Cancel context.CancelFunc // cancels the in-flight turn
	mu     sync.Mutex         // one message at a time per session
}

// SessionManager tracks which tutor sessions are live in memory.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*ActiveSession
}

func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*ActiveSession),
	}
}

// Get returns an active session if it exists.
func (sm *SessionManager) Get(sessionID string) (*ActiveSession, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	as, ok := sm.sessions[sessionID]
	return as, ok
}

// GetOrCreate returns the live tutor for sess, building it from the
// persona, the focused exercise and the saved history on first use.
func (sm *SessionManager) GetOrCreate(
	ctx context.Context,
	sess *storage.TutorSession,
	store storage.Store,
	svc *tutor.Service,
) (*ActiveSession, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if as, ok := sm.sessions[sess.ID]; ok {
		return as, nil
	}

	var ex *storage.Exercise
	if sess.ExerciseID != 0 {
		e, err := store.GetExercise(ctx, sess.ExerciseID)
		if err != nil {
			return nil, fmt.Errorf("loading exercise: %w", err)
		}
		ex = e
	}

	t, err := svc.NewSession(sess.Persona, ex, sess.Username)
	if err != nil {
		return nil, err
	}

	messages, err := store.LoadMessages(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}
	if len(messages) > 0 {
		t.SetHistory(messages)
	}

	as := &ActiveSession{Tutor: t}
	sm.sessions[sess.ID] = as
	return as, nil
}

// Remove drops an active session and cancels any in-flight turn.
func (sm *SessionManager) Remove(sessionID string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if as, ok := sm.sessions[sessionID]; ok {
		if as.Cancel != nil {
			as.Cancel()
		}
		delete(sm.sessions, sessionID)
	}
}

// CloseAll cancels all active sessions.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for id, as := range sm.sessions {
		if as.Cancel != nil {
			as.Cancel()
		}
		delete(sm.sessions, id)
	}
}
