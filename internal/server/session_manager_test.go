package server

import (
	"context"
	"testing"

	"github.com/michaelbrown/codelab/internal/llm"
	"github.com/michaelbrown/codelab/internal/storage"
	"github.com/michaelbrown/codelab/internal/storage/sqlite"
	"github.com/michaelbrown/codelab/internal/tutor"
)

func newManagerFixture(t *testing.T) (*SessionManager, *sqlite.SQLiteStore, *tutor.Service) {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	sm := NewSessionManager()
	t.Cleanup(sm.CloseAll)
	svc := tutor.NewService(&scriptedLLM{reply: "hint"}, nil, nil, tutor.Config{MaxIterations: 3}, nil)
	return sm, store, svc
}

func createSession(t *testing.T, store storage.Store, id string) *storage.TutorSession {
	t.Helper()
	sess := &storage.TutorSession{ID: id, Username: "ada", Persona: tutor.DefaultPersona}
	if err := store.CreateTutorSession(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
	return sess
}

func TestSessionManager_GetOrCreate(t *testing.T) {
	sm, store, svc := newManagerFixture(t)
	sess := createSession(t, store, "test-session-1")

	as1, err := sm.GetOrCreate(context.Background(), sess, store, svc)
	if err != nil {
		t.Fatal(err)
	}
	if as1 == nil || as1.Tutor == nil {
		t.Fatal("expected an active session with a tutor")
	}

	as2, err := sm.GetOrCreate(context.Background(), sess, store, svc)
	if err != nil {
		t.Fatal(err)
	}
	if as1 != as2 {
		t.Error("expected same ActiveSession instance on second call")
	}
}

func TestSessionManager_RestoresHistory(t *testing.T) {
	sm, store, svc := newManagerFixture(t)
	sess := createSession(t, store, "test-session-2")

	saved := []llm.Message{
		llm.SystemMessage("old prompt"),
		llm.UserMessage("why does range stop early?"),
		llm.AssistantMessage("What is the last value range(3) yields?"),
	}
	if err := store.SaveMessages(context.Background(), sess.ID, saved); err != nil {
		t.Fatal(err)
	}

	as, err := sm.GetOrCreate(context.Background(), sess, store, svc)
	if err != nil {
		t.Fatal(err)
	}
	history := as.Tutor.History()
	if len(history) != 3 {
		t.Fatalf("history has %d messages, want 3", len(history))
	}
	if history[0].Content == "old prompt" {
		t.Error("restored session kept the stale system prompt")
	}
}

func TestSessionManager_UnknownPersona(t *testing.T) {
	sm, store, svc := newManagerFixture(t)
	sess := createSession(t, store, "test-session-3")
	sess.Persona = "pirate"

	if _, err := sm.GetOrCreate(context.Background(), sess, store, svc); err == nil {
		t.Fatal("expected error for unknown persona")
	}
	if _, ok := sm.Get(sess.ID); ok {
		t.Error("failed session was cached")
	}
}

func TestSessionManager_Remove(t *testing.T) {
	sm, store, svc := newManagerFixture(t)
	sess := createSession(t, store, "test-session-4")

	if _, err := sm.GetOrCreate(context.Background(), sess, store, svc); err != nil {
		t.Fatal(err)
	}
	if _, ok := sm.Get(sess.ID); !ok {
		t.Error("expected session to exist")
	}

	sm.Remove(sess.ID)

	if _, ok := sm.Get(sess.ID); ok {
		t.Error("expected session to be removed")
	}
}

func TestSessionManager_CloseAll(t *testing.T) {
	sm, store, svc := newManagerFixture(t)

	for i := 0; i < 3; i++ {
		sess := createSession(t, store, "session-"+string(rune('a'+i)))
		if _, err := sm.GetOrCreate(context.Background(), sess, store, svc); err != nil {
			t.Fatal(err)
		}
	}

	sm.CloseAll()

	if _, ok := sm.Get("session-a"); ok {
		t.Error("expected all sessions to be cleared")
	}
}
