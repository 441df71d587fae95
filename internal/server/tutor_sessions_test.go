package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/michaelbrown/codelab/internal/llm"
	"github.com/michaelbrown/codelab/internal/storage"
)

func (e *testEnv) tutorSession(t *testing.T, token string, body map[string]any) storage.TutorSession {
	t.Helper()
	rec := e.do(t, "POST", "/api/tutor/sessions", token, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create tutor session: %d %s", rec.Code, rec.Body)
	}
	var sess storage.TutorSession
	decode(t, rec, &sess)
	return sess
}

func TestTutorSessionsRequireUser(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{reply: "hi"})
	if rec := env.do(t, "GET", "/api/tutor/sessions", "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestCreateTutorSessionWithoutAI(t *testing.T) {
	env := newTestEnv(t, nil)
	tok := env.user(t, "ada", "")
	rec := env.do(t, "POST", "/api/tutor/sessions", tok, map[string]any{})
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestCreateTutorSessionUnknownPersona(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{reply: "hi"})
	tok := env.user(t, "ada", "")
	rec := env.do(t, "POST", "/api/tutor/sessions", tok, map[string]any{"persona": "pirate"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestTutorConversation(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{reply: "What does your loop do on the last item?"})
	tok := env.user(t, "ada", "")
	sess := env.tutorSession(t, tok, map[string]any{})
	if sess.Persona != "socratic" {
		t.Errorf("persona = %q, want socratic", sess.Persona)
	}

	path := "/api/tutor/sessions/" + sess.ID
	rec := env.do(t, "POST", path+"/messages", tok, map[string]string{"content": "My sum is off by one\nhelp"})
	if rec.Code != http.StatusOK {
		t.Fatalf("send = %d %s", rec.Code, rec.Body)
	}
	var reply map[string]string
	decode(t, rec, &reply)
	if reply["content"] != "What does your loop do on the last item?" {
		t.Errorf("reply = %q", reply["content"])
	}

	var msgs []llm.Message
	decode(t, env.do(t, "GET", path+"/messages", tok, nil), &msgs)
	if len(msgs) != 3 {
		t.Fatalf("saved %d messages, want system, user and assistant", len(msgs))
	}
	if msgs[1].Role != llm.RoleUser || msgs[2].Role != llm.RoleAssistant {
		t.Errorf("roles = %s, %s", msgs[1].Role, msgs[2].Role)
	}

	var got storage.TutorSession
	decode(t, env.do(t, "GET", path, tok, nil), &got)
	if got.Title != "My sum is off by one" {
		t.Errorf("title = %q", got.Title)
	}

	var list []storage.TutorSession
	decode(t, env.do(t, "GET", "/api/tutor/sessions", tok, nil), &list)
	if len(list) != 1 || list[0].ID != sess.ID {
		t.Errorf("list = %+v", list)
	}
}

func TestTutorSessionsArePrivate(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{reply: "hi"})
	ada := env.user(t, "ada", "")
	bob := env.user(t, "bob", "")
	sess := env.tutorSession(t, ada, map[string]any{})

	path := "/api/tutor/sessions/" + sess.ID
	if rec := env.do(t, "GET", path, bob, nil); rec.Code != http.StatusNotFound {
		t.Errorf("other user get = %d, want 404", rec.Code)
	}
	if rec := env.do(t, "DELETE", path, bob, nil); rec.Code != http.StatusNotFound {
		t.Errorf("other user delete = %d, want 404", rec.Code)
	}

	var list []storage.TutorSession
	decode(t, env.do(t, "GET", "/api/tutor/sessions", bob, nil), &list)
	if len(list) != 0 {
		t.Errorf("bob sees %d sessions", len(list))
	}

	if rec := env.do(t, "DELETE", path, ada, nil); rec.Code != http.StatusNoContent {
		t.Errorf("owner delete = %d, want 204", rec.Code)
	}
	if rec := env.do(t, "GET", path, ada, nil); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", rec.Code)
	}
}

func TestTutorSessionUnknownExercise(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{reply: "hi"})
	tok := env.user(t, "ada", "")
	rec := env.do(t, "POST", "/api/tutor/sessions", tok, map[string]any{"exercise_id": 42})
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestTutorWebSocket(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{reply: "Try printing the index."})
	tok := env.user(t, "ada", "")
	sess := env.tutorSession(t, tok, map[string]any{})

	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/tutor/sessions/" + sess.ID + "/ws?token=" + tok
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(wsIncoming{Type: "message", Content: "why index error?"}); err != nil {
		t.Fatal(err)
	}

	var deltas strings.Builder
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg wsOutgoing
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		switch msg.Type {
		case "text_delta":
			deltas.WriteString(msg.Content)
			continue
		case "done":
			if msg.Content != "Try printing the index." {
				t.Errorf("done content = %q", msg.Content)
			}
		default:
			t.Fatalf("unexpected message %+v", msg)
		}
		break
	}
	if deltas.String() != "Try printing the index." {
		t.Errorf("streamed %q", deltas.String())
	}
}

func TestTutorWebSocketRejectsInvalidMessage(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{reply: "hi"})
	tok := env.user(t, "ada", "")
	sess := env.tutorSession(t, tok, map[string]any{})

	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/tutor/sessions/" + sess.ID + "/ws?token=" + tok
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.WriteJSON(wsIncoming{Type: "ping"})
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg wsOutgoing
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "error" {
		t.Errorf("type = %q, want error", msg.Type)
	}
}

func TestTutorWebSocketRequiresToken(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{reply: "hi"})
	tok := env.user(t, "ada", "")
	sess := env.tutorSession(t, tok, map[string]any{})

	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/tutor/sessions/" + sess.ID + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("dial without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v, want 401", resp)
	}
}
