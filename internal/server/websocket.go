package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/michaelbrown/codelab/internal/storage"
	"github.com/michaelbrown/codelab/internal/tutor"
)

// Tokens arrive on the query string, so the origin check adds nothing.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsIncoming is a message from the client.
type wsIncoming struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// wsOutgoing is a message to the client.
type wsOutgoing struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Name    string `json:"name,omitempty"`
	Args    any    `json:"args,omitempty"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ownedSession(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	as, err := s.sessions.GetOrCreate(r.Context(), sess, s.store, s.tutor)
	if err != nil {
		s.wsWrite(conn, wsOutgoing{Type: "error", Content: "starting tutor: " + err.Error()})
		return
	}

	for {
		var msg wsIncoming
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("websocket read ended", zap.String("session", sess.ID), zap.Error(err))
			}
			return
		}

		if msg.Type != "message" || msg.Content == "" {
			s.wsWrite(conn, wsOutgoing{Type: "error", Content: "invalid message"})
			continue
		}

		s.processWebSocketMessage(r.Context(), conn, as, sess, msg.Content)
	}
}

func (s *Server) processWebSocketMessage(ctx context.Context, conn *websocket.Conn, as *ActiveSession, sess *storage.TutorSession, content string) {
	// Callbacks fire from the tutor loop; writes to conn must not interleave.
	var wsMu sync.Mutex
	send := func(m wsOutgoing) {
		wsMu.Lock()
		defer wsMu.Unlock()
		s.wsWrite(conn, m)
	}

	reply, err := s.turn(ctx, as, sess, content, func(t *tutor.Session) {
		t.OnTextDelta = func(delta string) {
			send(wsOutgoing{Type: "text_delta", Content: delta})
		}
		t.OnToolCall = func(name string, args map[string]any) {
			send(wsOutgoing{Type: "tool_call", Name: name, Args: args})
		}
		t.OnToolResult = func(name string, result string) {
			send(wsOutgoing{Type: "tool_result", Name: name, Content: result})
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			send(wsOutgoing{Type: "error", Content: "interrupted"})
		} else {
			send(wsOutgoing{Type: "error", Content: err.Error()})
		}
		return
	}
	send(wsOutgoing{Type: "done", Content: reply})
}

func (s *Server) wsWrite(conn *websocket.Conn, v wsOutgoing) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error("websocket marshal failed", zap.Error(err))
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.log.Debug("websocket write failed", zap.Error(err))
	}
}
