package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestChatCompletionParsesToolCalls(t *testing.T) {
	var got struct {
		Model    string           `json:"model"`
		Messages []map[string]any `json:"messages"`
		Tools    []map[string]any `json:"tools"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "cmpl-1", "object": "chat.completion", "created": 0, "model": "tutor",
			"choices": [{"index": 0, "finish_reason": "tool_calls", "message": {
				"role": "assistant", "content": "",
				"tool_calls": [{"id": "call_1", "type": "function",
					"function": {"name": "run_code", "arguments": "{\"code\":\"print(1)\"}"}}]
			}}],
			"usage": {"prompt_tokens": 42, "completion_tokens": 7, "total_tokens": 49}
		}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "key", "tutor", nil)
	resp, err := c.ChatCompletion(context.Background(),
		[]Message{SystemMessage("be socratic"), UserMessage("why does this fail?")},
		[]ToolDef{{Name: "run_code", Description: "run", Parameters: map[string]any{"type": "object"}}},
	)
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}

	if got.Model != "tutor" || len(got.Messages) != 2 || len(got.Tools) != 1 {
		t.Errorf("request = %+v", got)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.Message.ToolCalls))
	}
	if !resp.Message.WantsTools() {
		t.Error("WantsTools = false for a tool call reply")
	}
	if resp.Usage.PromptTokens != 42 || resp.Usage.CompletionTokens != 7 {
		t.Errorf("usage = %+v, want 42 prompt and 7 completion", resp.Usage)
	}
	tc := resp.Message.ToolCalls[0]
	if tc.ID != "call_1" || tc.Name != "run_code" || tc.Args["code"] != "print(1)" {
		t.Errorf("tool call = %+v", tc)
	}
}

func TestChatCompletionDoesNotRetryAuthErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": {"message": "bad key", "type": "invalid_request_error"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "bad", "tutor", nil)
	if _, err := c.ChatCompletion(context.Background(), []Message{UserMessage("hi")}, nil); err == nil {
		t.Fatal("expected error")
	}
	if hits.Load() != 1 {
		t.Errorf("server hit %d times, want 1", hits.Load())
	}
}
