package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/connexus-ai/uia-backend/internal/middleware"
	"github.com/connexus-ai/uia-backend/internal/progress"
)

func TestSendMessage_UnauthorizedWithoutUserID(t *testing.T) {
	handler := SendMessage(nil)

	body, _ := json.Marshal(ChatRequest{Prompt: "hello"})
	req := httptest.NewRequest(http.MethodPost, "/api/chats/chat-1/messages", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	handler(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestSendMessage_RequiresChatID(t *testing.T) {
	handler := SendMessage(nil)

	body, _ := json.Marshal(ChatRequest{Prompt: "hello"})
	req := httptest.NewRequest(http.MethodPost, "/api/chats//messages", bytes.NewReader(body))
	req = req.WithContext(middleware.WithUserID(req.Context(), "user-1"))
	rec := httptest.NewRecorder()

	handler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestSendMessage_RequiresNonEmptyPrompt(t *testing.T) {
	handler := SendMessage(nil)

	body, _ := json.Marshal(ChatRequest{Prompt: ""})
	req := httptest.NewRequest(http.MethodPost, "/api/chats/chat-1/messages", bytes.NewReader(body))
	req = req.WithContext(middleware.WithUserID(req.Context(), "user-1"))
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("chatId", "chat-1")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	rec := httptest.NewRecorder()

	handler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestSendMessage_RejectsOverlongPrompt(t *testing.T) {
	handler := SendMessage(nil)

	longPrompt := make([]byte, maxPromptLength+1)
	for i := range longPrompt {
		longPrompt[i] = 'a'
	}
	body, _ := json.Marshal(ChatRequest{Prompt: string(longPrompt)})
	req := httptest.NewRequest(http.MethodPost, "/api/chats/chat-1/messages", bytes.NewReader(body))
	req = req.WithContext(middleware.WithUserID(req.Context(), "user-1"))
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("chatId", "chat-1")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	rec := httptest.NewRecorder()

	handler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestProgressStream_RequiresRequestID(t *testing.T) {
	broker := progress.New()
	defer broker.Stop()
	handler := ProgressStream(broker)

	req := httptest.NewRequest(http.MethodGet, "/api/chats/stream", nil)
	rec := httptest.NewRecorder()

	handler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestProgressStream_StreamsStepsThenDone(t *testing.T) {
	broker := progress.New()
	defer broker.Stop()
	handler := ProgressStream(broker)

	req := httptest.NewRequest(http.MethodGet, "/api/chats/stream?requestId=req-1", nil)
	ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
	defer cancel()
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()

	go func() {
		broker.Publish("req-1", progress.Event{Label: "scope_gate"})
		broker.Publish("req-1", progress.Event{Label: "done"})
	}()

	handler(rec, req)

	out := rec.Body.String()
	for _, want := range []string{"event: open", "event: step", "event: done"} {
		if !bytes.Contains([]byte(out), []byte(want)) {
			t.Errorf("stream output missing %q, got:\n%s", want, out)
		}
	}
}
