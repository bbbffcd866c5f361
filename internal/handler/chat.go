package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/connexus-ai/uia-backend/internal/apperr"
	"github.com/connexus-ai/uia-backend/internal/middleware"
	"github.com/connexus-ai/uia-backend/internal/progress"
	"github.com/connexus-ai/uia-backend/internal/service"
)

// ChatRequest is the send-message request body.
type ChatRequest struct {
	Prompt    string `json:"prompt"`
	RequestID string `json:"requestId,omitempty"`
}

// AssistantMessageResponse is the per-turn HTTP surface's assistant
// message record.
type AssistantMessageResponse struct {
	ID          string              `json:"id"`
	Role        string              `json:"role"`
	Content     string              `json:"content"`
	SurveyType  string              `json:"surveyType,omitempty"`
	Survey      any                 `json:"survey,omitempty"`
	EncQuestion string              `json:"encQuestion,omitempty"`
	Sources     []map[string]string `json:"sources,omitempty"`
}

const maxPromptLength = 10000

// SendMessage returns a handler that runs one turn of the UIA pipeline
// and returns the composed assistant message. POST /api/chats/{chatId}/messages
func SendMessage(orchestrator *service.TurnOrchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserIDFromContext(r.Context())
		if userID == "" {
			respondJSON(w, http.StatusUnauthorized, envelope{Success: false, Error: "unauthorized"})
			return
		}

		chatID := chi.URLParam(r, "chatId")
		if chatID == "" {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "chatId is required"})
			return
		}

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "invalid request body"})
			return
		}
		if req.Prompt == "" {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "prompt is required"})
			return
		}
		if len(req.Prompt) > maxPromptLength {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "prompt exceeds 10000 character limit"})
			return
		}

		out, err := orchestrator.RunTurn(r.Context(), service.TurnInput{
			ChatID:    chatID,
			UserID:    userID,
			Prompt:    req.Prompt,
			RequestID: req.RequestID,
		})
		if err != nil {
			writeOrchestratorError(w, err)
			return
		}

		msg := out.Message
		sources := make([]map[string]string, 0, len(msg.Sources))
		for _, s := range msg.Sources {
			sources = append(sources, map[string]string{"chunkId": s.ChunkID, "breadcrumb": s.Breadcrumb})
		}

		respondJSON(w, http.StatusOK, envelope{Success: true, Data: AssistantMessageResponse{
			ID:          msg.ID,
			Role:        string(msg.Role),
			Content:     msg.Content,
			SurveyType:  msg.SurveyType,
			Survey:      msg.Survey,
			EncQuestion: msg.EncQuestion,
			Sources:     sources,
		}})
	}
}

func writeOrchestratorError(w http.ResponseWriter, err error) {
	switch {
	case apperr.Is(err, apperr.KindConflict):
		respondJSON(w, http.StatusConflict, envelope{Success: false, Error: err.Error()})
	case apperr.Is(err, apperr.KindValidation):
		respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: err.Error()})
	default:
		slog.Error("chat turn failed", "err", err)
		respondJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "internal error"})
	}
}

// ProgressStream returns an SSE handler streaming C4 progress events
// for a single requestId. GET /api/chats/stream?requestId=...
func ProgressStream(broker *progress.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.URL.Query().Get("requestId")
		if requestID == "" {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "requestId is required"})
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		events := broker.Subscribe(requestID)
		sendEvent(w, flusher, "open", `{}`)

		heartbeat := time.NewTicker(30 * time.Second)
		defer heartbeat.Stop()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				fmt.Fprint(w, ": keep-alive\n\n")
				flusher.Flush()
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Label == "error" {
					sendEvent(w, flusher, "error", `{"message":"turn failed"}`)
					return
				}
				payload, _ := json.Marshal(ev)
				sendEvent(w, flusher, "step", string(payload))
				if ev.Label == "done" {
					sendEvent(w, flusher, "done", `{}`)
					return
				}
			}
		}
	}
}

// sendEvent writes a single SSE event in the standard format.
func sendEvent(w http.ResponseWriter, f http.Flusher, event, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	f.Flush()
}
