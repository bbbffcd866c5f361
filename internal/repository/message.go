package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/connexus-ai/uia-backend/internal/model"
)

// MessageRepo implements C11's transcript persistence boundary over
// Postgres: one row per user/assistant message, keyed by chat.
type MessageRepo struct {
	pool *pgxpool.Pool
}

// NewMessageRepo creates a MessageRepo.
func NewMessageRepo(pool *pgxpool.Pool) *MessageRepo {
	return &MessageRepo{pool: pool}
}

// SaveMessage inserts msg, assigning a timestamp if absent. msg.ID is
// stored as given; the caller sets it.
func (r *MessageRepo) SaveMessage(ctx context.Context, msg *model.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	var surveyJSON, sourcesJSON []byte
	var err error
	if msg.Survey != nil {
		surveyJSON, err = json.Marshal(msg.Survey)
		if err != nil {
			return fmt.Errorf("repository.MessageRepo.SaveMessage: marshal survey: %w", err)
		}
	}
	sourcesJSON, err = json.Marshal(msg.Sources)
	if err != nil {
		return fmt.Errorf("repository.MessageRepo.SaveMessage: marshal sources: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO chat_messages
			(id, chat_id, role, type, content, survey_type, survey, enc_question, sources, scope_label, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, NULLIF($8, ''), $9, NULLIF($10, ''), $11)
	`,
		msg.ID, msg.ChatID, string(msg.Role), string(msg.Type), msg.Content,
		msg.SurveyType, surveyJSON, msg.EncQuestion, sourcesJSON, string(msg.ScopeLabel), msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("repository.MessageRepo.SaveMessage: %w", err)
	}
	return nil
}

// LastAssistantMessage returns the most recent assistant message for a
// chat, or nil if there isn't one yet.
func (r *MessageRepo) LastAssistantMessage(ctx context.Context, chatID string) (*model.Message, error) {
	var msg model.Message
	var role, typ, surveyType, encQuestion, scopeLabel string
	var surveyJSON, sourcesJSON []byte

	err := r.pool.QueryRow(ctx, `
		SELECT id, chat_id, role, type, content, COALESCE(survey_type, ''), survey,
		       COALESCE(enc_question, ''), sources, COALESCE(scope_label, ''), created_at
		FROM chat_messages
		WHERE chat_id = $1 AND role = 'assistant'
		ORDER BY created_at DESC
		LIMIT 1
	`, chatID).Scan(
		&msg.ID, &msg.ChatID, &role, &typ, &msg.Content, &surveyType, &surveyJSON,
		&encQuestion, &sourcesJSON, &scopeLabel, &msg.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository.MessageRepo.LastAssistantMessage: %w", err)
	}

	msg.Role = model.MessageRole(role)
	msg.Type = model.MessageType(typ)
	msg.SurveyType = surveyType
	msg.EncQuestion = encQuestion
	msg.ScopeLabel = model.ScopeLabel(scopeLabel)
	if len(surveyJSON) > 0 {
		var survey any
		if err := json.Unmarshal(surveyJSON, &survey); err != nil {
			return nil, fmt.Errorf("repository.MessageRepo.LastAssistantMessage: unmarshal survey: %w", err)
		}
		msg.Survey = survey
	}
	if len(sourcesJSON) > 0 {
		if err := json.Unmarshal(sourcesJSON, &msg.Sources); err != nil {
			return nil, fmt.Errorf("repository.MessageRepo.LastAssistantMessage: unmarshal sources: %w", err)
		}
	}
	return &msg, nil
}
