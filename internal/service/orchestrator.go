package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/connexus-ai/uia-backend/internal/apperr"
	"github.com/connexus-ai/uia-backend/internal/model"
	"github.com/connexus-ai/uia-backend/internal/progress"
)

// MessageStore is the transcript persistence boundary the orchestrator
// writes through. Chat/message CRUD storage itself lives outside the
// core (the persistence layer is an external collaborator); this
// interface is the contract the core depends on.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *model.Message) error
	LastAssistantMessage(ctx context.Context, chatID string) (*model.Message, error)
}

// RAGAnswerCache is an optional cache of RAG answers keyed by chat and
// question, letting the orchestrator skip a repeated or retried prompt's
// retrieve/rerank/compose pipeline. Satisfied by *cache.AnswerCache.
type RAGAnswerCache interface {
	Get(chatID, question string) (*RAGAnswer, bool)
	Set(chatID, question string, answer *RAGAnswer)
}

var (
	turnMu  sync.Mutex
	turning = make(map[string]bool)
)

// TurnInput is a single incoming user message.
type TurnInput struct {
	ChatID    string
	UserID    string
	Prompt    string
	RequestID string
}

// TurnOutput is the assistant message composed for the turn, shaped to
// mirror the per-turn HTTP surface's assistant record.
type TurnOutput struct {
	Message model.Message
}

// TurnOrchestrator implements C11: it runs scope gate, employment/
// skills intent handling, Stage-1 insight inference, the RAG answer,
// and nudge generation in strict sequence for a single user turn,
// streaming step events and persisting both sides of the exchange.
type TurnOrchestrator struct {
	messages MessageStore
	state    ChatStateStore
	catalog  CatalogReader
	intent   *IntentDetector
	surveys  *SurveyBuilder
	insights *InsightEngine
	rag      *RAGEngine
	nudge    *NudgeEngine
	broker   *progress.Broker
	ragCache RAGAnswerCache
	log      *slog.Logger

	// persistable gates which employment category ids may be written to
	// ChatUIAState.EmploymentCategoryID. Defaults to allowing any
	// category in the active taxonomy (Open Question iii: resolved as
	// an allowlist configured at startup, not a per-call decision).
	persistable func(categoryID string) bool
}

// NewTurnOrchestrator wires C11 from its already-constructed stage
// dependencies.
func NewTurnOrchestrator(
	messages MessageStore,
	state ChatStateStore,
	catalog CatalogReader,
	intent *IntentDetector,
	surveys *SurveyBuilder,
	insights *InsightEngine,
	rag *RAGEngine,
	nudge *NudgeEngine,
	broker *progress.Broker,
	log *slog.Logger,
) *TurnOrchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &TurnOrchestrator{
		messages: messages, state: state, catalog: catalog,
		intent: intent, surveys: surveys, insights: insights,
		rag: rag, nudge: nudge, broker: broker, log: log,
		persistable: func(string) bool { return true },
	}
}

// WithRAGAnswerCache attaches an optional answer cache and returns the
// same orchestrator for chaining.
func (o *TurnOrchestrator) WithRAGAnswerCache(c RAGAnswerCache) *TurnOrchestrator {
	o.ragCache = c
	return o
}

// WithPersistableCheck overrides which employment category ids may be
// recorded against a chat, e.g. config.Config.IsPersistable.
func (o *TurnOrchestrator) WithPersistableCheck(fn func(categoryID string) bool) *TurnOrchestrator {
	if fn != nil {
		o.persistable = fn
	}
	return o
}

func (o *TurnOrchestrator) publish(requestID, label string) {
	if o.broker == nil || requestID == "" {
		return
	}
	o.broker.Publish(requestID, progress.Event{Step: 0, Label: label})
}

// RunTurn executes the full C11 pipeline for one user message.
func (o *TurnOrchestrator) RunTurn(ctx context.Context, in TurnInput) (*TurnOutput, error) {
	turnMu.Lock()
	if turning[in.ChatID] {
		turnMu.Unlock()
		return nil, apperr.Conflict(fmt.Sprintf("chat %s is already processing a turn", in.ChatID))
	}
	turning[in.ChatID] = true
	turnMu.Unlock()
	defer func() {
		turnMu.Lock()
		delete(turning, in.ChatID)
		turnMu.Unlock()
	}()

	out, err := o.runTurnLocked(ctx, in)
	if err != nil {
		o.publish(in.RequestID, "error")
		o.log.ErrorContext(ctx, "orchestrator turn failed", "chatId", in.ChatID, "err", err)
		return nil, err
	}
	return out, nil
}

func (o *TurnOrchestrator) runTurnLocked(ctx context.Context, in TurnInput) (*TurnOutput, error) {
	o.log.InfoContext(ctx, "turn starting", "chatId", in.ChatID, "requestId", in.RequestID)

	// Step 1: persist the user message.
	userMsg := &model.Message{
		ID:        uuid.New().String(),
		ChatID:    in.ChatID,
		Role:      model.RoleUser,
		Type:      model.MessageText,
		Content:   in.Prompt,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.messages.SaveMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("orchestrator.RunTurn: persist user message: %w", err)
	}
	o.publish(in.RequestID, "user_message_saved")

	prevAssistant, err := o.messages.LastAssistantMessage(ctx, in.ChatID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator.RunTurn: last assistant message: %w", err)
	}
	prevEncouragement := ""
	if prevAssistant != nil {
		prevEncouragement = prevAssistant.EncQuestion
	}

	// Step 2: scope gate.
	o.publish(in.RequestID, "scope_gate")
	scope, err := o.intent.ClassifyScope(ctx, in.Prompt, prevEncouragement)
	if err != nil {
		return nil, fmt.Errorf("orchestrator.RunTurn: scope gate: %w", err)
	}
	if !scope.Proceed {
		assistantMsg := &model.Message{
			ID:         uuid.New().String(),
			ChatID:     in.ChatID,
			Role:       model.RoleAssistant,
			Type:       model.MessageText,
			Content:    scope.Message,
			ScopeLabel: model.ScopeOutOfScope,
			CreatedAt:  time.Now().UTC(),
		}
		if err := o.messages.SaveMessage(ctx, assistantMsg); err != nil {
			return nil, fmt.Errorf("orchestrator.RunTurn: persist out-of-scope reply: %w", err)
		}
		o.publish(in.RequestID, "done")
		return &TurnOutput{Message: *assistantMsg}, nil
	}

	// Step 3: employment/skills intent handling.
	o.publish(in.RequestID, "intent_detect")
	intentResult, err := o.intent.DetectIntent(ctx, in.Prompt)
	if err != nil {
		return nil, fmt.Errorf("orchestrator.RunTurn: detect intent: %w", err)
	}

	uiaState, err := o.state.GetUIAState(ctx, in.ChatID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator.RunTurn: get uia state: %w", err)
	}
	vaultVersion, err := o.catalog.ActiveVaultVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("orchestrator.RunTurn: active vault version: %w", err)
	}

	categoryKnown := uiaState != nil && uiaState.EmploymentCategoryID != nil
	skillsDone := uiaState != nil && uiaState.SkillsRecorded()

	uiaAction := ""
	var surveyPayload any
	var surveyType string

	switch {
	case !categoryKnown && intentResult.CategoryHit != "" && intentResult.EmploymentIntent && o.persistable(intentResult.CategoryHit):
		// Explicit category name in this message, none recorded yet, and the
		// category clears the configured allowlist: record it, first-time only.
		// A hit that fails the allowlist falls through to the survey case below
		// instead of being persisted.
		if err := o.state.UpsertEmploymentCategory(ctx, in.ChatID, intentResult.CategoryHit, vaultVersion); err != nil {
			return nil, fmt.Errorf("orchestrator.RunTurn: record category: %w", err)
		}
		categoryKnown = true
		o.publish(in.RequestID, "employment_category_recorded")

	case !categoryKnown && intentResult.EmploymentIntent:
		survey, err := o.surveys.BuildEmploymentSurvey(ctx)
		if err != nil {
			return nil, fmt.Errorf("orchestrator.RunTurn: build employment survey: %w", err)
		}
		uiaAction = "show_ec_survey"
		surveyType = "employment_category"
		surveyPayload = survey
		o.publish(in.RequestID, "show_ec_survey")

	case categoryKnown && !skillsDone && intentResult.SkillsIntent:
		survey, err := o.surveys.BuildSkillsSurvey(ctx, *uiaState.EmploymentCategoryID)
		if err != nil {
			return nil, fmt.Errorf("orchestrator.RunTurn: build skills survey: %w", err)
		}
		uiaAction = "show_skills_survey"
		surveyType = "skills"
		surveyPayload = survey
		o.publish(in.RequestID, "show_skills_survey")
	}

	// Step 4: Stage-1 insight inference, unconditional every turn.
	o.publish(in.RequestID, "insight_inference")
	insightResult, err := o.insights.Run(ctx, in.ChatID, in.Prompt)
	if err != nil {
		return nil, fmt.Errorf("orchestrator.RunTurn: insight inference: %w", err)
	}

	surveysPrepared := 0
	if surveyPayload == nil && categoryKnown && skillsDone {
		insightSurveys, err := o.surveys.BuildInsightSurveys(ctx, in.ChatID)
		if err != nil {
			return nil, fmt.Errorf("orchestrator.RunTurn: build insight surveys: %w", err)
		}
		if len(insightSurveys.Batches) > 0 {
			surveyType = "insight"
			surveyPayload = insightSurveys
			o.publish(in.RequestID, "show_insight_survey")
		} else {
			surveysPrepared = 100
		}
	} else if surveyPayload == nil {
		// prerequisites not met for the insight survey; nothing attached.
		o.log.InfoContext(ctx, "insight survey skipped", "chatId", in.ChatID, "reason", "prereqs_not_met")
	}

	// Step 5: RAG answer. Tolerate failure — proceed with no answer.
	o.publish(in.RequestID, "rag_answer")
	var ragAnswer *RAGAnswer
	if o.ragCache != nil {
		if cached, ok := o.ragCache.Get(in.ChatID, in.Prompt); ok {
			ragAnswer = cached
		}
	}
	if ragAnswer == nil {
		ragResult, ragErr := o.rag.Answer(ctx, RAGRequest{
			CurrentQuestion:  in.Prompt,
			PreviousQuestion: prevEncouragement,
		})
		if ragErr != nil {
			o.log.WarnContext(ctx, "rag answer failed, proceeding without it", "chatId", in.ChatID, "err", ragErr)
			ragAnswer = &RAGAnswer{Used: false, Sources: []model.MessageSource{}}
		} else {
			ragAnswer = ragResult
			if o.ragCache != nil && ragAnswer.Used {
				o.ragCache.Set(in.ChatID, in.Prompt, ragAnswer)
			}
		}
	}

	// Step 6: nudge.
	o.publish(in.RequestID, "nudge")
	var encouragement *Encouragement
	if surveyPayload == nil {
		encouragement, err = o.nudge.Determine(ctx, NudgeRequest{
			ChatID:          in.ChatID,
			UserMessage:     in.Prompt,
			UIAAction:       uiaAction,
			SurveysPrepared: surveysPrepared,
			TouchedBatchIDs: insightResult.TouchedBatchIDs,
		})
		if err != nil {
			return nil, fmt.Errorf("orchestrator.RunTurn: nudge: %w", err)
		}
	}

	// Step 7: compose the assistant message. A survey from step 3/4
	// always wins over an encouragement question.
	content := ""
	sources := []model.MessageSource{}
	if ragAnswer.Used {
		content = ragAnswer.AnswerMarkdown
		sources = ragAnswer.Sources
	}

	encQuestion := ""
	if surveyPayload == nil && encouragement != nil && encouragement.Stage != NudgeNone {
		encQuestion = encouragement.Question
	}

	msgType := model.MessageText
	if surveyPayload != nil {
		msgType = model.MessageSurvey
	}

	assistantMsg := &model.Message{
		ID:          uuid.New().String(),
		ChatID:      in.ChatID,
		Role:        model.RoleAssistant,
		Type:        msgType,
		Content:     content,
		SurveyType:  surveyType,
		Survey:      surveyPayload,
		EncQuestion: encQuestion,
		Sources:     sources,
		CreatedAt:   time.Now().UTC(),
	}

	// Step 8: persist, emit done.
	if err := o.messages.SaveMessage(ctx, assistantMsg); err != nil {
		return nil, fmt.Errorf("orchestrator.RunTurn: persist assistant message: %w", err)
	}
	o.publish(in.RequestID, "done")

	o.log.InfoContext(ctx, "turn completed", "chatId", in.ChatID, "ragUsed", ragAnswer.Used, "surveyType", surveyType)
	return &TurnOutput{Message: *assistantMsg}, nil
}
