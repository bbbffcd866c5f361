package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/connexus-ai/uia-backend/internal/index"
	"github.com/connexus-ai/uia-backend/internal/llmclient"
	"github.com/connexus-ai/uia-backend/internal/model"
)

// scriptedLLM replies with a fixed JSON string whenever the prompt (or
// its system prompt) contains a registered substring; otherwise it
// returns a default empty-ish response.
type scriptedLLM struct {
	mu      sync.Mutex
	byMatch map[string]string
	calls   []string
}

func (s *scriptedLLM) CompleteJSON(ctx context.Context, prompt string, opts llmclient.Options) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, opts.System)
	for match, resp := range s.byMatch {
		if strings.Contains(opts.System, match) || strings.Contains(prompt, match) {
			return resp, nil
		}
	}
	return `{}`, nil
}

// fakeCatalog is an in-memory CatalogReader fixture.
type fakeCatalog struct {
	version    string
	categories []model.EmploymentCategory
	skills     []model.Skill
	batches    []model.InsightBatch
}

func (f *fakeCatalog) ActiveVaultVersion(ctx context.Context) (string, error) { return f.version, nil }
func (f *fakeCatalog) ListEmploymentCategories(ctx context.Context) ([]model.EmploymentCategory, error) {
	return f.categories, nil
}
func (f *fakeCatalog) GetEmploymentCategory(ctx context.Context, id string) (*model.EmploymentCategory, error) {
	for i := range f.categories {
		if f.categories[i].ID == id {
			return &f.categories[i], nil
		}
	}
	return nil, fmt.Errorf("not found")
}
func (f *fakeCatalog) ListSkills(ctx context.Context, categoryID string) ([]model.Skill, error) {
	out := make([]model.Skill, 0)
	for _, s := range f.skills {
		if s.CategoryID == categoryID {
			out = append(out, s)
		}
	}
	return out, nil
}
func (f *fakeCatalog) ValidateSkillSet(ctx context.Context, categoryID string, ids []string) (bool, error) {
	return true, nil
}
func (f *fakeCatalog) ListActiveInsightBatches(ctx context.Context) ([]model.InsightBatch, error) {
	return f.batches, nil
}
func (f *fakeCatalog) InsightBatchID(ctx context.Context, insightID string) (string, error) {
	for _, b := range f.batches {
		for _, ins := range b.Insights {
			if ins.InsightID == insightID {
				return b.BatchID, nil
			}
		}
	}
	return "", fmt.Errorf("not found")
}
func (f *fakeCatalog) BuildVaultPack(ctx context.Context) (string, error) { return `{"batches":[]}`, nil }

// fakeChatState is an in-memory ChatStateStore fixture, sufficient for
// the orchestrator's skip-survey happy path.
type fakeChatState struct {
	uia            *model.ChatUIAState
	session        *model.ChatInsightSession
	fullyTaken     []string
	pendingByBatch map[string][]model.ChatInsightState

	// alreadyTaken simulates GetTakenAndPending's first return value;
	// nil (the zero value) behaves like "nothing taken yet".
	alreadyTaken map[string]bool

	// Recorded for assertions in insight-engine tests; zero value keeps
	// every other caller's behavior unchanged.
	mu           sync.Mutex
	takenSingle  []takenSingleCall
	takenMulti   []takenMultiCall
	pendingCalls []pendingCall
}

type takenSingleCall struct {
	chatID, batchID, insightID, answerID string
}

type takenMultiCall struct {
	chatID, batchID, insightID string
	answerIDs                  []string
}

type pendingCall struct {
	chatID, batchID, insightID string
	reason                     model.PendingReason
}

func (f *fakeChatState) GetUIAState(ctx context.Context, chatID string) (*model.ChatUIAState, error) {
	return f.uia, nil
}
func (f *fakeChatState) UpsertEmploymentCategory(ctx context.Context, chatID, categoryID, vaultVersion string) error {
	f.uia = &model.ChatUIAState{ChatID: chatID, EmploymentCategoryID: &categoryID, VaultVersion: vaultVersion}
	return nil
}
func (f *fakeChatState) UpsertSkills(ctx context.Context, chatID string, skillIDs []string, letSystemDecide bool, vaultVersion string) error {
	return nil
}
func (f *fakeChatState) GetSession(ctx context.Context, chatID string) (*model.ChatInsightSession, error) {
	return f.session, nil
}
func (f *fakeChatState) TouchBatch(ctx context.Context, chatID, batchID, vaultVersion string) error {
	return nil
}
func (f *fakeChatState) GetTakenAndPending(ctx context.Context, chatID string) (map[string]bool, map[string]bool, error) {
	if f.alreadyTaken != nil {
		return f.alreadyTaken, map[string]bool{}, nil
	}
	return map[string]bool{}, map[string]bool{}, nil
}
func (f *fakeChatState) ListPendingByBatch(ctx context.Context, chatID string, batchIDs []string) (map[string][]model.ChatInsightState, error) {
	return f.pendingByBatch, nil
}
func (f *fakeChatState) UpsertPending(ctx context.Context, chatID, batchID, insightID string, reason model.PendingReason, vaultVersion string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pendingCalls = append(f.pendingCalls, pendingCall{chatID, batchID, insightID, reason})
	return nil
}
func (f *fakeChatState) TakeSingle(ctx context.Context, chatID, batchID, insightID, answerID string, meta model.InsightMeta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.takenSingle = append(f.takenSingle, takenSingleCall{chatID, batchID, insightID, answerID})
	return nil
}
func (f *fakeChatState) TakeMulti(ctx context.Context, chatID, batchID, insightID string, answerIDs []string, meta model.InsightMeta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.takenMulti = append(f.takenMulti, takenMultiCall{chatID, batchID, insightID, answerIDs})
	return nil
}
func (f *fakeChatState) ExpandBatchPending(ctx context.Context, chatID, batchID string, candidateInsightIDs []string, vaultVersion string) error {
	return nil
}
func (f *fakeChatState) RecomputeStats(ctx context.Context, chatID string) (model.InsightStats, error) {
	return model.InsightStats{}, nil
}
func (f *fakeChatState) ListFullyTakenBatches(ctx context.Context, chatID string) ([]string, error) {
	return f.fullyTaken, nil
}

// fakeMessageStore is an in-memory MessageStore fixture.
type fakeMessageStore struct {
	mu       sync.Mutex
	saved    []model.Message
	lastAsst *model.Message
}

func (f *fakeMessageStore) SaveMessage(ctx context.Context, msg *model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, *msg)
	if msg.Role == model.RoleAssistant {
		cp := *msg
		f.lastAsst = &cp
	}
	return nil
}
func (f *fakeMessageStore) LastAssistantMessage(ctx context.Context, chatID string) (*model.Message, error) {
	return f.lastAsst, nil
}

// erroringLoader stands in for an index.Loader when a test doesn't
// care about RAG output; the orchestrator must tolerate its failure
// and proceed with no answer (spec §4.11 step 5).
type erroringLoader struct{}

func (erroringLoader) Load() (*index.Artifacts, error) {
	return nil, fmt.Errorf("no index loaded in test")
}

func newTestOrchestrator(t *testing.T, llm llmclient.Client, catalog CatalogReader, state ChatStateStore, messages MessageStore) *TurnOrchestrator {
	t.Helper()
	intent := NewIntentDetector(llm, catalog)
	surveys := NewSurveyBuilder(catalog, state)
	insights := NewInsightEngine(llm, catalog, state, "", nil)
	retriever := NewHybridRetriever(erroringLoader{}, nil)
	rag := NewRAGEngine(llm, retriever, nil, RAGEngineConfig{})
	nudge := NewNudgeEngine(llm, catalog, state)
	return NewTurnOrchestrator(messages, state, catalog, intent, surveys, insights, rag, nudge, nil, nil)
}

func TestTurnOrchestrator_OutOfScopeShortCircuits(t *testing.T) {
	llm := &scriptedLLM{byMatch: map[string]string{
		"Decision Gate": `{"proceed": false, "message": "I can only help with career and skills coaching."}`,
	}}
	catalog := &fakeCatalog{version: "v1"}
	state := &fakeChatState{}
	messages := &fakeMessageStore{}

	o := newTestOrchestrator(t, llm, catalog, state, messages)
	out, err := o.RunTurn(context.Background(), TurnInput{ChatID: "chat-1", Prompt: "write me a sorting algorithm in Python"})
	if err != nil {
		t.Fatalf("RunTurn() error: %v", err)
	}
	if out.Message.ScopeLabel != model.ScopeOutOfScope {
		t.Errorf("ScopeLabel = %q, want out_of_scope", out.Message.ScopeLabel)
	}
	if len(messages.saved) != 2 {
		t.Fatalf("saved messages = %d, want 2 (user + assistant)", len(messages.saved))
	}
	if messages.saved[0].Role != model.RoleUser || messages.saved[1].Role != model.RoleAssistant {
		t.Errorf("unexpected message role sequence: %+v", messages.saved)
	}
}

func TestTurnOrchestrator_RejectsConcurrentSameChatTurns(t *testing.T) {
	turnMu.Lock()
	turning["chat-busy"] = true
	turnMu.Unlock()
	defer func() {
		turnMu.Lock()
		delete(turning, "chat-busy")
		turnMu.Unlock()
	}()

	llm := &scriptedLLM{byMatch: map[string]string{}}
	catalog := &fakeCatalog{version: "v1"}
	state := &fakeChatState{}
	messages := &fakeMessageStore{}

	o := newTestOrchestrator(t, llm, catalog, state, messages)
	_, err := o.RunTurn(context.Background(), TurnInput{ChatID: "chat-busy", Prompt: "hello"})
	if err == nil {
		t.Fatal("RunTurn() expected conflict error for an already-processing chat, got nil")
	}
}

func TestTurnOrchestrator_InScopeNoPrereqsSkipsInsightSurvey(t *testing.T) {
	llm := &scriptedLLM{byMatch: map[string]string{
		"Decision Gate": `{"proceed": true}`,
	}}
	catalog := &fakeCatalog{version: "v1"}
	categoryID := "cat-1"
	state := &fakeChatState{uia: &model.ChatUIAState{ChatID: "chat-2", EmploymentCategoryID: &categoryID}}
	messages := &fakeMessageStore{}

	o := newTestOrchestrator(t, llm, catalog, state, messages)
	out, err := o.RunTurn(context.Background(), TurnInput{ChatID: "chat-2", Prompt: "what should I learn next?"})
	if err != nil {
		t.Fatalf("RunTurn() error: %v", err)
	}
	if out.Message.Type == model.MessageSurvey {
		t.Errorf("expected no survey attached when skills are not yet recorded and skills intent absent, got survey")
	}
}

func TestTurnOrchestrator_PersistableCheckRejectsCategory(t *testing.T) {
	llm := &scriptedLLM{byMatch: map[string]string{
		"Decision Gate":      `{"proceed": true}`,
		"boolean classifier": `{"employment_intent": true, "skills_intent": false, "category_hit": "cat-blocked", "confidence": 0.9}`,
	}}
	catalog := &fakeCatalog{version: "v1", categories: []model.EmploymentCategory{{ID: "cat-blocked", Name: "Blocked Category"}}}
	state := &fakeChatState{}
	messages := &fakeMessageStore{}

	o := newTestOrchestrator(t, llm, catalog, state, messages).
		WithPersistableCheck(func(categoryID string) bool { return categoryID != "cat-blocked" })

	out, err := o.RunTurn(context.Background(), TurnInput{ChatID: "chat-3", Prompt: "I work as a Blocked Category specialist"})
	if err != nil {
		t.Fatalf("RunTurn() error: %v", err)
	}
	if state.uia != nil && state.uia.EmploymentCategoryID != nil {
		t.Errorf("expected rejected category not to be persisted, got %q", *state.uia.EmploymentCategoryID)
	}
	if out.Message.Type != model.MessageSurvey {
		t.Errorf("expected the employment-category survey to be offered instead of a silent persist, got message type %q", out.Message.Type)
	}
}
