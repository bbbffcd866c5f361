package service

import (
	"context"
	"testing"

	"github.com/connexus-ai/uia-backend/internal/model"
)

func testInsightBatch() model.InsightBatch {
	return model.InsightBatch{
		BatchID: "batch-1",
		Name:    "Core",
		Active:  true,
		Insights: []model.Insight{
			{
				InsightID: "ins-1", BatchID: "batch-1", Question: "Do you prefer remote work?",
				IsActive: true,
				Answers:  map[string]model.Answer{"A": {Text: "Yes"}, "B": {Text: "No"}},
			},
		},
	}
}

func TestInsightEngine_Run_AutoTakesHighConfidenceMatch(t *testing.T) {
	llm := &scriptedLLM{byMatch: map[string]string{
		"Output ONLY JSON": `{"decisions":[{"insightId":"ins-1","batchId":"batch-1","matchType":"ANSWER_ONLY","matchedAnswerId":"A","decisionConfidence":0.9,"evidence":["I prefer remote"]}]}`,
	}}
	catalog := &fakeCatalog{version: "v1", batches: []model.InsightBatch{testInsightBatch()}}
	state := &fakeChatState{}
	e := NewInsightEngine(llm, catalog, state, "", nil)

	result, err := e.Run(context.Background(), "chat-1", "I prefer remote work")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if result.AutoTakenCount != 1 {
		t.Errorf("AutoTakenCount = %d, want 1", result.AutoTakenCount)
	}
	if len(state.takenSingle) != 1 || state.takenSingle[0].answerID != "A" {
		t.Errorf("takenSingle = %+v, want one call with answerID A", state.takenSingle)
	}
	if len(result.TouchedBatchIDs) != 1 || result.TouchedBatchIDs[0] != "batch-1" {
		t.Errorf("TouchedBatchIDs = %v, want [batch-1]", result.TouchedBatchIDs)
	}
}

func TestInsightEngine_Run_ParksQuestionOnlyBelowAutoTakeThreshold(t *testing.T) {
	llm := &scriptedLLM{byMatch: map[string]string{
		"Output ONLY JSON": `{"decisions":[{"insightId":"ins-1","batchId":"batch-1","matchType":"QUESTION_ONLY","matchedAnswerId":null,"decisionConfidence":0.65,"evidence":["talking about remote work"]}]}`,
	}}
	catalog := &fakeCatalog{version: "v1", batches: []model.InsightBatch{testInsightBatch()}}
	state := &fakeChatState{}
	e := NewInsightEngine(llm, catalog, state, "", nil)

	result, err := e.Run(context.Background(), "chat-1", "thinking about how I work")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if result.QuestionOnlyCount != 1 {
		t.Errorf("QuestionOnlyCount = %d, want 1", result.QuestionOnlyCount)
	}
	if len(state.pendingCalls) != 1 || state.pendingCalls[0].reason != model.PendingQuestionOnly {
		t.Errorf("pendingCalls = %+v, want one question_only row", state.pendingCalls)
	}
	if len(state.takenSingle) != 0 {
		t.Errorf("takenSingle = %+v, want none below the auto-take threshold", state.takenSingle)
	}
}

func TestInsightEngine_Run_SkipsAlreadyTakenInsightButTouchesBatch(t *testing.T) {
	llm := &scriptedLLM{byMatch: map[string]string{
		"Output ONLY JSON": `{"decisions":[{"insightId":"ins-1","batchId":"batch-1","matchType":"ANSWER_ONLY","matchedAnswerId":"A","decisionConfidence":0.99,"evidence":["..."]}]}`,
	}}
	catalog := &fakeCatalog{version: "v1", batches: []model.InsightBatch{testInsightBatch()}}
	state := &fakeChatState{alreadyTaken: map[string]bool{"ins-1": true}}
	e := NewInsightEngine(llm, catalog, state, "", nil)

	result, err := e.Run(context.Background(), "chat-1", "remote please")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if result.AutoTakenCount != 0 {
		t.Errorf("AutoTakenCount = %d, want 0 for an already-taken insight", result.AutoTakenCount)
	}
	if len(state.takenSingle) != 0 {
		t.Errorf("takenSingle = %+v, want no new take for an already-taken insight", state.takenSingle)
	}
	if len(result.TouchedBatchIDs) != 1 || result.TouchedBatchIDs[0] != "batch-1" {
		t.Errorf("TouchedBatchIDs = %v, want [batch-1] even when the insight itself is skipped", result.TouchedBatchIDs)
	}
}

func TestInsightEngine_Run_LLMFailureDegradesGracefully(t *testing.T) {
	catalog := &fakeCatalog{version: "v1", batches: []model.InsightBatch{testInsightBatch()}}
	state := &fakeChatState{}
	e := NewInsightEngine(erroringLLM{}, catalog, state, "", nil)

	result, err := e.Run(context.Background(), "chat-1", "anything")
	if err != nil {
		t.Fatalf("Run() error: %v, want graceful degradation instead", err)
	}
	if result.AutoTakenCount != 0 || len(result.TouchedBatchIDs) != 0 {
		t.Errorf("result = %+v, want a no-op result when the LLM call fails", result)
	}
}

func TestParseMultiAnswerIDs_FiltersToValidAndDedupes(t *testing.T) {
	valid := map[string]model.Answer{"A": {}, "B": {}}
	got := parseMultiAnswerIDs("a, B | a", valid)
	if len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Errorf("parseMultiAnswerIDs() = %v, want [A B]", got)
	}
}

func TestParseMultiAnswerIDs_NullAndEmpty(t *testing.T) {
	valid := map[string]model.Answer{"A": {}}
	if got := parseMultiAnswerIDs("null", valid); len(got) != 0 {
		t.Errorf("parseMultiAnswerIDs(null) = %v, want empty", got)
	}
	if got := parseMultiAnswerIDs("", valid); got != nil {
		t.Errorf("parseMultiAnswerIDs(\"\") = %v, want nil", got)
	}
}
