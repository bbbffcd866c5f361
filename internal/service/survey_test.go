package service

import (
	"context"
	"testing"

	"github.com/connexus-ai/uia-backend/internal/model"
)

func TestBuildEmploymentSurvey_RendersAllCategories(t *testing.T) {
	catalog := &fakeCatalog{
		version: "v3",
		categories: []model.EmploymentCategory{
			{ID: "ec_swe", Name: "Software Engineer"},
			{ID: "ec_ds", Name: "Data Scientist"},
		},
	}
	b := NewSurveyBuilder(catalog, &fakeChatState{})

	survey, err := b.BuildEmploymentSurvey(context.Background())
	if err != nil {
		t.Fatalf("BuildEmploymentSurvey() error: %v", err)
	}
	if survey.VaultVersion != "v3" {
		t.Errorf("VaultVersion = %q, want v3", survey.VaultVersion)
	}
	if len(survey.Options) != 2 {
		t.Fatalf("Options = %d, want 2", len(survey.Options))
	}
	if survey.Options[0].ID != "ec_swe" || survey.Options[0].Label != "Software Engineer" {
		t.Errorf("Options[0] = %+v", survey.Options[0])
	}
}

func TestBuildSkillsSurvey_CapsAtFourAndAllowsSystemDecide(t *testing.T) {
	catalog := &fakeCatalog{
		version: "v1",
		skills: []model.Skill{
			{ID: "sk_go", CategoryID: "ec_swe", Name: "Go"},
			{ID: "sk_py", CategoryID: "ec_swe", Name: "Python"},
			{ID: "sk_sql", CategoryID: "ec_ds", Name: "SQL"},
		},
	}
	b := NewSurveyBuilder(catalog, &fakeChatState{})

	survey, err := b.BuildSkillsSurvey(context.Background(), "ec_swe")
	if err != nil {
		t.Fatalf("BuildSkillsSurvey() error: %v", err)
	}
	if survey.Max != defaultMaxSkillSelect {
		t.Errorf("Max = %d, want %d", survey.Max, defaultMaxSkillSelect)
	}
	if !survey.LetSystemDecide {
		t.Error("LetSystemDecide = false, want true")
	}
	if len(survey.Options) != 2 {
		t.Errorf("Options = %d, want 2 (only ec_swe skills)", len(survey.Options))
	}
	if survey.EmploymentCategoryID != "ec_swe" {
		t.Errorf("EmploymentCategoryID = %q, want ec_swe", survey.EmploymentCategoryID)
	}
}

func TestBuildInsightSurveys_NoTouchedBatchesYieldsEmptyEnvelope(t *testing.T) {
	catalog := &fakeCatalog{version: "v1"}
	state := &fakeChatState{session: &model.ChatInsightSession{ChatID: "chat-1"}}
	b := NewSurveyBuilder(catalog, state)

	env, err := b.BuildInsightSurveys(context.Background(), "chat-1")
	if err != nil {
		t.Fatalf("BuildInsightSurveys() error: %v", err)
	}
	if len(env.Batches) != 0 {
		t.Errorf("Batches = %d, want 0", len(env.Batches))
	}
}

func TestBuildInsightSurveys_OrdersQuestionOnlyBeforeBatchFill(t *testing.T) {
	batch := model.InsightBatch{
		BatchID:  "batch-1",
		Name:     "Core Skills",
		Language: "en",
		Active:   true,
		Insights: []model.Insight{
			{InsightID: "ins-fill", BatchID: "batch-1", Question: "fill q", IsActive: true, Answers: map[string]model.Answer{"A": {Text: "Yes"}}},
			{InsightID: "ins-q", BatchID: "batch-1", Question: "question-only q", IsActive: true, Answers: map[string]model.Answer{"A": {Text: "Yes"}}},
		},
	}
	catalog := &fakeCatalog{version: "v1", batches: []model.InsightBatch{batch}}
	state := &fakeChatState{
		session: &model.ChatInsightSession{ChatID: "chat-1", TouchedBatchIDs: map[string]bool{"batch-1": true}},
		pendingByBatch: map[string][]model.ChatInsightState{
			"batch-1": {
				{InsightID: "ins-fill", BatchID: "batch-1", PendingReason: model.PendingBatchFill, Meta: model.InsightMeta{Confidence: 0.9}},
				{InsightID: "ins-q", BatchID: "batch-1", PendingReason: model.PendingQuestionOnly, Meta: model.InsightMeta{Confidence: 0.1}},
			},
		},
	}
	b := NewSurveyBuilder(catalog, state)

	env, err := b.BuildInsightSurveys(context.Background(), "chat-1")
	if err != nil {
		t.Fatalf("BuildInsightSurveys() error: %v", err)
	}
	if len(env.Batches) != 1 {
		t.Fatalf("Batches = %d, want 1", len(env.Batches))
	}
	questions := env.Batches[0].Questions
	if len(questions) != 2 {
		t.Fatalf("Questions = %d, want 2", len(questions))
	}
	if questions[0].InsightID != "ins-q" {
		t.Errorf("Questions[0].InsightID = %q, want question_only row first", questions[0].InsightID)
	}
}
