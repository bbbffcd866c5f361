package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/connexus-ai/uia-backend/internal/llmclient"
	"github.com/connexus-ai/uia-backend/internal/model"
)

func testCategories() []model.EmploymentCategory {
	return []model.EmploymentCategory{
		{ID: "ec_swe", Name: "Software Engineer"},
		{ID: "ec_ds", Name: "Data Scientist"},
	}
}

func TestIntentDetector_LLMPath(t *testing.T) {
	llm := &scriptedLLM{byMatch: map[string]string{
		"boolean classifier": `{"employment_intent": true, "skills_intent": false, "category_hit": "ec_swe", "confidence": 0.95}`,
	}}
	catalog := &fakeCatalog{categories: testCategories()}
	d := NewIntentDetector(llm, catalog)

	got, err := d.DetectIntent(context.Background(), "I am a software engineer")
	if err != nil {
		t.Fatalf("DetectIntent() error: %v", err)
	}
	if !got.EmploymentIntent || got.CategoryHit != "ec_swe" || got.Confidence != 0.95 {
		t.Errorf("DetectIntent() = %+v", got)
	}
}

func TestIntentDetector_FallsBackOnLLMError(t *testing.T) {
	llm := &erroringLLM{}
	catalog := &fakeCatalog{categories: testCategories()}
	d := NewIntentDetector(llm, catalog)

	got, err := d.DetectIntent(context.Background(), "I work as a Data Scientist and want to improve my skills")
	if err != nil {
		t.Fatalf("DetectIntent() error: %v", err)
	}
	if got.CategoryHit != "ec_ds" {
		t.Errorf("CategoryHit = %q, want ec_ds (fallback keyword match)", got.CategoryHit)
	}
	if !got.SkillsIntent {
		t.Error("SkillsIntent = false, want true (message mentions improving skills)")
	}
	if got.Confidence != 0.4 {
		t.Errorf("Confidence = %v, want the fallback's capped 0.4", got.Confidence)
	}
}

func TestIntentDetector_FallsBackOnUnparseableJSON(t *testing.T) {
	llm := &scriptedLLM{byMatch: map[string]string{
		"boolean classifier": `not valid json`,
	}}
	catalog := &fakeCatalog{categories: testCategories()}
	d := NewIntentDetector(llm, catalog)

	got, err := d.DetectIntent(context.Background(), "what's a good recipe for banana bread?")
	if err != nil {
		t.Fatalf("DetectIntent() error: %v", err)
	}
	if got.EmploymentIntent {
		t.Error("EmploymentIntent = true, want false for an unrelated message")
	}
}

// erroringLLM always fails CompleteJSON, forcing the fallback path.
type erroringLLM struct{}

func (erroringLLM) CompleteJSON(ctx context.Context, prompt string, opts llmclient.Options) (string, error) {
	return "", fmt.Errorf("erroringLLM: always fails")
}
