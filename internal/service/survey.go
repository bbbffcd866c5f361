package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/connexus-ai/uia-backend/internal/model"
)

// SurveyOption is one selectable choice in a rendered survey.
type SurveyOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// EmploymentSurvey is the single-select category picker shown before
// an employment category has been recorded.
type EmploymentSurvey struct {
	Type         string         `json:"type"`
	Title        string         `json:"title"`
	Help         string         `json:"help"`
	Options      []SurveyOption `json:"options"`
	VaultVersion string         `json:"vaultVersion"`
}

// SkillsSurvey is the multi-select (up to max) skills picker, shown
// once an employment category is known but skills are not yet recorded.
type SkillsSurvey struct {
	Type                string         `json:"type"`
	Title               string         `json:"title"`
	Help                string         `json:"help"`
	Max                 int            `json:"max"`
	Options             []SurveyOption `json:"options"`
	LetSystemDecide     bool           `json:"letSystemDecide"`
	EmploymentCategoryID string        `json:"employmentCategoryId"`
	VaultVersion        string         `json:"vaultVersion"`
}

// SurveyQuestion is one insight rendered inside an insight batch survey.
type SurveyQuestion struct {
	InsightID     string         `json:"insightId"`
	UIQuestion    string         `json:"uiQuestion"`
	Type          string         `json:"type"` // "single" | "multi"
	Options       []SurveyOption `json:"options"`
	IncludeOther  bool           `json:"includeOther"`
	OtherLabel    string         `json:"noteOtherLabel"`
}

// SurveyPayload is one pending insight batch rendered as a survey.
type SurveyPayload struct {
	BatchID  string           `json:"batchId"`
	Title    string           `json:"title"`
	Language string           `json:"language"`
	Questions []SurveyQuestion `json:"questions"`
	Ordering string           `json:"ordering"`
}

// InsightSurveyEnvelope wraps all pending insight-batch surveys for a
// chat; empty Batches means nothing is owed right now.
type InsightSurveyEnvelope struct {
	SurveyType   string          `json:"surveyType"`
	VaultVersion string          `json:"vaultVersion"`
	Language     string          `json:"language"`
	Batches      []SurveyPayload `json:"batches"`
}

const defaultMaxSkillSelect = 4

// SurveyBuilder renders C8's three survey shapes from the live
// taxonomy and per-chat pending state.
type SurveyBuilder struct {
	catalog CatalogReader
	state   ChatStateStore
}

// NewSurveyBuilder creates a SurveyBuilder.
func NewSurveyBuilder(catalog CatalogReader, state ChatStateStore) *SurveyBuilder {
	return &SurveyBuilder{catalog: catalog, state: state}
}

// BuildEmploymentSurvey renders the single-select category picker.
func (b *SurveyBuilder) BuildEmploymentSurvey(ctx context.Context) (*EmploymentSurvey, error) {
	vaultVersion, err := b.catalog.ActiveVaultVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("service.BuildEmploymentSurvey: vault version: %w", err)
	}
	categories, err := b.catalog.ListEmploymentCategories(ctx)
	if err != nil {
		return nil, fmt.Errorf("service.BuildEmploymentSurvey: list categories: %w", err)
	}
	options := make([]SurveyOption, 0, len(categories))
	for _, c := range categories {
		options = append(options, SurveyOption{ID: c.ID, Label: c.Name})
	}
	return &EmploymentSurvey{
		Type:         "single-select",
		Title:        "Choose your employment category",
		Help:         "Pick the one that best describes you.",
		Options:      options,
		VaultVersion: vaultVersion,
	}, nil
}

// BuildSkillsSurvey renders the up-to-4 multi-select skills picker for
// the given category, with a let-the-system-decide shortcut.
func (b *SurveyBuilder) BuildSkillsSurvey(ctx context.Context, categoryID string) (*SkillsSurvey, error) {
	vaultVersion, err := b.catalog.ActiveVaultVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("service.BuildSkillsSurvey: vault version: %w", err)
	}
	skills, err := b.catalog.ListSkills(ctx, categoryID)
	if err != nil {
		return nil, fmt.Errorf("service.BuildSkillsSurvey: list skills: %w", err)
	}
	options := make([]SurveyOption, 0, len(skills))
	for _, s := range skills {
		options = append(options, SurveyOption{ID: s.ID, Label: s.Name})
	}
	return &SkillsSurvey{
		Type:                "multi-select-with-limit",
		Title:               fmt.Sprintf("Pick up to %d skills to focus on", defaultMaxSkillSelect),
		Help:                "You can choose 1-4, or let the system decide for you.",
		Max:                 defaultMaxSkillSelect,
		Options:             options,
		LetSystemDecide:     true,
		EmploymentCategoryID: categoryID,
		VaultVersion:        vaultVersion,
	}, nil
}

// BuildInsightSurveys renders one SurveyPayload per touched batch that
// still has pending rows. Within a batch, question_only rows sort
// before batch_fill rows, tie-broken by descending confidence.
func (b *SurveyBuilder) BuildInsightSurveys(ctx context.Context, chatID string) (*InsightSurveyEnvelope, error) {
	vaultVersion, err := b.catalog.ActiveVaultVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("service.BuildInsightSurveys: vault version: %w", err)
	}

	session, err := b.state.GetSession(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("service.BuildInsightSurveys: get session: %w", err)
	}
	if session == nil || len(session.TouchedBatchIDs) == 0 {
		return &InsightSurveyEnvelope{VaultVersion: vaultVersion, Language: "en", Batches: nil}, nil
	}

	touched := make([]string, 0, len(session.TouchedBatchIDs))
	for id, on := range session.TouchedBatchIDs {
		if on {
			touched = append(touched, id)
		}
	}
	sort.Strings(touched)

	pendingByBatch, err := b.state.ListPendingByBatch(ctx, chatID, touched)
	if err != nil {
		return nil, fmt.Errorf("service.BuildInsightSurveys: list pending: %w", err)
	}
	if len(pendingByBatch) == 0 {
		return &InsightSurveyEnvelope{VaultVersion: vaultVersion, Language: "en", Batches: nil}, nil
	}

	batches, err := b.catalog.ListActiveInsightBatches(ctx)
	if err != nil {
		return nil, fmt.Errorf("service.BuildInsightSurveys: list batches: %w", err)
	}
	batchByID := make(map[string]model.InsightBatch, len(batches))
	for _, bt := range batches {
		batchByID[bt.BatchID] = bt
	}

	payloads := make([]SurveyPayload, 0, len(pendingByBatch))
	for batchID, pending := range pendingByBatch {
		batch, ok := batchByID[batchID]
		if !ok {
			continue
		}
		insightsByID := make(map[string]model.Insight, len(batch.Insights))
		for _, ins := range batch.Insights {
			if ins.IsActive {
				insightsByID[ins.InsightID] = ins
			}
		}

		ordered := make([]model.ChatInsightState, len(pending))
		copy(ordered, pending)
		sort.SliceStable(ordered, func(i, j int) bool {
			ri, rj := orderRank(ordered[i].PendingReason), orderRank(ordered[j].PendingReason)
			if ri != rj {
				return ri < rj
			}
			return ordered[i].Meta.Confidence > ordered[j].Meta.Confidence
		})

		questions := make([]SurveyQuestion, 0, len(ordered))
		for _, row := range ordered {
			ins, ok := insightsByID[row.InsightID]
			if !ok {
				continue
			}
			qType := "single"
			if ins.IsMultiSelect {
				qType = "multi"
			}
			options := make([]SurveyOption, 0, len(ins.Answers))
			for answerID, ans := range ins.Answers {
				options = append(options, SurveyOption{ID: answerID, Label: ans.Text})
			}
			sort.Slice(options, func(i, j int) bool { return options[i].ID < options[j].ID })
			questions = append(questions, SurveyQuestion{
				InsightID:    ins.InsightID,
				UIQuestion:   ins.Question,
				Type:         qType,
				Options:      options,
				IncludeOther: true,
				OtherLabel:   "Other (write-in)",
			})
		}
		if len(questions) == 0 {
			continue
		}

		payloads = append(payloads, SurveyPayload{
			BatchID:   batch.BatchID,
			Title:     fmt.Sprintf("%s (Follow-up)", batch.Name),
			Language:  orDefault(batch.Language, "en"),
			Questions: questions,
			Ordering:  "question_only_first",
		})
	}
	sort.Slice(payloads, func(i, j int) bool { return payloads[i].BatchID < payloads[j].BatchID })

	return &InsightSurveyEnvelope{
		SurveyType:   "insight",
		VaultVersion: vaultVersion,
		Language:     "en",
		Batches:      payloads,
	}, nil
}

func orderRank(reason model.PendingReason) int {
	if reason == model.PendingQuestionOnly {
		return 0
	}
	return 1
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
