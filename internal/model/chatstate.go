package model

import "time"

// PendingReason classifies why a ChatInsightState row is pending rather
// than taken.
type PendingReason string

const (
	PendingQuestionOnly PendingReason = "question_only"
	PendingBatchFill    PendingReason = "batch_fill"
)

// InsightSource identifies how a taken/pending row was produced.
type InsightSource string

const (
	SourceAutoInference InsightSource = "auto-inference"
	SourceSurvey        InsightSource = "survey"
	SourceBatchExpand   InsightSource = "batch-expansion"
)

// InsightMode distinguishes a QA-style match from an answer-only match.
type InsightMode string

const (
	ModeQA         InsightMode = "qa"
	ModeAnswerOnly InsightMode = "answer_only"
)

// ChatUIAState is the per-chat employment-category / skills record.
// Invariant: once EmploymentCategoryID is set it never changes; once
// skills are recorded (LetSystemDecide or non-empty SkillsSelected)
// they are never re-recorded.
type ChatUIAState struct {
	ChatID              string   `json:"chatId"`
	EmploymentCategoryID *string `json:"employmentCategoryId,omitempty"`
	SkillsSelected      []string `json:"skillsSelected,omitempty"`
	LetSystemDecide     bool     `json:"letSystemDecide"`
	VaultVersion        string   `json:"vaultVersion"`
}

// SkillsRecorded reports whether the skills step has already completed.
func (s ChatUIAState) SkillsRecorded() bool {
	return s.LetSystemDecide || len(s.SkillsSelected) > 0
}

// InsightStats is the aggregate counter attached to a ChatInsightSession.
type InsightStats struct {
	TakenCount   int `json:"takenCount"`
	PendingCount int `json:"pendingCount"`
}

// ChatInsightSession tracks which batches have been touched for a chat.
type ChatInsightSession struct {
	ChatID          string          `json:"chatId"`
	TouchedBatchIDs map[string]bool `json:"touchedBatchIds"`
	Stats           InsightStats    `json:"stats"`
	VaultVersion    string          `json:"vaultVersion"`
}

// InsightMeta carries provenance for a ChatInsightState row.
type InsightMeta struct {
	Source       InsightSource `json:"source"`
	Mode         InsightMode   `json:"mode,omitempty"`
	Confidence   float64       `json:"confidence"`
	Evidence     []string      `json:"evidence,omitempty"`
	VaultVersion string        `json:"vaultVersion"`
}

// ChatInsightState is one row of per-(chat,insight) state.
// Invariant: if Taken is true, exactly one of AnswerID/AnswerIDs is set
// and non-empty; if pending (Taken is false and PendingReason != ""),
// neither is set.
type ChatInsightState struct {
	ChatID        string        `json:"chatId"`
	BatchID       string        `json:"batchId"`
	InsightID     string        `json:"insightId"`
	Taken         bool          `json:"taken"`
	AnswerID      *string       `json:"answerId,omitempty"`
	AnswerIDs     []string      `json:"answerIds,omitempty"`
	PendingReason PendingReason `json:"pendingReason,omitempty"`
	Meta          InsightMeta   `json:"meta"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}
