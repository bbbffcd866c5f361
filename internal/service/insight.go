package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/connexus-ai/uia-backend/internal/llmclient"
	"github.com/connexus-ai/uia-backend/internal/model"
)

const (
	autoTakeConfidence   = 0.75
	questionOnlyConfidence = 0.60
)

// matchTypeQuestionAndAnswer etc. are the LLM's allowed match classes.
const (
	matchQuestionAndAnswer = "QUESTION_AND_ANSWER"
	matchAnswerOnly        = "ANSWER_ONLY"
	matchQuestionOnly      = "QUESTION_ONLY"
)

// InsightRunResult summarizes a Stage-1 auto-inference pass.
type InsightRunResult struct {
	VaultVersion      string
	TouchedBatchIDs   []string
	Stats             model.InsightStats
	AutoTakenCount    int
	QuestionOnlyCount int
}

// insightDecision is one element of the LLM's strict-JSON response.
type insightDecision struct {
	InsightID          string   `json:"insightId"`
	BatchID            string   `json:"batchId"`
	MatchType          string   `json:"matchType"`
	MatchedAnswerID    any      `json:"matchedAnswerId"` // string, "null", or JSON null
	DecisionConfidence float64  `json:"decisionConfidence"`
	Evidence           []string `json:"evidence"`
}

type insightResponse struct {
	Decisions []insightDecision `json:"decisions"`
}

var multiAnswerSplit = regexp.MustCompile(`[|,/\s]+`)

// parseMultiAnswerIDs splits a pipe/comma/slash/space separated answer
// id string, uppercases, dedupes, and filters to ids present in
// validIDs. Mirrors the permissive parsing the model sometimes needs
// even for a nominally single-select insight.
func parseMultiAnswerIDs(raw string, validIDs map[string]model.Answer) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := multiAnswerSplit.Split(raw, -1)
	seen := make(map[string]struct{}, len(parts))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		key := strings.ToUpper(p)
		if key == "NULL" {
			continue
		}
		if _, ok := validIDs[key]; !ok {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}

func matchedAnswerIDString(v any) string {
	switch t := v.(type) {
	case string:
		if strings.EqualFold(t, "null") {
			return ""
		}
		return t
	default:
		return ""
	}
}

// InsightEngine implements C9, Stage-1 auto-inference: an LLM pass over
// the full vault pack that auto-takes high-confidence matches, parks
// medium-confidence question-topic hits as pending, then expands every
// touched batch so its full active question set becomes surveyable.
type InsightEngine struct {
	llm     llmclient.Client
	catalog CatalogReader
	state   ChatStateStore
	model   string
	log     *slog.Logger
}

// NewInsightEngine creates an InsightEngine.
func NewInsightEngine(llm llmclient.Client, catalog CatalogReader, state ChatStateStore, modelName string, log *slog.Logger) *InsightEngine {
	if log == nil {
		log = slog.Default()
	}
	return &InsightEngine{llm: llm, catalog: catalog, state: state, model: modelName, log: log}
}

const insightSystemPrompt = `Output ONLY JSON with this schema:
{
  "decisions": [
    {
      "insightId":"...", "batchId":"...",
      "matchType":"QUESTION_AND_ANSWER"|"ANSWER_ONLY"|"QUESTION_ONLY",
      "matchedAnswerId":"A|B|...|null",
      "decisionConfidence":0.0,
      "evidence":["short exact quote(s) from the user text"]
    }
  ]
}
Rules:
- Use ONLY the provided answers/aliases; do NOT invent options.
- If the text directly expresses a listed answer/alias -> ANSWER_ONLY with that matchedAnswerId.
- If the text supports the question AND clearly implies a listed answer -> QUESTION_AND_ANSWER.
- If the text is about the question topic but no listed answer is clear -> QUESTION_ONLY (matchedAnswerId=null).
- Do NOT output NO_MATCH items; include ONLY true matches.
- Be strict; prefer QUESTION_ONLY over guessing an answer.
- decisionConfidence is in [0,1].
- Ignore negated or obsolete statements ("not a problem anymore").
- Output JSON only. No prose.`

// Run executes Stage-1 auto-inference against a single user message.
func (e *InsightEngine) Run(ctx context.Context, chatID, userText string) (*InsightRunResult, error) {
	vaultVersion, err := e.catalog.ActiveVaultVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("service.InsightEngine.Run: vault version: %w", err)
	}

	alreadyTaken, alreadyPending, err := e.state.GetTakenAndPending(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("service.InsightEngine.Run: taken/pending: %w", err)
	}
	_ = alreadyPending

	vaultPack, err := e.catalog.BuildVaultPack(ctx)
	if err != nil {
		return nil, fmt.Errorf("service.InsightEngine.Run: vault pack: %w", err)
	}

	insightIndex, err := e.buildInsightIndex(ctx)
	if err != nil {
		return nil, fmt.Errorf("service.InsightEngine.Run: insight index: %w", err)
	}

	prompt := fmt.Sprintf("USER:\nTEXT:\n<<<\n%s\n>>>\n\nVAULT_PACK:\n%s", userText, vaultPack)
	raw, err := e.llm.CompleteJSON(ctx, prompt, llmclient.Options{
		Model:       e.model,
		Temperature: 0,
		MaxTokens:   1500,
		System:      insightSystemPrompt,
	})
	if err != nil {
		e.log.WarnContext(ctx, "insight engine LLM call failed, skipping stage-1 this turn", "chatId", chatID, "err", err)
		return &InsightRunResult{VaultVersion: vaultVersion}, nil
	}

	var parsed insightResponse
	if jsonErr := json.Unmarshal([]byte(extractJSONObject(raw)), &parsed); jsonErr != nil {
		e.log.WarnContext(ctx, "insight engine returned unparseable JSON, skipping stage-1 this turn", "chatId", chatID)
		return &InsightRunResult{VaultVersion: vaultVersion}, nil
	}

	touchedBatches := make(map[string]bool)
	autoTaken, questionOnly := 0, 0

	for _, d := range parsed.Decisions {
		meta, ok := insightIndex[d.InsightID]
		if !ok || meta.BatchID != d.BatchID {
			continue
		}
		if alreadyTaken[d.InsightID] {
			touchedBatches[meta.BatchID] = true
			continue
		}
		if d.MatchType != matchQuestionAndAnswer && d.MatchType != matchAnswerOnly && d.MatchType != matchQuestionOnly {
			continue
		}

		switch {
		case (d.MatchType == matchQuestionAndAnswer || d.MatchType == matchAnswerOnly) && d.DecisionConfidence >= autoTakeConfidence:
			mode := model.ModeAnswerOnly
			if d.MatchType == matchQuestionAndAnswer {
				mode = model.ModeQA
			}
			insightMeta := model.InsightMeta{
				Source:       model.SourceAutoInference,
				Mode:         mode,
				Confidence:   d.DecisionConfidence,
				Evidence:     d.Evidence,
				VaultVersion: vaultVersion,
			}

			if meta.IsMultiSelect {
				ids := parseMultiAnswerIDs(matchedAnswerIDString(d.MatchedAnswerID), meta.Answers)
				if len(ids) == 0 {
					continue
				}
				if err := e.state.TakeMulti(ctx, chatID, meta.BatchID, d.InsightID, ids, insightMeta); err != nil {
					return nil, fmt.Errorf("service.InsightEngine.Run: take multi: %w", err)
				}
			} else {
				raw := matchedAnswerIDString(d.MatchedAnswerID)
				candidates := []string{raw}
				if strings.ContainsAny(raw, "|,/ ") {
					candidates = parseMultiAnswerIDs(raw, meta.Answers)
				}
				answerID := ""
				for _, c := range candidates {
					if _, ok := meta.Answers[strings.ToUpper(c)]; ok {
						answerID = strings.ToUpper(c)
						break
					}
				}
				if answerID == "" {
					continue
				}
				if err := e.state.TakeSingle(ctx, chatID, meta.BatchID, d.InsightID, answerID, insightMeta); err != nil {
					return nil, fmt.Errorf("service.InsightEngine.Run: take single: %w", err)
				}
			}
			autoTaken++
			touchedBatches[meta.BatchID] = true

		case d.MatchType == matchQuestionOnly && d.DecisionConfidence >= questionOnlyConfidence:
			if err := e.state.UpsertPending(ctx, chatID, meta.BatchID, d.InsightID, model.PendingQuestionOnly, vaultVersion); err != nil {
				return nil, fmt.Errorf("service.InsightEngine.Run: upsert pending: %w", err)
			}
			questionOnly++
			touchedBatches[meta.BatchID] = true
		}
	}

	touchedList := make([]string, 0, len(touchedBatches))
	for b := range touchedBatches {
		touchedList = append(touchedList, b)
		candidateIDs := candidateInsightIDsForBatch(insightIndex, b)
		if err := e.state.ExpandBatchPending(ctx, chatID, b, candidateIDs, vaultVersion); err != nil {
			return nil, fmt.Errorf("service.InsightEngine.Run: expand batch: %w", err)
		}
		if err := e.state.TouchBatch(ctx, chatID, b, vaultVersion); err != nil {
			return nil, fmt.Errorf("service.InsightEngine.Run: touch batch: %w", err)
		}
	}
	sort.Strings(touchedList)

	stats, err := e.state.RecomputeStats(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("service.InsightEngine.Run: recompute stats: %w", err)
	}

	return &InsightRunResult{
		VaultVersion:      vaultVersion,
		TouchedBatchIDs:   touchedList,
		Stats:             stats,
		AutoTakenCount:    autoTaken,
		QuestionOnlyCount: questionOnly,
	}, nil
}

type insightIndexEntry struct {
	BatchID       string
	IsMultiSelect bool
	Answers       map[string]model.Answer
}

func (e *InsightEngine) buildInsightIndex(ctx context.Context) (map[string]insightIndexEntry, error) {
	batches, err := e.catalog.ListActiveInsightBatches(ctx)
	if err != nil {
		return nil, err
	}
	index := make(map[string]insightIndexEntry)
	for _, b := range batches {
		for _, ins := range b.Insights {
			if !ins.IsActive {
				continue
			}
			index[ins.InsightID] = insightIndexEntry{
				BatchID:       b.BatchID,
				IsMultiSelect: ins.IsMultiSelect,
				Answers:       ins.Answers,
			}
		}
	}
	return index, nil
}

func candidateInsightIDsForBatch(index map[string]insightIndexEntry, batchID string) []string {
	ids := make([]string, 0)
	for insightID, entry := range index {
		if entry.BatchID == batchID {
			ids = append(ids, insightID)
		}
	}
	sort.Strings(ids)
	return ids
}
