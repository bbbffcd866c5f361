package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/connexus-ai/uia-backend/internal/index"
	"github.com/connexus-ai/uia-backend/internal/llmclient"
	"github.com/connexus-ai/uia-backend/internal/model"
)

// NudgeStage is the single stage an encouragement question targets.
type NudgeStage string

const (
	NudgeEmploymentCategory NudgeStage = "employment_category"
	NudgeSkills             NudgeStage = "skills"
	NudgeInsights           NudgeStage = "insights"
	NudgeNone               NudgeStage = "none"
)

// Encouragement is C10's output: at most one nudge question per turn.
type Encouragement struct {
	Stage    NudgeStage `json:"stage"`
	Question string     `json:"question"`
}

// NudgeRequest carries the upstream signals C10 needs to pick a stage
// without re-deriving them: the orchestrator already knows whether a
// survey was just shown (uia_action) and which insight batches C9
// touched this turn.
type NudgeRequest struct {
	ChatID            string
	UserMessage       string
	UIAAction         string // "show_ec_survey" | "show_skills_survey" | "" | other
	SurveysPrepared   int    // mirrors upstream convention: 100 means "already handled"
	TouchedBatchIDs   []string
}

// NudgeEngine implements C10: it picks the single highest-priority
// unresolved stage (employment category > skills > insights) and asks
// one LLM-generated question for it, falling back to a deterministic
// templated question when the LLM call or its output is unusable.
type NudgeEngine struct {
	llm     llmclient.Client
	catalog CatalogReader
	state   ChatStateStore
}

// NewNudgeEngine creates a NudgeEngine.
func NewNudgeEngine(llm llmclient.Client, catalog CatalogReader, state ChatStateStore) *NudgeEngine {
	return &NudgeEngine{llm: llm, catalog: catalog, state: state}
}

// Determine picks a stage and generates its question, or returns
// NudgeNone when nothing is currently owed.
func (n *NudgeEngine) Determine(ctx context.Context, req NudgeRequest) (*Encouragement, error) {
	uia, err := n.state.GetUIAState(ctx, req.ChatID)
	if err != nil {
		return nil, fmt.Errorf("service.NudgeEngine.Determine: uia state: %w", err)
	}

	categoryKnown := uia != nil && uia.EmploymentCategoryID != nil
	skillsDone := uia != nil && uia.SkillsRecorded()

	if !categoryKnown && req.UIAAction != "show_ec_survey" {
		categories, err := n.catalog.ListEmploymentCategories(ctx)
		if err != nil {
			return nil, fmt.Errorf("service.NudgeEngine.Determine: list categories: %w", err)
		}
		return n.askEmploymentCategory(ctx, req.UserMessage, categories), nil
	}

	if !skillsDone && req.UIAAction != "show_skills_survey" {
		categoryID := ""
		if uia != nil && uia.EmploymentCategoryID != nil {
			categoryID = *uia.EmploymentCategoryID
		}
		label := "your chosen role"
		if cat, err := n.catalog.GetEmploymentCategory(ctx, categoryID); err == nil && cat != nil {
			label = cat.Name
		}
		skills, err := n.catalog.ListSkills(ctx, categoryID)
		if err != nil {
			return nil, fmt.Errorf("service.NudgeEngine.Determine: list skills: %w", err)
		}
		return n.askSkills(ctx, req.UserMessage, label, skills), nil
	}

	if req.SurveysPrepared != 100 {
		encouragement, err := n.maybeAskInsight(ctx, req)
		if err != nil {
			return nil, err
		}
		if encouragement != nil {
			return encouragement, nil
		}
	}

	return &Encouragement{Stage: NudgeNone, Question: ""}, nil
}

func (n *NudgeEngine) askEmploymentCategory(ctx context.Context, userMsg string, categories []model.EmploymentCategory) *Encouragement {
	opts := make([]labeledOption, 0, len(categories))
	for _, c := range categories {
		opts = append(opts, labeledOption{ID: c.ID, Label: c.Name})
	}
	shortlist := shortlistByRelevance(userMsg, opts, 4)

	var lines strings.Builder
	for _, o := range opts {
		fmt.Fprintf(&lines, "- %s -> %s\n", o.ID, o.Label)
	}
	likely := joinComma(labelsOf(shortlist))

	prompt := fmt.Sprintf(`Write one encouraging, concise question nudging the user to state their employment category next. Use only the provided categories; do not invent new ones. One sentence only. Friendly, clear, actionable. Reply as strict JSON only: {"stage":"employment_category","question":"..."}.

User message: <<%s>>

Employment categories (id -> label):
%s
If helpful, reference 2-4 likely labels inline (e.g. %s) but keep it within ONE sentence.`, userMsg, lines.String(), likely)

	return n.callSingleQuestion(ctx, prompt, NudgeEmploymentCategory, "Which employment category should we focus on next?")
}

func (n *NudgeEngine) askSkills(ctx context.Context, userMsg, ecLabel string, skills []model.Skill) *Encouragement {
	opts := make([]labeledOption, 0, len(skills))
	for _, s := range skills {
		opts = append(opts, labeledOption{ID: s.ID, Label: s.Name})
	}
	shortlist := shortlistByRelevance(userMsg, opts, 4)

	var lines strings.Builder
	for _, o := range opts {
		fmt.Fprintf(&lines, "- %s -> %s\n", o.ID, o.Label)
	}
	likely := joinComma(labelsOf(shortlist))

	prompt := fmt.Sprintf(`Write one concise, encouraging question nudging the user to name skill areas to develop next for their employment category. Use only the provided skill categories; do not invent. One sentence only. Reply as strict JSON only: {"stage":"skills","question":"..."}.

User message: <<%s>>
Employment category: %s

Skill categories (id -> label):
%s
If helpful, mention 2-4 likely categories inline (e.g. %s) but keep it within ONE sentence.`, userMsg, ecLabel, lines.String(), likely)

	return n.callSingleQuestion(ctx, prompt, NudgeSkills, "For this role, which skill areas would you like to prioritize next?")
}

func (n *NudgeEngine) maybeAskInsight(ctx context.Context, req NudgeRequest) (*Encouragement, error) {
	complete, err := n.state.ListFullyTakenBatches(ctx, req.ChatID)
	if err != nil {
		return nil, fmt.Errorf("service.NudgeEngine.maybeAskInsight: complete batches: %w", err)
	}
	batches, err := n.catalog.ListActiveInsightBatches(ctx)
	if err != nil {
		return nil, fmt.Errorf("service.NudgeEngine.maybeAskInsight: list batches: %w", err)
	}

	target := pickFirstEligibleBatch(batches, req.TouchedBatchIDs, complete)
	if target == nil {
		return nil, nil
	}
	insight := pickBestInsight(req.UserMessage, target.Insights)
	if insight == nil {
		return nil, nil
	}

	canonical := canonicalAnswerLabels(insight.Answers)
	prompt := buildInsightPrompt(req.UserMessage, target.BatchID, *insight)
	result := n.callSingleQuestion(ctx, prompt, NudgeInsights, deterministicInsightQuestion(*insight))

	if !questionMentionsAll(result.Question, canonical) {
		result.Question = deterministicInsightQuestion(*insight)
	}
	return result, nil
}

func buildInsightPrompt(userMsg, batchID string, insight model.Insight) string {
	question := strings.TrimRight(insight.Question, " ?")
	canonical := canonicalAnswerLabels(insight.Answers)
	optionsInline := joinOxford(canonical)
	hook := makeContextHook(userMsg, insight)
	hookPrefix := ""
	if hook != "" {
		hookPrefix = hook + " "
	}
	exemplar := fmt.Sprintf("%s%s - is it %s? (reply with the exact words)", hookPrefix, question, optionsInline)

	return fmt.Sprintf(`Write ONE creative, persuasive, concise question that nudges the user to answer the insight below. Tone: warm, coach-like. Plain language, one sentence only. The sentence MUST include ALL options exactly as written, separated by commas with "or" before the last item, and end with "(reply with the exact words)". Output strict JSON only: {"stage":"insights","question":"..."}.

User message: <<%s>>
Target batch: %s

Insight question (use this idea, rephrase naturally):
- %s

Allowed options (canonical labels; include ALL of these exactly as written):
- %s

Optional hook: "%s"
Example shape (do not copy verbatim): "%s"`, userMsg, batchID, question, optionsInline, strings.TrimSpace(hookPrefix), exemplar)
}

type singleQuestionJSON struct {
	Stage    string `json:"stage"`
	Question string `json:"question"`
}

func (n *NudgeEngine) callSingleQuestion(ctx context.Context, prompt string, expectStage NudgeStage, fallback string) *Encouragement {
	raw, err := n.llm.CompleteJSON(ctx, prompt, llmclient.Options{
		Temperature: 0.7,
		MaxTokens:   180,
		System:      "You write a single encouraging coaching question. Respond with strict JSON only, no prose.",
	})
	if err != nil {
		return &Encouragement{Stage: expectStage, Question: fallback}
	}

	var parsed singleQuestionJSON
	if jsonErr := json.Unmarshal([]byte(extractJSONObject(raw)), &parsed); jsonErr != nil {
		return &Encouragement{Stage: expectStage, Question: fallback}
	}
	question := strings.TrimSpace(parsed.Question)
	if question == "" {
		return &Encouragement{Stage: expectStage, Question: fallback}
	}
	if !strings.HasSuffix(question, "?") {
		question += "?"
	}
	return &Encouragement{Stage: expectStage, Question: question}
}

// --- shared small helpers ---

type labeledOption struct {
	ID    string
	Label string
}

func labelsOf(opts []labeledOption) []string {
	out := make([]string, len(opts))
	for i, o := range opts {
		out[i] = o.Label
	}
	return out
}

func joinComma(items []string) string {
	return strings.Join(items, ", ")
}

// shortlistByRelevance ranks options by how many of their label's word
// tokens appear in the user message, descending, stable on ties.
func shortlistByRelevance(userMsg string, opts []labeledOption, k int) []labeledOption {
	text := strings.ToLower(userMsg)
	type scoredOpt struct {
		score int
		opt   labeledOption
	}
	scored := make([]scoredOpt, len(opts))
	for i, o := range opts {
		tokens := index.Tokenize(o.Label)
		score := 0
		for _, t := range tokens {
			if strings.Contains(text, t) {
				score++
			}
		}
		scored[i] = scoredOpt{score: score, opt: o}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	if k > len(scored) {
		k = len(scored)
	}
	out := make([]labeledOption, k)
	for i := 0; i < k; i++ {
		out[i] = scored[i].opt
	}
	return out
}

func pickFirstEligibleBatch(batches []model.InsightBatch, touchedIDs, completeIDs []string) *model.InsightBatch {
	touched := toSet(touchedIDs)
	complete := toSet(completeIDs)
	for i := range batches {
		b := &batches[i]
		if b.BatchID == "" {
			continue
		}
		if touched[b.BatchID] || complete[b.BatchID] {
			continue
		}
		return b
	}
	return nil
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func isGenericAnswerLabel(label string) bool {
	s := strings.ToLower(strings.TrimSpace(label))
	if s == "" {
		return false
	}
	generic := []string{"other", "none", "none of these", "n/a", "not applicable", "not sure"}
	for _, g := range generic {
		if s == g || strings.HasPrefix(s, g) {
			return true
		}
	}
	return false
}

func canonicalAnswerLabels(answers map[string]model.Answer) []string {
	keys := make([]string, 0, len(answers))
	for k := range answers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	labels := make([]string, 0, len(keys))
	for _, k := range keys {
		text := strings.TrimSpace(answers[k].Text)
		if text != "" && !isGenericAnswerLabel(text) {
			labels = append(labels, text)
		}
	}
	return labels
}

func rankInsightByRelevance(userMsg string, insight model.Insight) int {
	text := strings.ToLower(userMsg)
	score := 0
	for _, ans := range insight.Answers {
		label := strings.ToLower(ans.Text)
		if label != "" && strings.Contains(text, label) {
			score += 2
		}
		for _, alias := range ans.Aliases {
			a := strings.ToLower(alias)
			if a != "" && strings.Contains(text, a) {
				score++
			}
		}
	}
	return score
}

func pickBestInsight(userMsg string, insights []model.Insight) *model.Insight {
	active := make([]model.Insight, 0, len(insights))
	for _, ins := range insights {
		if ins.IsActive {
			active = append(active, ins)
		}
	}
	if len(active) == 0 {
		return nil
	}
	bestIdx := 0
	bestScore := rankInsightByRelevance(userMsg, active[0])
	for i := 1; i < len(active); i++ {
		s := rankInsightByRelevance(userMsg, active[i])
		if s > bestScore {
			bestScore = s
			bestIdx = i
		}
	}
	return &active[bestIdx]
}

func joinOxford(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	case 2:
		return items[0] + " or " + items[1]
	default:
		return strings.Join(items[:len(items)-1], ", ") + ", or " + items[len(items)-1]
	}
}

func deterministicInsightQuestion(insight model.Insight) string {
	q := strings.TrimRight(insight.Question, " ?")
	if q == "" {
		q = "Which option applies to you"
	}
	options := canonicalAnswerLabels(insight.Answers)
	chooser := "choose one of"
	if insight.IsMultiSelect {
		chooser = "choose any of"
	}
	return fmt.Sprintf("%s-%s: %s (reply with the exact words)?", q, chooser, joinOxford(options))
}

func questionMentionsAll(question string, tokens []string) bool {
	s := strings.ToLower(question)
	for _, t := range tokens {
		if t != "" && !strings.Contains(s, strings.ToLower(t)) {
			return false
		}
	}
	return true
}

func makeContextHook(userMsg string, insight model.Insight) string {
	text := strings.ToLower(userMsg)
	keys := make([]string, 0, len(insight.Answers))
	for k := range insight.Answers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ans := insight.Answers[k]
		label := strings.TrimSpace(ans.Text)
		if label == "" {
			continue
		}
		if strings.Contains(text, strings.ToLower(label)) {
			return fmt.Sprintf("Since you mentioned %s,", strings.ToLower(label))
		}
		for _, alias := range ans.Aliases {
			if alias != "" && strings.Contains(text, strings.ToLower(alias)) {
				return fmt.Sprintf("Since you mentioned %s,", strings.ToLower(label))
			}
		}
	}
	return ""
}
