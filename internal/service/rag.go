package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/connexus-ai/uia-backend/internal/index"
	"github.com/connexus-ai/uia-backend/internal/llmclient"
	"github.com/connexus-ai/uia-backend/internal/model"
)

// RAGAnswer is C6's return shape.
type RAGAnswer struct {
	Used           bool                   `json:"used"`
	AnswerMarkdown string                 `json:"answerMarkdown"`
	Sources        []model.MessageSource  `json:"sources"`
}

// RAGRequest is a single turn's question plus optional link-back to the
// prior turn's encouragement question.
type RAGRequest struct {
	CurrentQuestion  string
	PreviousQuestion string
}

// RAGEngine implements C6: plan, retrieve, rerank, filter, pack,
// gate, compose, validate. Plan, rerank, gate, compose and validate call
// the LLM client in JSON mode; the filter does only when it is an
// LLMRelevanceFilter, and retrieve and pack make no LLM call.
type RAGEngine struct {
	llm       llmclient.Client
	retriever *HybridRetriever
	filter    RelevanceFilter

	allowGeneralKnowledge bool
	maxGeneralFraction    float64
	contextTokenLimit     int
	sufficiencyThreshold  float64
	plannerModel          string
	rerankModel           string
	composerModel         string
}

// RAGEngineConfig configures a RAGEngine.
type RAGEngineConfig struct {
	AllowGeneralKnowledge bool
	MaxGeneralFraction    float64 // default 0.25
	ContextTokenLimit     int     // default 6000
	SufficiencyThreshold  float64 // default 0.70
	PlannerModel          string
	RerankModel           string
	ComposerModel         string
}

// NewRAGEngine creates a RAGEngine. A nil filter defaults to
// PassthroughFilter, per Open Question (ii).
func NewRAGEngine(llm llmclient.Client, retriever *HybridRetriever, filter RelevanceFilter, cfg RAGEngineConfig) *RAGEngine {
	if filter == nil {
		filter = PassthroughFilter{}
	}
	if cfg.MaxGeneralFraction <= 0 {
		cfg.MaxGeneralFraction = 0.25
	}
	if cfg.ContextTokenLimit <= 0 {
		cfg.ContextTokenLimit = 6000
	}
	if cfg.SufficiencyThreshold <= 0 {
		cfg.SufficiencyThreshold = 0.70
	}
	return &RAGEngine{
		llm:                   llm,
		retriever:             retriever,
		filter:                filter,
		allowGeneralKnowledge: cfg.AllowGeneralKnowledge,
		maxGeneralFraction:    cfg.MaxGeneralFraction,
		contextTokenLimit:     cfg.ContextTokenLimit,
		sufficiencyThreshold:  cfg.SufficiencyThreshold,
		plannerModel:          cfg.PlannerModel,
		rerankModel:           cfg.RerankModel,
		composerModel:         cfg.ComposerModel,
	}
}

// ragPlan is the planner's JSON output (step 1).
type ragPlan struct {
	LinkPrev              bool     `json:"link_prev"`
	Queries               []string `json:"queries"`
	DocFilters            []string `json:"doc_filters"`
	Style                 string   `json:"style"`
	Tone                  string   `json:"tone"`
	Format                string   `json:"format"`
	Audience              string   `json:"audience"`
	AllowGeneralKnowledge bool     `json:"allow_general_knowledge"`
	Notes                 string   `json:"notes"`
}

// Answer runs the full C6 pipeline for a single turn.
func (e *RAGEngine) Answer(ctx context.Context, req RAGRequest) (*RAGAnswer, error) {
	if strings.TrimSpace(req.CurrentQuestion) == "" {
		return &RAGAnswer{Used: false, Sources: []model.MessageSource{}}, nil
	}

	plan, err := e.plan(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("service.RAGEngine.Answer: plan: %w", err)
	}

	chunkIDs, err := e.retriever.Retrieve(ctx, RetrieveRequest{
		SubQueries:   plan.Queries,
		DocAllowlist: plan.DocFilters,
	})
	if err != nil {
		return nil, fmt.Errorf("service.RAGEngine.Answer: retrieve: %w", err)
	}
	if len(chunkIDs) == 0 {
		slog.Info("rag.Answer: no retrieval candidates", "question", req.CurrentQuestion)
		return &RAGAnswer{Used: false, Sources: []model.MessageSource{}}, nil
	}

	art, err := e.retriever.loader.Load()
	if err != nil {
		return nil, fmt.Errorf("service.RAGEngine.Answer: load index: %w", err)
	}

	candidates := e.resolveChunks(art, chunkIDs, 50)
	if len(candidates) == 0 {
		return &RAGAnswer{Used: false, Sources: []model.MessageSource{}}, nil
	}

	selected, err := e.rerank(ctx, req.CurrentQuestion, candidates)
	if err != nil {
		return nil, fmt.Errorf("service.RAGEngine.Answer: rerank: %w", err)
	}

	filtered, err := e.filter.Filter(ctx, req.CurrentQuestion, selected)
	if err != nil {
		return nil, fmt.Errorf("service.RAGEngine.Answer: relevance filter: %w", err)
	}
	if len(filtered) == 0 {
		filtered = selected
	}

	packed, included := packContext(filtered, e.contextTokenLimit)

	gate, err := e.sufficiencyGate(ctx, req.CurrentQuestion, included)
	if err != nil {
		return nil, fmt.Errorf("service.RAGEngine.Answer: sufficiency gate: %w", err)
	}

	allowGeneral := (e.allowGeneralKnowledge || plan.AllowGeneralKnowledge) && gate.Sufficiency < e.sufficiencyThreshold

	draft, err := e.compose(ctx, req.CurrentQuestion, packed, plan, gate, allowGeneral)
	if err != nil {
		return nil, fmt.Errorf("service.RAGEngine.Answer: compose: %w", err)
	}

	final, err := e.validate(ctx, req.CurrentQuestion, draft, included)
	if err != nil {
		return nil, fmt.Errorf("service.RAGEngine.Answer: validate: %w", err)
	}

	sources := make([]model.MessageSource, 0, len(included))
	for _, c := range included {
		sources = append(sources, model.MessageSource{ChunkID: c.ChunkID, Breadcrumb: c.Breadcrumb})
	}

	return &RAGAnswer{Used: true, AnswerMarkdown: final, Sources: sources}, nil
}

// plan is step 1.
func (e *RAGEngine) plan(ctx context.Context, req RAGRequest) (*ragPlan, error) {
	prompt := fmt.Sprintf(planPromptTemplate, req.CurrentQuestion, req.PreviousQuestion)
	raw, err := e.llm.CompleteJSON(ctx, prompt, llmclient.Options{
		Temperature: 0.2,
		MaxTokens:   600,
		System:      planSystemPrompt,
		Model:       e.plannerModel,
	})
	if err != nil {
		return nil, err
	}

	var plan ragPlan
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &plan); err != nil {
		return &ragPlan{Queries: []string{req.CurrentQuestion}}, nil
	}
	if len(plan.Queries) == 0 {
		plan.Queries = []string{req.CurrentQuestion}
	}
	if len(plan.Queries) > 4 {
		plan.Queries = plan.Queries[:4]
	}
	if !plan.LinkPrev {
		req.PreviousQuestion = ""
	}
	return &plan, nil
}

const planSystemPrompt = `You plan retrieval sub-queries for a career-coaching RAG system. Respond only with a JSON object, no prose, no code fences.`

const planPromptTemplate = `Current question: %s
Previous assistant question (only relevant if linking makes sense): %s

Return JSON: {"link_prev": bool, "queries": ["..."] (2-4 items), "doc_filters": [], "style": "...", "tone": "...", "format": "...", "audience": "...", "allow_general_knowledge": bool, "notes": "..."}`

// candidateChunk bundles a resolved chunk body with its id and
// breadcrumb, used through rerank/filter/pack; slices of it keep rank order.
type candidateChunk struct {
	ChunkID    string
	Breadcrumb string
	Text       string
}

// resolveChunks looks up chunk bodies for the top N ranked ids.
func (e *RAGEngine) resolveChunks(art *index.Artifacts, chunkIDs []string, limit int) []candidateChunk {
	if limit > len(chunkIDs) {
		limit = len(chunkIDs)
	}
	out := make([]candidateChunk, 0, limit)
	for _, chunkID := range chunkIDs[:limit] {
		rec, err := art.ChunkRecord(chunkID)
		if err != nil {
			continue
		}
		out = append(out, candidateChunk{ChunkID: rec.ChunkID, Breadcrumb: rec.Breadcrumb, Text: rec.Text})
	}
	return out
}

// rerankSelection is the reranker's JSON output (step 3).
type rerankSelection struct {
	Selected []string `json:"selected"`
}

// rerank is step 3: ask the LLM to pick 8-12 of up to 50 candidates.
func (e *RAGEngine) rerank(ctx context.Context, question string, candidates []candidateChunk) ([]candidateChunk, error) {
	var sb strings.Builder
	for _, c := range candidates {
		excerpt := c.Text
		if len(excerpt) > 400 {
			excerpt = excerpt[:400]
		}
		fmt.Fprintf(&sb, "[%s] %s\n%s\n\n", c.ChunkID, c.Breadcrumb, excerpt)
	}

	prompt := fmt.Sprintf(rerankPromptTemplate, question, sb.String())
	raw, err := e.llm.CompleteJSON(ctx, prompt, llmclient.Options{
		Temperature: 0,
		MaxTokens:   500,
		System:      rerankSystemPrompt,
		Model:       e.rerankModel,
	})
	if err != nil {
		return firstN(candidates, 10), nil
	}

	var sel rerankSelection
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &sel); err != nil || len(sel.Selected) == 0 {
		return firstN(candidates, 10), nil
	}

	byID := make(map[string]candidateChunk, len(candidates))
	for _, c := range candidates {
		byID[c.ChunkID] = c
	}
	out := make([]candidateChunk, 0, len(sel.Selected))
	for _, id := range sel.Selected {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return firstN(candidates, 10), nil
	}
	return out, nil
}

const rerankSystemPrompt = `You select the most relevant passages for answering a question. Respond only with JSON.`

const rerankPromptTemplate = `Question: %s

Candidates:
%s

Select 8-12 chunk ids most useful for answering. Return JSON: {"selected": ["chunkId", ...]}`

func firstN(candidates []candidateChunk, n int) []candidateChunk {
	if n > len(candidates) {
		n = len(candidates)
	}
	return candidates[:n]
}

// packContext is step 5: concatenate selected chunks, each prefixed by
// "[chunkId] breadcrumb", stopping once the accumulated length exceeds
// tokenLimit*4 (a rough char-per-token proxy).
func packContext(chunks []candidateChunk, tokenLimit int) (string, []candidateChunk) {
	limit := tokenLimit * 4
	var sb strings.Builder
	var included []candidateChunk

	for _, c := range chunks {
		entry := fmt.Sprintf("[%s] %s\n%s\n\n", c.ChunkID, c.Breadcrumb, c.Text)
		if sb.Len() > 0 && sb.Len()+len(entry) > limit {
			break
		}
		sb.WriteString(entry)
		included = append(included, c)
		if sb.Len() > limit {
			break
		}
	}
	return sb.String(), included
}

// sufficiencyResult is step 6's JSON output.
type sufficiencyResult struct {
	Sufficiency    float64  `json:"sufficiency"`
	MissingAspects []string `json:"missing_aspects"`
}

func (e *RAGEngine) sufficiencyGate(ctx context.Context, question string, included []candidateChunk) (*sufficiencyResult, error) {
	var sb strings.Builder
	for _, c := range included {
		summary := c.Text
		if len(summary) > 200 {
			summary = summary[:200]
		}
		fmt.Fprintf(&sb, "- %s: %s\n", c.Breadcrumb, summary)
	}

	prompt := fmt.Sprintf(sufficiencyPromptTemplate, question, sb.String())
	raw, err := e.llm.CompleteJSON(ctx, prompt, llmclient.Options{
		Temperature: 0,
		MaxTokens:   300,
		System:      sufficiencySystemPrompt,
	})
	if err != nil {
		return &sufficiencyResult{Sufficiency: 0.5}, nil
	}

	var res sufficiencyResult
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &res); err != nil {
		return &sufficiencyResult{Sufficiency: 0.5}, nil
	}
	return &res, nil
}

const sufficiencySystemPrompt = `You judge whether retrieved context is sufficient to answer a question. Respond only with JSON.`

const sufficiencyPromptTemplate = `Question: %s

Kept context summaries:
%s

Return JSON: {"sufficiency": 0.0-1.0, "missing_aspects": ["..."]}`

// compose is step 7.
func (e *RAGEngine) compose(ctx context.Context, question, packed string, plan *ragPlan, gate *sufficiencyResult, allowGeneral bool) (string, error) {
	prompt := fmt.Sprintf(composePromptTemplate, question, packed, plan.Style, plan.Tone, plan.Format, plan.Audience, allowGeneral, e.maxGeneralFraction, strings.Join(gate.MissingAspects, "; "))

	raw, err := e.llm.CompleteJSON(ctx, prompt, llmclient.Options{
		Temperature: 0.4,
		MaxTokens:   1200,
		System:      composeSystemPrompt,
		Model:       e.composerModel,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(raw), nil
}

const composeSystemPrompt = `You are a career and skills coaching assistant. Write a direct answer grounded in the provided context.
Never emit planning or execution language, shell commands, or code fences.
Default to paragraphs; use bullet lists only for 3+ parallel items; use small tables only for direct comparisons.
If general knowledge beyond the provided context is used, confine it to a trailing "Background (general)" subsection.`

const composePromptTemplate = `Question: %s

Context:
%s

Style: %s | Tone: %s | Format: %s | Audience: %s
Allow general knowledge supplementation: %v (max fraction of answer: %.2f)
Missing aspects noted by the sufficiency check: %s

Write the answer now.`

// validateResult is step 8's JSON output.
type validateResult struct {
	OffTopic      bool   `json:"off_topic"`
	Contradictory bool   `json:"contradictory"`
	PolicyViolation bool `json:"policy_violation"`
	Revision      string `json:"revision"`
}

func (e *RAGEngine) validate(ctx context.Context, question, draft string, included []candidateChunk) (string, error) {
	var sb strings.Builder
	for _, c := range included {
		summary := c.Text
		if len(summary) > 200 {
			summary = summary[:200]
		}
		fmt.Fprintf(&sb, "- %s: %s\n", c.Breadcrumb, summary)
	}

	prompt := fmt.Sprintf(validatePromptTemplate, question, draft, sb.String())
	raw, err := e.llm.CompleteJSON(ctx, prompt, llmclient.Options{
		Temperature: 0,
		MaxTokens:   1200,
		System:      validateSystemPrompt,
	})
	if err != nil {
		return draft, nil
	}

	var res validateResult
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &res); err != nil {
		return draft, nil
	}
	if (res.OffTopic || res.Contradictory || res.PolicyViolation) && strings.TrimSpace(res.Revision) != "" {
		return res.Revision, nil
	}
	return draft, nil
}

const validateSystemPrompt = `You review a drafted answer against its evidence for being off-topic, contradictory, or policy-violating. Respond only with JSON.`

const validatePromptTemplate = `Question: %s

Draft answer:
%s

Evidence summaries:
%s

Return JSON: {"off_topic": bool, "contradictory": bool, "policy_violation": bool, "revision": "..." (only if any flag is true, a corrected full answer)}`

// extractJSONObject strips markdown code fences and returns the first
// balanced {...} object found in s, or s unchanged if none is found.
func extractJSONObject(s string) string {
	cleaned := strings.TrimSpace(s)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	start := strings.IndexByte(cleaned, '{')
	if start < 0 {
		return cleaned
	}
	depth := 0
	for i := start; i < len(cleaned); i++ {
		switch cleaned[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return cleaned[start : i+1]
			}
		}
	}
	return cleaned[start:]
}
