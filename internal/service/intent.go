package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/connexus-ai/uia-backend/internal/llmclient"
	"github.com/connexus-ai/uia-backend/internal/model"
)

// IntentResult is C7's employment/skills detector output.
type IntentResult struct {
	EmploymentIntent bool    `json:"employmentIntent"`
	SkillsIntent     bool    `json:"skillsIntent"`
	CategoryHit      string  `json:"categoryHit"` // empty = null
	Confidence       float64 `json:"confidence"`
}

// ScopeResult is the parallel scope classifier's output.
type ScopeResult struct {
	Proceed bool
	Message string // set only when Proceed is false
}

// IntentDetector implements C7: an employment/skills intent detector
// plus a scope classifier, both LLM-backed with rule-based fallbacks.
type IntentDetector struct {
	llm     llmclient.Client
	catalog CatalogReader
}

// NewIntentDetector creates an IntentDetector.
func NewIntentDetector(llm llmclient.Client, catalog CatalogReader) *IntentDetector {
	return &IntentDetector{llm: llm, catalog: catalog}
}

type intentJSON struct {
	EmploymentIntent bool    `json:"employment_intent"`
	SkillsIntent     bool    `json:"skills_intent"`
	CategoryHit      *string `json:"category_hit"`
	Confidence       float64 `json:"confidence"`
}

// DetectIntent classifies a user message for employment/skills intent
// and an explicit category mention, against the live taxonomy. Falls
// back to a keyword-based rule detector (with a lower confidence
// ceiling) when the LLM call fails or returns unparseable JSON.
func (d *IntentDetector) DetectIntent(ctx context.Context, message string) (*IntentResult, error) {
	categories, err := d.catalog.ListEmploymentCategories(ctx)
	if err != nil {
		return nil, fmt.Errorf("service.DetectIntent: list categories: %w", err)
	}

	prompt := buildIntentPrompt(message, categories)
	raw, err := d.llm.CompleteJSON(ctx, prompt, llmclient.Options{
		Temperature: 0,
		MaxTokens:   300,
		System:      intentSystemPrompt,
	})
	if err != nil {
		return fallbackIntent(message, categories), nil
	}

	var parsed intentJSON
	if jsonErr := json.Unmarshal([]byte(extractJSONObject(raw)), &parsed); jsonErr != nil {
		return fallbackIntent(message, categories), nil
	}

	categoryHit := ""
	if parsed.CategoryHit != nil {
		categoryHit = *parsed.CategoryHit
	}
	return &IntentResult{
		EmploymentIntent: parsed.EmploymentIntent,
		SkillsIntent:     parsed.SkillsIntent,
		CategoryHit:      categoryHit,
		Confidence:       parsed.Confidence,
	}, nil
}

const intentSystemPrompt = `You are a precise boolean classifier for a single chat message in a career-coaching agent. Return only a JSON object, no prose.

Definitions:
- employment_intent: true if the message states or implies the user's job/role/category, OR discusses/asks about a profession or professional field in general.
- skills_intent: true only if the message asks to choose, prioritize, or improve skills, requests a learning plan/roadmap, or mentions concrete skills/technologies tied to a category.
- category_hit: the id of an explicitly named category/role from the provided list, or null. Do not set this for a field mentioned only in passing ("I study data science" is not an explicit role mention; "I am a data scientist" is).
- confidence: 0 to 1.

Use only the current message; never infer from history.`

func buildIntentPrompt(message string, categories []model.EmploymentCategory) string {
	var sb strings.Builder
	sb.WriteString("Known categories (id: name):\n")
	for _, c := range categories {
		fmt.Fprintf(&sb, "- %s: %s\n", c.ID, c.Name)
	}
	sb.WriteString("\nMessage: ")
	sb.WriteString(message)
	sb.WriteString("\n\nReturn JSON: {\"employment_intent\": bool, \"skills_intent\": bool, \"category_hit\": \"id\" or null, \"confidence\": 0.0-1.0}")
	return sb.String()
}

// fallbackIntent is a deterministic rule-based detector used when the
// LLM call fails. Its confidence is a fixed 0.4; the LLM path reports
// whatever confidence the model returns, with no lower bound applied.
func fallbackIntent(message string, categories []model.EmploymentCategory) *IntentResult {
	lower := strings.ToLower(message)

	categoryHit := ""
	for _, c := range categories {
		if strings.Contains(lower, strings.ToLower(c.Name)) {
			categoryHit = c.ID
			break
		}
	}

	employmentKeywords := []string{"job", "role", "career", "profession", "field", "industry", "work as"}
	skillsKeywords := []string{"skill", "learn", "roadmap", "course", "improve", "prioritize"}

	employmentIntent := categoryHit != "" || containsAny(lower, employmentKeywords)
	skillsIntent := containsAny(lower, skillsKeywords)

	return &IntentResult{
		EmploymentIntent: employmentIntent,
		SkillsIntent:     skillsIntent,
		CategoryHit:      categoryHit,
		Confidence:       0.4,
	}
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// scopeJSON is the scope classifier's raw JSON shape.
type scopeJSON struct {
	Proceed bool   `json:"proceed"`
	Message string `json:"message"`
}

const friendlyFallback = "This assistant doesn't write or run code; it clarifies your career path by identifying your role, priority skills, and pain points to drive a personalized learning plan."

// ClassifyScope decides whether message is in-scope. Re-asks of a
// pending nudge and direct domain questions are always in-scope;
// system-about queries are routed to a templated explainer rather than
// a refusal (handled by the scope prompt itself, not a separate code
// path, matching how the prompt frames "about" queries as a distinct
// branch of the out-of-scope case).
func (d *IntentDetector) ClassifyScope(ctx context.Context, message, prevEncouragement string) (*ScopeResult, error) {
	prompt := buildScopePrompt(message, prevEncouragement)
	raw, err := d.llm.CompleteJSON(ctx, prompt, llmclient.Options{
		Temperature: 0.6,
		MaxTokens:   200,
		System:      scopeSystemPrompt,
	})
	if err != nil {
		return &ScopeResult{Proceed: false, Message: friendlyFallback}, nil
	}

	var parsed scopeJSON
	if jsonErr := json.Unmarshal([]byte(extractJSONObject(raw)), &parsed); jsonErr != nil {
		return &ScopeResult{Proceed: false, Message: friendlyFallback}, nil
	}
	if !parsed.Proceed {
		msg := strings.TrimSpace(parsed.Message)
		if msg == "" {
			msg = friendlyFallback
		}
		msg = strings.ReplaceAll(msg, "\n", " ")
		if strings.Contains(msg, "?") {
			msg = strings.ReplaceAll(msg, "?", ".")
		}
		return &ScopeResult{Proceed: false, Message: msg}, nil
	}
	return &ScopeResult{Proceed: true}, nil
}

const scopeSystemPrompt = `Role: You are the Decision Gate for a career-coaching agent. Classify a user's message as in-scope or out-of-scope.

[IN-SCOPE -> {"proceed": true}]
1. User analysis: identifying skills, employment category, pain points, or career goals.
2. Domain knowledge: questions about professional fields, roles, concepts, tools, or methods.
3. Small talk: greetings, thanks, short social niceties.
4. Follow-up: a direct answer to the previous assistant encouragement question.
5. Value/benefits of the field: importance, benefits, impact, or reasons to pursue it.
6. Market information: salaries, demand, outlook.

[OUT-OF-SCOPE -> {"proceed": false, "message": "..."}]
1. Anything unrelated to careers, skills, or professional development.
2. Asking the agent to execute work (write code, run analysis, perform tasks on the user's behalf).

[OUTPUT CONTRACT]
Return only a JSON object, no markdown, no extra text.
- In scope: {"proceed": true}
- Out of scope: {"proceed": false, "message": "<friendly message>"}

[OUT-OF-SCOPE MESSAGE RULES]
1. Friendly, concise, one or two sentences.
2. Start by stating the boundary, then what the agent does instead.
3. If a previous encouragement question is given in context, append a brief re-ask, preserving any canonical option wording exactly.

[SPECIAL HANDLING: "ABOUT" QUESTIONS]
Trigger only when the user explicitly asks about the assistant/system itself ("what can you do?", "who are you?"). Do not apply this to domain knowledge questions. Return {"proceed": false, "message": "<2-4 sentence plain explainer of the system, no questions; optionally end with a short re-ask of a pending encouragement question>"}.`

func buildScopePrompt(message, prevEncouragement string) string {
	ctx := "None"
	if strings.TrimSpace(prevEncouragement) != "" {
		ctx = fmt.Sprintf("Previous assistant encouragement: %q", prevEncouragement)
	}
	return fmt.Sprintf("CONTEXT:\n%s\n\nUSER MESSAGE:\n%s", ctx, message)
}
