package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all application configuration loaded from environment
// variables. It is immutable after Load() returns.
type Config struct {
	Port        int
	Environment string

	// LLM provider (C1). OPENAI_API_KEY is required in non-development
	// environments; the three model identities are never defaulted to a
	// specific model family by this package (spec §1 non-goal).
	OpenAIAPIKey    string
	LLMModel        string
	PlannerModel    string
	RerankModel     string
	LLMTimeoutSecs  int

	// Embedding model contract.
	EmbeddingModel     string
	EmbeddingDimensions int

	// RAG composition policy (spec §4.6 step 6-7, §6).
	AllowGeneralKnowledge bool
	MaxGeneralPercent     float64
	ContextTokenLimit     int
	SufficiencyThreshold  float64

	// Self-RAG / reflection loop (C6).
	SelfRAGMaxIterations int
	ConfidenceThreshold  float64
	StrictRelevanceFilter bool // Open Question (ii): fixed at startup, never toggled per call.

	// Index artifacts on disk (§6 "Index on disk").
	IndexDir   string // directory containing meta.jsonl, vector index, bm25 artifacts
	ChunksRoot string // <CHUNKS_ROOT>/<docId>/<docId>_<version>_chunks.jsonl

	// Taxonomy catalog (C2).
	CatalogDir string // directory of employment categories / skills / insight batch JSON

	// Postgres-backed ChatStateStore/MessageStore (DOMAIN STACK). No
	// in-memory fallback is implemented for either: cmd/server always
	// constructs the Postgres-backed stores, so DatabaseURL is effectively
	// required at runtime. UsePostgresState keeps an explicit check at
	// Load() time so a misconfigured deployment fails fast instead of
	// connecting with an empty DSN.
	DatabaseURL      string
	DatabaseMaxConns int
	UsePostgresState bool

	// Open Question (iii): configured allowlist of categories that may be
	// persisted to ChatUIAState.EmploymentCategoryID. Empty means "any
	// category present in the active taxonomy is persistable."
	PersistableCategories []string

	// Progress broker (C4).
	ProgressQueueTTLSeconds int
	ProgressHeartbeatSecs   int

	// Ambient.
	InternalAuthSecret string
	SessionSecret      string
	FrontendURL        string
}

// Load reads configuration from environment variables. Required
// variables cause an error if missing; optional variables use sensible
// defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        envInt("PORT", 8080),
		Environment: envStr("ENVIRONMENT", "development"),

		OpenAIAPIKey:   os.Getenv("OPENAI_API_KEY"),
		LLMModel:       envStr("RAG_LLM_MODEL", ""),
		PlannerModel:   envStr("RAG_PLANNER_MODEL", envStr("RAG_LLM_MODEL", "")),
		RerankModel:    envStr("RAG_RERANK_MODEL", envStr("RAG_LLM_MODEL", "")),
		LLMTimeoutSecs: envInt("LLM_TIMEOUT_SECONDS", 12),

		EmbeddingModel:      envStr("EMBEDDING_MODEL", ""),
		EmbeddingDimensions: envInt("EMBEDDING_DIMENSIONS", 768),

		AllowGeneralKnowledge: envBool("RAG_ALLOW_GENERAL_KNOWLEDGE", false),
		MaxGeneralPercent:     envFloat("RAG_MAX_GENERAL_PERCENT", 0.25),
		ContextTokenLimit:     envInt("RAG_CONTEXT_TOKEN_LIMIT", 6000),
		SufficiencyThreshold:  envFloat("RAG_SUFFICIENCY_THRESHOLD", 0.70),

		SelfRAGMaxIterations:  envInt("SELF_RAG_MAX_ITERATIONS", 1),
		ConfidenceThreshold:   envFloat("SILENCE_THRESHOLD", 0.60),
		StrictRelevanceFilter: envBool("RAG_STRICT_RELEVANCE_FILTER", false),

		IndexDir:   envStr("INDEX_DIR", "./5_index"),
		ChunksRoot: envStr("CHUNKS_ROOT", "./4_chunks"),

		CatalogDir: envStr("CATALOG_DIR", "./catalog"),

		DatabaseURL:      os.Getenv("DATABASE_URL"),
		DatabaseMaxConns: envInt("DATABASE_MAX_CONNS", 25),
		UsePostgresState: envBool("USE_POSTGRES_STATE", false),

		PersistableCategories: envStrList("PERSISTABLE_CATEGORIES", nil),

		ProgressQueueTTLSeconds: envInt("PROGRESS_QUEUE_TTL_SECONDS", 300),
		ProgressHeartbeatSecs:   envInt("PROGRESS_HEARTBEAT_SECONDS", 30),

		InternalAuthSecret: envStr("INTERNAL_AUTH_SECRET", ""),
		SessionSecret:      envStr("SESSION_SECRET", ""),
		FrontendURL:        envStr("FRONTEND_URL", "http://localhost:3000"),
	}

	if cfg.Environment != "development" && cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("config.Load: OPENAI_API_KEY is required in %s environment", cfg.Environment)
	}
	if cfg.UsePostgresState && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("config.Load: DATABASE_URL is required when USE_POSTGRES_STATE is set")
	}
	if cfg.Environment != "development" && cfg.InternalAuthSecret == "" {
		return nil, fmt.Errorf("config.Load: INTERNAL_AUTH_SECRET is required in %s environment", cfg.Environment)
	}
	if cfg.SessionSecret == "" {
		cfg.SessionSecret = cfg.InternalAuthSecret
	}

	return cfg, nil
}

// IsPersistable reports whether categoryID may be written to
// ChatUIAState.EmploymentCategoryID under the configured allowlist.
func (c *Config) IsPersistable(categoryID string) bool {
	if len(c.PersistableCategories) == 0 {
		return true
	}
	for _, id := range c.PersistableCategories {
		if id == categoryID {
			return true
		}
	}
	return false
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envStrList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
