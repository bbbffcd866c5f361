package config

import (
	"os"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "ENVIRONMENT", "OPENAI_API_KEY", "RAG_LLM_MODEL",
		"RAG_PLANNER_MODEL", "RAG_RERANK_MODEL", "LLM_TIMEOUT_SECONDS",
		"EMBEDDING_MODEL", "EMBEDDING_DIMENSIONS",
		"RAG_ALLOW_GENERAL_KNOWLEDGE", "RAG_MAX_GENERAL_PERCENT",
		"RAG_CONTEXT_TOKEN_LIMIT", "RAG_SUFFICIENCY_THRESHOLD",
		"SELF_RAG_MAX_ITERATIONS", "SILENCE_THRESHOLD",
		"RAG_STRICT_RELEVANCE_FILTER", "INDEX_DIR", "CHUNKS_ROOT",
		"CATALOG_DIR", "DATABASE_URL", "DATABASE_MAX_CONNS",
		"USE_POSTGRES_STATE", "PERSISTABLE_CATEGORIES",
		"PROGRESS_QUEUE_TTL_SECONDS", "PROGRESS_HEARTBEAT_SECONDS",
		"INTERNAL_AUTH_SECRET", "SESSION_SECRET", "FRONTEND_URL",
	} {
		os.Unsetenv(key)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.Environment != "development" {
		t.Errorf("Environment = %q, want %q", cfg.Environment, "development")
	}
	if cfg.ConfidenceThreshold != 0.60 {
		t.Errorf("ConfidenceThreshold = %f, want 0.60", cfg.ConfidenceThreshold)
	}
	if cfg.SelfRAGMaxIterations != 1 {
		t.Errorf("SelfRAGMaxIterations = %d, want 1", cfg.SelfRAGMaxIterations)
	}
	if cfg.MaxGeneralPercent != 0.25 {
		t.Errorf("MaxGeneralPercent = %f, want 0.25", cfg.MaxGeneralPercent)
	}
	if cfg.SufficiencyThreshold != 0.70 {
		t.Errorf("SufficiencyThreshold = %f, want 0.70", cfg.SufficiencyThreshold)
	}
	if cfg.EmbeddingDimensions != 768 {
		t.Errorf("EmbeddingDimensions = %d, want 768", cfg.EmbeddingDimensions)
	}
	if cfg.FrontendURL != "http://localhost:3000" {
		t.Errorf("FrontendURL = %q, want %q", cfg.FrontendURL, "http://localhost:3000")
	}
	if len(cfg.PersistableCategories) != 0 {
		t.Errorf("PersistableCategories = %v, want empty", cfg.PersistableCategories)
	}
}

func TestLoad_RequiresOpenAIKeyInProduction(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("INTERNAL_AUTH_SECRET", "secret")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for missing OPENAI_API_KEY in production")
	}
}

func TestLoad_RequiresDatabaseURLWhenPostgresEnabled(t *testing.T) {
	clearEnv(t)
	t.Setenv("USE_POSTGRES_STATE", "true")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for missing DATABASE_URL when USE_POSTGRES_STATE is set")
	}
}

func TestLoad_CustomValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("INTERNAL_AUTH_SECRET", "test-secret-for-production")
	t.Setenv("SILENCE_THRESHOLD", "0.90")
	t.Setenv("SELF_RAG_MAX_ITERATIONS", "5")
	t.Setenv("PERSISTABLE_CATEGORIES", "ec_ds, ec_swe ,ec_pm")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.ConfidenceThreshold != 0.90 {
		t.Errorf("ConfidenceThreshold = %f, want 0.90", cfg.ConfidenceThreshold)
	}
	if cfg.SelfRAGMaxIterations != 5 {
		t.Errorf("SelfRAGMaxIterations = %d, want 5", cfg.SelfRAGMaxIterations)
	}
	want := []string{"ec_ds", "ec_swe", "ec_pm"}
	if len(cfg.PersistableCategories) != len(want) {
		t.Fatalf("PersistableCategories = %v, want %v", cfg.PersistableCategories, want)
	}
	for i, v := range want {
		if cfg.PersistableCategories[i] != v {
			t.Errorf("PersistableCategories[%d] = %q, want %q", i, cfg.PersistableCategories[i], v)
		}
	}
}

func TestLoad_InvalidIntFallsBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080 (fallback)", cfg.Port)
	}
}

func TestLoad_InvalidFloatFallsBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("SILENCE_THRESHOLD", "bad")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.ConfidenceThreshold != 0.60 {
		t.Errorf("ConfidenceThreshold = %f, want 0.60 (fallback)", cfg.ConfidenceThreshold)
	}
}

func TestLoad_SessionSecretDefaultsToInternalAuthSecret(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("INTERNAL_AUTH_SECRET", "shared-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.SessionSecret != "shared-secret" {
		t.Errorf("SessionSecret = %q, want it to default to InternalAuthSecret", cfg.SessionSecret)
	}
}

func TestLoad_SessionSecretHonorsOwnEnvVar(t *testing.T) {
	clearEnv(t)
	t.Setenv("INTERNAL_AUTH_SECRET", "internal-secret")
	t.Setenv("SESSION_SECRET", "session-only-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.SessionSecret != "session-only-secret" {
		t.Errorf("SessionSecret = %q, want %q", cfg.SessionSecret, "session-only-secret")
	}
}

func TestConfig_IsPersistable(t *testing.T) {
	open := &Config{}
	if !open.IsPersistable("anything") {
		t.Error("empty allowlist should persist any category")
	}

	restricted := &Config{PersistableCategories: []string{"ec_ds"}}
	if !restricted.IsPersistable("ec_ds") {
		t.Error("ec_ds should be persistable")
	}
	if restricted.IsPersistable("ec_swe") {
		t.Error("ec_swe should not be persistable under a restricted allowlist")
	}
}
