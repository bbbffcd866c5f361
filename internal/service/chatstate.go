package service

import (
	"context"

	"github.com/connexus-ai/uia-backend/internal/model"
)

// ChatStateStore is C3's contract: idempotent per-chat state for the
// employment/skills record and the insight taken/pending ledger. The
// concrete Postgres-backed implementation lives in internal/repository.
type ChatStateStore interface {
	GetUIAState(ctx context.Context, chatID string) (*model.ChatUIAState, error)
	UpsertEmploymentCategory(ctx context.Context, chatID, categoryID, vaultVersion string) error
	UpsertSkills(ctx context.Context, chatID string, skillIDs []string, letSystemDecide bool, vaultVersion string) error

	GetSession(ctx context.Context, chatID string) (*model.ChatInsightSession, error)
	TouchBatch(ctx context.Context, chatID, batchID, vaultVersion string) error

	GetTakenAndPending(ctx context.Context, chatID string) (taken map[string]bool, pending map[string]bool, err error)
	ListPendingByBatch(ctx context.Context, chatID string, batchIDs []string) (map[string][]model.ChatInsightState, error)
	UpsertPending(ctx context.Context, chatID, batchID, insightID string, reason model.PendingReason, vaultVersion string) error
	TakeSingle(ctx context.Context, chatID, batchID, insightID, answerID string, meta model.InsightMeta) error
	TakeMulti(ctx context.Context, chatID, batchID, insightID string, answerIDs []string, meta model.InsightMeta) error

	// ExpandBatchPending inserts a question_only-or-lower pending row
	// (PendingBatchFill) for every candidate insight in batchID that is
	// not already taken or pending, so an insight batch survey always
	// offers its full active question set once any member is touched.
	ExpandBatchPending(ctx context.Context, chatID, batchID string, candidateInsightIDs []string, vaultVersion string) error

	RecomputeStats(ctx context.Context, chatID string) (model.InsightStats, error)

	// ListFullyTakenBatches returns ids of touched batches whose active
	// insights are all Taken (used by the nudge engine to skip batches
	// that no longer need encouragement).
	ListFullyTakenBatches(ctx context.Context, chatID string) ([]string, error)
}
