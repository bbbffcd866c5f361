package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/connexus-ai/uia-backend/internal/model"
)

// ChatStateRepo implements C3 against Postgres, idempotent-upsert
// style, grounded on the teacher's GetOrCreateActive pattern in
// session.go: every write is a single upsert keyed by the row's
// natural identity, never a read-modify-write round trip.
type ChatStateRepo struct {
	pool *pgxpool.Pool
}

// NewChatStateRepo creates a ChatStateRepo.
func NewChatStateRepo(pool *pgxpool.Pool) *ChatStateRepo {
	return &ChatStateRepo{pool: pool}
}

// GetUIAState returns a chat's employment-category/skills record, or
// nil if the chat has no row yet.
func (r *ChatStateRepo) GetUIAState(ctx context.Context, chatID string) (*model.ChatUIAState, error) {
	var s model.ChatUIAState
	var categoryID *string
	var skills []string
	err := r.pool.QueryRow(ctx, `
		SELECT chat_id, employment_category_id, skills_selected, let_system_decide, vault_version
		FROM chat_uia_state WHERE chat_id = $1`, chatID,
	).Scan(&s.ChatID, &categoryID, &skills, &s.LetSystemDecide, &s.VaultVersion)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("repository.ChatStateRepo.GetUIAState: %w", err)
	}
	s.EmploymentCategoryID = categoryID
	s.SkillsSelected = skills
	return &s, nil
}

// UpsertEmploymentCategory records categoryID the first time it is
// called for chatID; the invariant that it never changes afterwards
// is enforced by the ON CONFLICT clause keeping the existing value.
func (r *ChatStateRepo) UpsertEmploymentCategory(ctx context.Context, chatID, categoryID, vaultVersion string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO chat_uia_state (chat_id, employment_category_id, vault_version)
		VALUES ($1, $2, $3)
		ON CONFLICT (chat_id) DO UPDATE
		SET employment_category_id = COALESCE(chat_uia_state.employment_category_id, EXCLUDED.employment_category_id)`,
		chatID, categoryID, vaultVersion,
	)
	if err != nil {
		return fmt.Errorf("repository.ChatStateRepo.UpsertEmploymentCategory: %w", err)
	}
	return nil
}

// UpsertSkills records the skills selection (or let-system-decide) the
// first time it is called; subsequent calls are no-ops per the
// once-recorded invariant.
func (r *ChatStateRepo) UpsertSkills(ctx context.Context, chatID string, skillIDs []string, letSystemDecide bool, vaultVersion string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO chat_uia_state (chat_id, skills_selected, let_system_decide, vault_version)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (chat_id) DO UPDATE
		SET skills_selected = CASE
				WHEN chat_uia_state.let_system_decide OR cardinality(chat_uia_state.skills_selected) > 0
				THEN chat_uia_state.skills_selected ELSE EXCLUDED.skills_selected END,
			let_system_decide = CASE
				WHEN chat_uia_state.let_system_decide OR cardinality(chat_uia_state.skills_selected) > 0
				THEN chat_uia_state.let_system_decide ELSE EXCLUDED.let_system_decide END`,
		chatID, skillIDs, letSystemDecide, vaultVersion,
	)
	if err != nil {
		return fmt.Errorf("repository.ChatStateRepo.UpsertSkills: %w", err)
	}
	return nil
}

// GetSession returns a chat's touched-batch/stats session row, or nil.
func (r *ChatStateRepo) GetSession(ctx context.Context, chatID string) (*model.ChatInsightSession, error) {
	var s model.ChatInsightSession
	var touched []string
	err := r.pool.QueryRow(ctx, `
		SELECT chat_id, touched_batch_ids, taken_count, pending_count, vault_version
		FROM chat_insight_session WHERE chat_id = $1`, chatID,
	).Scan(&s.ChatID, &touched, &s.Stats.TakenCount, &s.Stats.PendingCount, &s.VaultVersion)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("repository.ChatStateRepo.GetSession: %w", err)
	}
	s.TouchedBatchIDs = make(map[string]bool, len(touched))
	for _, b := range touched {
		s.TouchedBatchIDs[b] = true
	}
	return &s, nil
}

// TouchBatch adds batchID to chatID's touched set, creating the
// session row on first touch.
func (r *ChatStateRepo) TouchBatch(ctx context.Context, chatID, batchID, vaultVersion string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO chat_insight_session (chat_id, touched_batch_ids, vault_version)
		VALUES ($1, ARRAY[$2::text], $3)
		ON CONFLICT (chat_id) DO UPDATE
		SET touched_batch_ids = (
			SELECT ARRAY(SELECT DISTINCT unnest(chat_insight_session.touched_batch_ids || $2::text)))`,
		chatID, batchID, vaultVersion,
	)
	if err != nil {
		return fmt.Errorf("repository.ChatStateRepo.TouchBatch: %w", err)
	}
	return nil
}

// GetTakenAndPending returns, for every insight row belonging to
// chatID, whether it is taken and whether it is pending (both as id
// sets, mirroring the Python original's two-set return shape).
func (r *ChatStateRepo) GetTakenAndPending(ctx context.Context, chatID string) (map[string]bool, map[string]bool, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT insight_id, taken FROM chat_insight_state WHERE chat_id = $1`, chatID)
	if err != nil {
		return nil, nil, fmt.Errorf("repository.ChatStateRepo.GetTakenAndPending: %w", err)
	}
	defer rows.Close()

	taken := make(map[string]bool)
	pending := make(map[string]bool)
	for rows.Next() {
		var insightID string
		var isTaken bool
		if err := rows.Scan(&insightID, &isTaken); err != nil {
			return nil, nil, fmt.Errorf("repository.ChatStateRepo.GetTakenAndPending: scan: %w", err)
		}
		if isTaken {
			taken[insightID] = true
		} else {
			pending[insightID] = true
		}
	}
	return taken, pending, rows.Err()
}

// ListPendingByBatch returns pending (not-yet-taken) insight rows for
// chatID, grouped by batch id, restricted to batchIDs.
func (r *ChatStateRepo) ListPendingByBatch(ctx context.Context, chatID string, batchIDs []string) (map[string][]model.ChatInsightState, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT chat_id, batch_id, insight_id, pending_reason, meta, updated_at
		FROM chat_insight_state
		WHERE chat_id = $1 AND taken = false AND batch_id = ANY($2)`, chatID, batchIDs)
	if err != nil {
		return nil, fmt.Errorf("repository.ChatStateRepo.ListPendingByBatch: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]model.ChatInsightState)
	for rows.Next() {
		var s model.ChatInsightState
		var metaRaw []byte
		var reason *string
		if err := rows.Scan(&s.ChatID, &s.BatchID, &s.InsightID, &reason, &metaRaw, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("repository.ChatStateRepo.ListPendingByBatch: scan: %w", err)
		}
		if reason != nil {
			s.PendingReason = model.PendingReason(*reason)
		}
		if len(metaRaw) > 0 {
			if err := json.Unmarshal(metaRaw, &s.Meta); err != nil {
				return nil, fmt.Errorf("repository.ChatStateRepo.ListPendingByBatch: unmarshal meta: %w", err)
			}
		}
		out[s.BatchID] = append(out[s.BatchID], s)
	}
	return out, rows.Err()
}

// UpsertPending marks (chatID, insightID) pending with reason, unless
// the row is already taken.
func (r *ChatStateRepo) UpsertPending(ctx context.Context, chatID, batchID, insightID string, reason model.PendingReason, vaultVersion string) error {
	meta := model.InsightMeta{VaultVersion: vaultVersion}
	metaRaw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("repository.ChatStateRepo.UpsertPending: marshal meta: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO chat_insight_state (chat_id, batch_id, insight_id, taken, pending_reason, meta, updated_at)
		VALUES ($1, $2, $3, false, $4, $5, $6)
		ON CONFLICT (chat_id, insight_id) DO UPDATE
		SET pending_reason = EXCLUDED.pending_reason, meta = EXCLUDED.meta, updated_at = EXCLUDED.updated_at
		WHERE chat_insight_state.taken = false`,
		chatID, batchID, insightID, string(reason), metaRaw, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("repository.ChatStateRepo.UpsertPending: %w", err)
	}
	return nil
}

// TakeSingle records a single-select answer for (chatID, insightID).
func (r *ChatStateRepo) TakeSingle(ctx context.Context, chatID, batchID, insightID, answerID string, meta model.InsightMeta) error {
	metaRaw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("repository.ChatStateRepo.TakeSingle: marshal meta: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO chat_insight_state (chat_id, batch_id, insight_id, taken, answer_id, meta, updated_at)
		VALUES ($1, $2, $3, true, $4, $5, $6)
		ON CONFLICT (chat_id, insight_id) DO UPDATE
		SET taken = true, answer_id = EXCLUDED.answer_id, pending_reason = NULL,
			meta = EXCLUDED.meta, updated_at = EXCLUDED.updated_at
		WHERE chat_insight_state.taken = false`,
		chatID, batchID, insightID, answerID, metaRaw, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("repository.ChatStateRepo.TakeSingle: %w", err)
	}
	return nil
}

// TakeMulti records a multi-select answer set for (chatID, insightID).
func (r *ChatStateRepo) TakeMulti(ctx context.Context, chatID, batchID, insightID string, answerIDs []string, meta model.InsightMeta) error {
	metaRaw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("repository.ChatStateRepo.TakeMulti: marshal meta: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO chat_insight_state (chat_id, batch_id, insight_id, taken, answer_ids, meta, updated_at)
		VALUES ($1, $2, $3, true, $4, $5, $6)
		ON CONFLICT (chat_id, insight_id) DO UPDATE
		SET taken = true, answer_ids = EXCLUDED.answer_ids, pending_reason = NULL,
			meta = EXCLUDED.meta, updated_at = EXCLUDED.updated_at
		WHERE chat_insight_state.taken = false`,
		chatID, batchID, insightID, answerIDs, metaRaw, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("repository.ChatStateRepo.TakeMulti: %w", err)
	}
	return nil
}

// ExpandBatchPending inserts a batch_fill pending row for every
// candidate insight in batchID not already taken or pending.
func (r *ChatStateRepo) ExpandBatchPending(ctx context.Context, chatID, batchID string, candidateInsightIDs []string, vaultVersion string) error {
	if len(candidateInsightIDs) == 0 {
		return nil
	}
	meta := model.InsightMeta{VaultVersion: vaultVersion}
	metaRaw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("repository.ChatStateRepo.ExpandBatchPending: marshal meta: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO chat_insight_state (chat_id, batch_id, insight_id, taken, pending_reason, meta, updated_at)
		SELECT $1, $2, unnest($3::text[]), false, $4, $5, $6
		ON CONFLICT (chat_id, insight_id) DO NOTHING`,
		chatID, batchID, candidateInsightIDs, string(model.PendingBatchFill), metaRaw, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("repository.ChatStateRepo.ExpandBatchPending: %w", err)
	}
	return nil
}

// RecomputeStats recounts taken/pending rows for chatID and persists
// the totals on the session row.
func (r *ChatStateRepo) RecomputeStats(ctx context.Context, chatID string) (model.InsightStats, error) {
	var stats model.InsightStats
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FILTER (WHERE taken), count(*) FILTER (WHERE NOT taken)
		FROM chat_insight_state WHERE chat_id = $1`, chatID,
	).Scan(&stats.TakenCount, &stats.PendingCount)
	if err != nil {
		return stats, fmt.Errorf("repository.ChatStateRepo.RecomputeStats: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		UPDATE chat_insight_session SET taken_count = $1, pending_count = $2 WHERE chat_id = $3`,
		stats.TakenCount, stats.PendingCount, chatID,
	)
	if err != nil {
		return stats, fmt.Errorf("repository.ChatStateRepo.RecomputeStats: persist: %w", err)
	}
	return stats, nil
}

// ListFullyTakenBatches returns ids of touched batches whose insights
// are all marked taken.
func (r *ChatStateRepo) ListFullyTakenBatches(ctx context.Context, chatID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT batch_id FROM chat_insight_state
		WHERE chat_id = $1
		GROUP BY batch_id
		HAVING bool_and(taken)`, chatID)
	if err != nil {
		return nil, fmt.Errorf("repository.ChatStateRepo.ListFullyTakenBatches: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var batchID string
		if err := rows.Scan(&batchID); err != nil {
			return nil, fmt.Errorf("repository.ChatStateRepo.ListFullyTakenBatches: scan: %w", err)
		}
		out = append(out, batchID)
	}
	return out, rows.Err()
}
