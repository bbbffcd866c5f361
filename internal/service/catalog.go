package service

import (
	"context"

	"github.com/connexus-ai/uia-backend/internal/model"
)

// CatalogReader is C2's read-only contract, consumed by C7-C10. The
// concrete file-backed implementation lives in internal/repository.
type CatalogReader interface {
	ActiveVaultVersion(ctx context.Context) (string, error)
	ListEmploymentCategories(ctx context.Context) ([]model.EmploymentCategory, error)
	GetEmploymentCategory(ctx context.Context, categoryID string) (*model.EmploymentCategory, error)
	ListSkills(ctx context.Context, categoryID string) ([]model.Skill, error)
	ValidateSkillSet(ctx context.Context, categoryID string, skillIDs []string) (bool, error)
	ListActiveInsightBatches(ctx context.Context) ([]model.InsightBatch, error)
	InsightBatchID(ctx context.Context, insightID string) (string, error)
	BuildVaultPack(ctx context.Context) (string, error)
}
