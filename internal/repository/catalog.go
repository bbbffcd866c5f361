package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/connexus-ai/uia-backend/internal/model"
)

// vaultFile is the on-disk shape of a single taxonomy version, one
// file per version under CatalogDir (e.g. "2026-01.json").
type vaultFile struct {
	VaultVersion        string                     `json:"vaultVersion"`
	EmploymentCategories []model.EmploymentCategory `json:"employmentCategories"`
	Skills              []model.Skill              `json:"skills"`
	InsightBatches      []model.InsightBatch        `json:"insightBatches"`
}

// CatalogRepo is C2's default implementation: a read-only taxonomy
// reader over JSON vault files on disk, lazily loaded and cached per
// process (the catalog is immutable within a version, so there is no
// invalidation path short of a restart).
type CatalogRepo struct {
	dir string

	mu      sync.RWMutex
	active  string
	loaded  map[string]*vaultFile
}

// NewCatalogRepo creates a CatalogRepo rooted at dir. dir must contain
// one JSON file per vault version plus an "active_version.txt" file naming the
// current version (see loadActiveVersion).
func NewCatalogRepo(dir string) *CatalogRepo {
	return &CatalogRepo{dir: dir, loaded: make(map[string]*vaultFile)}
}

func (r *CatalogRepo) loadActiveVersion() (string, error) {
	r.mu.RLock()
	if r.active != "" {
		defer r.mu.RUnlock()
		return r.active, nil
	}
	r.mu.RUnlock()

	raw, err := os.ReadFile(filepath.Join(r.dir, "active_version.txt"))
	if err != nil {
		return "", fmt.Errorf("repository.CatalogRepo: read active version: %w", err)
	}
	version := strings.TrimSpace(string(raw))

	r.mu.Lock()
	r.active = version
	r.mu.Unlock()
	return version, nil
}

func (r *CatalogRepo) loadVault(version string) (*vaultFile, error) {
	r.mu.RLock()
	if v, ok := r.loaded[version]; ok {
		defer r.mu.RUnlock()
		return v, nil
	}
	r.mu.RUnlock()

	path := filepath.Join(r.dir, version+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("repository.CatalogRepo: read vault %s: %w", version, err)
	}
	var vf vaultFile
	if err := json.Unmarshal(raw, &vf); err != nil {
		return nil, fmt.Errorf("repository.CatalogRepo: parse vault %s: %w", version, err)
	}

	r.mu.Lock()
	r.loaded[version] = &vf
	r.mu.Unlock()
	return &vf, nil
}

func (r *CatalogRepo) activeVault() (*vaultFile, error) {
	version, err := r.loadActiveVersion()
	if err != nil {
		return nil, err
	}
	return r.loadVault(version)
}

// ActiveVaultVersion returns the currently active taxonomy version id.
func (r *CatalogRepo) ActiveVaultVersion(ctx context.Context) (string, error) {
	return r.loadActiveVersion()
}

// ListEmploymentCategories returns every category in the active vault.
func (r *CatalogRepo) ListEmploymentCategories(ctx context.Context) ([]model.EmploymentCategory, error) {
	vf, err := r.activeVault()
	if err != nil {
		return nil, err
	}
	return vf.EmploymentCategories, nil
}

// GetEmploymentCategory looks up a single category by id.
func (r *CatalogRepo) GetEmploymentCategory(ctx context.Context, categoryID string) (*model.EmploymentCategory, error) {
	vf, err := r.activeVault()
	if err != nil {
		return nil, err
	}
	for i := range vf.EmploymentCategories {
		if vf.EmploymentCategories[i].ID == categoryID {
			return &vf.EmploymentCategories[i], nil
		}
	}
	return nil, fmt.Errorf("repository.CatalogRepo.GetEmploymentCategory: unknown category %q", categoryID)
}

// ListSkills returns the skills owned by categoryID.
func (r *CatalogRepo) ListSkills(ctx context.Context, categoryID string) ([]model.Skill, error) {
	vf, err := r.activeVault()
	if err != nil {
		return nil, err
	}
	out := make([]model.Skill, 0)
	for _, s := range vf.Skills {
		if s.CategoryID == categoryID {
			out = append(out, s)
		}
	}
	return out, nil
}

// ValidateSkillSet reports whether every id in skillIDs belongs to
// categoryID in the active vault.
func (r *CatalogRepo) ValidateSkillSet(ctx context.Context, categoryID string, skillIDs []string) (bool, error) {
	skills, err := r.ListSkills(ctx, categoryID)
	if err != nil {
		return false, err
	}
	valid := make(map[string]bool, len(skills))
	for _, s := range skills {
		valid[s.ID] = true
	}
	for _, id := range skillIDs {
		if !valid[id] {
			return false, nil
		}
	}
	return true, nil
}

// ListActiveInsightBatches returns all insight batches in the active
// vault whose Active flag is set.
func (r *CatalogRepo) ListActiveInsightBatches(ctx context.Context) ([]model.InsightBatch, error) {
	vf, err := r.activeVault()
	if err != nil {
		return nil, err
	}
	out := make([]model.InsightBatch, 0, len(vf.InsightBatches))
	for _, b := range vf.InsightBatches {
		if b.Active {
			out = append(out, b)
		}
	}
	return out, nil
}

// InsightBatchID returns the batch id owning insightID.
func (r *CatalogRepo) InsightBatchID(ctx context.Context, insightID string) (string, error) {
	vf, err := r.activeVault()
	if err != nil {
		return "", err
	}
	for _, b := range vf.InsightBatches {
		for _, ins := range b.Insights {
			if ins.InsightID == insightID {
				return b.BatchID, nil
			}
		}
	}
	return "", fmt.Errorf("repository.CatalogRepo.InsightBatchID: unknown insight %q", insightID)
}

// vaultPack is the compact JSON blob handed to the insight engine's
// LLM prompt: active batches/insights/answers only, no vault metadata
// the model doesn't need.
type vaultPack struct {
	Batches []vaultPackBatch `json:"batches"`
}

type vaultPackBatch struct {
	BatchID  string             `json:"batchId"`
	Insights []vaultPackInsight `json:"insights"`
}

type vaultPackInsight struct {
	InsightID     string                    `json:"insightId"`
	Question      string                    `json:"question"`
	IsMultiSelect bool                      `json:"isMultiSelect"`
	Answers       map[string]model.Answer `json:"answers"`
}

// BuildVaultPack serializes the active vault's insight batches into
// the compact JSON pack the insight engine's system prompt expects.
func (r *CatalogRepo) BuildVaultPack(ctx context.Context) (string, error) {
	batches, err := r.ListActiveInsightBatches(ctx)
	if err != nil {
		return "", err
	}
	sort.Slice(batches, func(i, j int) bool { return batches[i].BatchID < batches[j].BatchID })

	pack := vaultPack{Batches: make([]vaultPackBatch, 0, len(batches))}
	for _, b := range batches {
		insights := make([]vaultPackInsight, 0, len(b.Insights))
		for _, ins := range b.Insights {
			if !ins.IsActive {
				continue
			}
			insights = append(insights, vaultPackInsight{
				InsightID:     ins.InsightID,
				Question:      ins.Question,
				IsMultiSelect: ins.IsMultiSelect,
				Answers:       ins.Answers,
			})
		}
		if len(insights) == 0 {
			continue
		}
		pack.Batches = append(pack.Batches, vaultPackBatch{BatchID: b.BatchID, Insights: insights})
	}

	raw, err := json.Marshal(pack)
	if err != nil {
		return "", fmt.Errorf("repository.CatalogRepo.BuildVaultPack: %w", err)
	}
	return string(raw), nil
}
