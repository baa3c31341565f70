package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"briefmatch/internal/config"
	"briefmatch/internal/domain"
	"briefmatch/internal/events"
	"briefmatch/internal/matching"
	"briefmatch/internal/repo"
)

// WeightUpdate replaces parts of the active configuration. Nil fields keep their current value.
type WeightUpdate struct {
	Weights          domain.WeightVector
	ToolSynonyms     domain.SynonymMap
	IndustrySynonyms domain.SynonymMap
	Note             string
}

// EnsureWeightsSeeded stores the configured weights as version 1 when no version exists yet.
func (e Engine) EnsureWeightsSeeded(ctx context.Context) (domain.WeightConfig, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WeightConfig{}, err
	}
	defer tx.Rollback()
	wc, err := e.ensureWeightsTx(ctx, tx)
	if err != nil {
		return wc, err
	}
	if err := tx.Commit(); err != nil {
		return wc, err
	}
	return wc, nil
}

func (e Engine) ensureWeightsTx(ctx context.Context, tx *sql.Tx) (domain.WeightConfig, error) {
	wc, err := e.Repo.GetActiveWeightsTx(ctx, tx)
	if err == nil {
		return wc, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return wc, err
	}
	seed := domain.WeightConfig{
		Weights:          e.Config.SeedWeights(),
		ToolSynonyms:     e.Config.Synonyms.Tools,
		IndustrySynonyms: e.Config.Synonyms.Industries,
		Active:           true,
		CreatedBy:        "system",
		Note:             "seeded from config",
		CreatedAt:        e.nowString(),
	}
	if err := config.ValidateWeights(seed.Weights); err != nil {
		return wc, fmt.Errorf("seed weights: %w", err)
	}
	version, err := e.Repo.InsertActiveWeights(ctx, tx, seed)
	if err != nil {
		return wc, err
	}
	seed.Version = version
	if err := e.events().Append(ctx, tx, events.WeightsUpdated, "", "weights", fmt.Sprint(version), "system", events.EventPayload{"version": version, "seeded": true}); err != nil {
		return wc, err
	}
	return seed, nil
}

// GetActiveWeights returns the active weight configuration, seeding it on first use.
func (e Engine) GetActiveWeights(ctx context.Context) (domain.WeightConfig, error) {
	wc, err := e.Repo.GetActiveWeights(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return e.EnsureWeightsSeeded(ctx)
	}
	return wc, err
}

// GetSynonyms returns the active tool and industry synonym maps.
func (e Engine) GetSynonyms(ctx context.Context) (domain.SynonymMap, domain.SynonymMap, error) {
	wc, err := e.GetActiveWeights(ctx)
	if err != nil {
		return nil, nil, err
	}
	return wc.ToolSynonyms, wc.IndustrySynonyms, nil
}

// UpdateWeights validates the update and activates it as a new version.
// Snapshots computed under older versions are left untouched.
func (e Engine) UpdateWeights(ctx context.Context, up WeightUpdate, actorID string) (domain.WeightConfig, error) {
	if up.Weights == nil && up.ToolSynonyms == nil && up.IndustrySynonyms == nil {
		return domain.WeightConfig{}, invalidf("weights or synonyms are required")
	}
	if up.Weights != nil {
		if err := config.ValidateWeights(up.Weights); err != nil {
			return domain.WeightConfig{}, invalidf("%v", err)
		}
	}
	if err := config.ValidateSynonyms(up.ToolSynonyms); err != nil {
		return domain.WeightConfig{}, invalidf("tool synonyms: %v", err)
	}
	if err := config.ValidateSynonyms(up.IndustrySynonyms); err != nil {
		return domain.WeightConfig{}, invalidf("industry synonyms: %v", err)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WeightConfig{}, err
	}
	defer tx.Rollback()

	current, err := e.ensureWeightsTx(ctx, tx)
	if err != nil {
		return domain.WeightConfig{}, err
	}
	next := domain.WeightConfig{
		Weights:          current.Weights,
		ToolSynonyms:     current.ToolSynonyms,
		IndustrySynonyms: current.IndustrySynonyms,
		Active:           true,
		CreatedBy:        actorOrSystem(actorID),
		Note:             strings.TrimSpace(up.Note),
		CreatedAt:        e.nowString(),
	}
	if up.Weights != nil {
		next.Weights = up.Weights
	}
	if up.ToolSynonyms != nil {
		next.ToolSynonyms = up.ToolSynonyms
	}
	if up.IndustrySynonyms != nil {
		next.IndustrySynonyms = up.IndustrySynonyms
	}
	next, err = e.activateWeights(ctx, tx, next, current.Version, actorID)
	if err != nil {
		return next, err
	}
	if err := tx.Commit(); err != nil {
		return next, err
	}
	e.log(zap.Int("version", next.Version), zap.Int("previous", current.Version)).Info("weights updated")
	return next, nil
}

// RollbackWeights re-activates an earlier version by copying it into a new version.
func (e Engine) RollbackWeights(ctx context.Context, version int, actorID string) (domain.WeightConfig, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WeightConfig{}, err
	}
	defer tx.Rollback()

	old, err := e.Repo.GetWeightVersion(ctx, tx, version)
	if err != nil {
		return domain.WeightConfig{}, err
	}
	current, err := e.ensureWeightsTx(ctx, tx)
	if err != nil {
		return domain.WeightConfig{}, err
	}
	next := domain.WeightConfig{
		Weights:          old.Weights,
		ToolSynonyms:     old.ToolSynonyms,
		IndustrySynonyms: old.IndustrySynonyms,
		Active:           true,
		CreatedBy:        actorOrSystem(actorID),
		Note:             fmt.Sprintf("rollback to v%d", version),
		CreatedAt:        e.nowString(),
	}
	next, err = e.activateWeights(ctx, tx, next, current.Version, actorID)
	if err != nil {
		return next, err
	}
	if err := tx.Commit(); err != nil {
		return next, err
	}
	e.log(zap.Int("version", next.Version), zap.Int("rollback_to", version)).Info("weights rolled back")
	return next, nil
}

func (e Engine) activateWeights(ctx context.Context, tx *sql.Tx, next domain.WeightConfig, previous int, actorID string) (domain.WeightConfig, error) {
	version, err := e.Repo.InsertActiveWeights(ctx, tx, next)
	if err != nil {
		return next, err
	}
	next.Version = version
	payload := events.EventPayload{"version": version, "previous": previous}
	if next.Note != "" {
		payload["note"] = next.Note
	}
	if err := e.events().Append(ctx, tx, events.WeightsUpdated, "", "weights", fmt.Sprint(version), actorID, payload); err != nil {
		return next, err
	}
	return next, nil
}

// WeightHistory lists configuration versions, newest first.
func (e Engine) WeightHistory(ctx context.Context, limit int) ([]domain.WeightConfig, error) {
	return e.Repo.ListWeightVersions(ctx, limit)
}

func (e Engine) scoringConfig(wc domain.WeightConfig) matching.Config {
	return matching.NewConfig(wc, e.Config.Matching.Vocabulary, e.Config.Matching.PreferredLocales)
}

func actorOrSystem(actorID string) string {
	if strings.TrimSpace(actorID) == "" {
		return "system"
	}
	return actorID
}
