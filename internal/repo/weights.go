package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"briefmatch/internal/domain"
)

const weightColumns = `version,weights_json,tool_synonyms_json,industry_synonyms_json,active,created_by,COALESCE(note,''),created_at`

func scanWeights(row rowScanner) (domain.WeightConfig, error) {
	var wc domain.WeightConfig
	var weights, tools, industries string
	var active int
	err := row.Scan(&wc.Version, &weights, &tools, &industries, &active, &wc.CreatedBy, &wc.Note, &wc.CreatedAt)
	if err == sql.ErrNoRows {
		return wc, ErrNotFound
	}
	if err != nil {
		return wc, err
	}
	wc.Active = active == 1
	if err := json.Unmarshal([]byte(weights), &wc.Weights); err != nil {
		return wc, fmt.Errorf("decode weights v%d: %w", wc.Version, err)
	}
	if err := json.Unmarshal([]byte(tools), &wc.ToolSynonyms); err != nil {
		return wc, fmt.Errorf("decode tool synonyms v%d: %w", wc.Version, err)
	}
	if err := json.Unmarshal([]byte(industries), &wc.IndustrySynonyms); err != nil {
		return wc, fmt.Errorf("decode industry synonyms v%d: %w", wc.Version, err)
	}
	return wc, nil
}

// InsertActiveWeights deactivates the current version and stores wc as the new active one.
// Callers run it inside a transaction so readers never observe zero or two active rows.
func (r Repo) InsertActiveWeights(ctx context.Context, tx *sql.Tx, wc domain.WeightConfig) (int, error) {
	weights, err := marshalJSON(wc.Weights)
	if err != nil {
		return 0, err
	}
	if wc.ToolSynonyms == nil {
		wc.ToolSynonyms = domain.SynonymMap{}
	}
	if wc.IndustrySynonyms == nil {
		wc.IndustrySynonyms = domain.SynonymMap{}
	}
	tools, err := marshalJSON(wc.ToolSynonyms)
	if err != nil {
		return 0, err
	}
	industries, err := marshalJSON(wc.IndustrySynonyms)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE weight_versions SET active=0 WHERE active=1`); err != nil {
		return 0, fmt.Errorf("deactivate weights: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO weight_versions(weights_json,tool_synonyms_json,industry_synonyms_json,active,created_by,note,created_at) VALUES (?,?,?,1,?,?,?)`,
		weights, tools, industries, wc.CreatedBy, nullable(wc.Note), wc.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert weights: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return int(id), nil
}

func (r Repo) GetActiveWeights(ctx context.Context) (domain.WeightConfig, error) {
	return r.GetActiveWeightsTx(ctx, nil)
}

func (r Repo) GetActiveWeightsTx(ctx context.Context, tx *sql.Tx) (domain.WeightConfig, error) {
	return scanWeights(r.q(tx).QueryRowContext(ctx, `SELECT `+weightColumns+` FROM weight_versions WHERE active=1`))
}

func (r Repo) GetWeightVersion(ctx context.Context, tx *sql.Tx, version int) (domain.WeightConfig, error) {
	return scanWeights(r.q(tx).QueryRowContext(ctx, `SELECT `+weightColumns+` FROM weight_versions WHERE version=?`, version))
}

// ListWeightVersions returns the configuration history, newest first.
func (r Repo) ListWeightVersions(ctx context.Context, limit int) ([]domain.WeightConfig, error) {
	query := `SELECT ` + weightColumns + ` FROM weight_versions ORDER BY version DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WeightConfig
	for rows.Next() {
		wc, err := scanWeights(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, wc)
	}
	return res, rows.Err()
}
