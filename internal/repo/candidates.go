package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"briefmatch/internal/domain"
)

func (r Repo) UpsertCandidate(ctx context.Context, tx *sql.Tx, c domain.CandidateProfile) error {
	payload, err := marshalJSON(c)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO candidates(id,name,profile_json,active,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, profile_json=excluded.profile_json, active=excluded.active, updated_at=excluded.updated_at`,
		c.ID, c.Name, payload, boolInt(c.Active), c.UpdatedAt)
	return err
}

func (r Repo) GetCandidate(ctx context.Context, id string) (domain.CandidateProfile, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT profile_json FROM candidates WHERE id=?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return domain.CandidateProfile{}, ErrNotFound
	}
	if err != nil {
		return domain.CandidateProfile{}, err
	}
	return decodeCandidate(id, payload)
}

// ListCandidates returns profiles ordered by id.
func (r Repo) ListCandidates(ctx context.Context, activeOnly bool) ([]domain.CandidateProfile, error) {
	query := `SELECT id,profile_json FROM candidates`
	if activeOnly {
		query += ` WHERE active=1`
	}
	query += ` ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CandidateProfile
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		c, err := decodeCandidate(id, payload)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// ListActiveCandidates returns the candidate pool considered for matching.
func (r Repo) ListActiveCandidates(ctx context.Context) ([]domain.CandidateProfile, error) {
	return r.ListCandidates(ctx, true)
}

func decodeCandidate(id, payload string) (domain.CandidateProfile, error) {
	var c domain.CandidateProfile
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return c, fmt.Errorf("decode candidate %s: %w", id, err)
	}
	return c, nil
}
