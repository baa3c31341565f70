package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"briefmatch/internal/domain"
)

// InsertSnapshot persists a match run and its full ordered result list.
func (r Repo) InsertSnapshot(ctx context.Context, tx *sql.Tx, s domain.ShortlistSnapshot) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO match_runs(id,brief_id,computed_at,weights_version,min_score,widen) VALUES (?,?,?,?,?,?)`,
		s.ID, s.BriefID, s.ComputedAt, s.WeightsVersion, s.MinScore, boolInt(s.Widen)); err != nil {
		return fmt.Errorf("insert match run: %w", err)
	}
	for _, m := range s.Results {
		breakdown, err := marshalJSON(m.Breakdown)
		if err != nil {
			return err
		}
		reasons, err := marshalJSON(m.Reasons)
		if err != nil {
			return err
		}
		flags, err := marshalJSON(m.Flags)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO match_results(run_id,brief_id,candidate_id,candidate_name,rank,total,completeness,breakdown_json,reasons_json,flags_json)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
			s.ID, s.BriefID, m.CandidateID, nullable(m.CandidateName), m.Rank, m.Total, m.Completeness, breakdown, reasons, flags); err != nil {
			return fmt.Errorf("insert match result %s: %w", m.CandidateID, err)
		}
	}
	return nil
}

// LatestSnapshot returns the most recent match run for a brief.
func (r Repo) LatestSnapshot(ctx context.Context, tx *sql.Tx, briefID string) (domain.ShortlistSnapshot, error) {
	var s domain.ShortlistSnapshot
	var widen int
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,brief_id,computed_at,weights_version,min_score,widen FROM match_runs
WHERE brief_id=? ORDER BY computed_at DESC, rowid DESC LIMIT 1`, briefID).
		Scan(&s.ID, &s.BriefID, &s.ComputedAt, &s.WeightsVersion, &s.MinScore, &widen)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Widen = widen == 1
	rows, err := r.q(tx).QueryContext(ctx, `SELECT candidate_id,COALESCE(candidate_name,''),rank,total,completeness,breakdown_json,reasons_json,flags_json
FROM match_results WHERE run_id=? ORDER BY rank`, s.ID)
	if err != nil {
		return s, err
	}
	defer rows.Close()
	s.Results = []domain.MatchResult{}
	for rows.Next() {
		m := domain.MatchResult{BriefID: s.BriefID}
		var breakdown, reasons, flags string
		if err := rows.Scan(&m.CandidateID, &m.CandidateName, &m.Rank, &m.Total, &m.Completeness, &breakdown, &reasons, &flags); err != nil {
			return s, err
		}
		if err := json.Unmarshal([]byte(breakdown), &m.Breakdown); err != nil {
			return s, fmt.Errorf("decode breakdown: %w", err)
		}
		if err := json.Unmarshal([]byte(reasons), &m.Reasons); err != nil {
			return s, fmt.Errorf("decode reasons: %w", err)
		}
		if err := json.Unmarshal([]byte(flags), &m.Flags); err != nil {
			return s, fmt.Errorf("decode flags: %w", err)
		}
		s.Results = append(s.Results, m)
	}
	return s, rows.Err()
}
