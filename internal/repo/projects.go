package repo

import (
	"context"
	"database/sql"

	"briefmatch/internal/domain"
)

// InsertProposal creates the draft proposal for an accepted invitation once.
func (r Repo) InsertProposal(ctx context.Context, tx *sql.Tx, p domain.Proposal) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO proposals(id,brief_id,candidate_id,invitation_id,status,created_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.BriefID, p.CandidateID, p.InvitationID, p.Status, p.CreatedAt)
	return err
}

func (r Repo) ListProposals(ctx context.Context, briefID string) ([]domain.Proposal, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,brief_id,candidate_id,invitation_id,status,created_at FROM proposals WHERE brief_id=? ORDER BY created_at, id`, briefID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		var p domain.Proposal
		if err := rows.Scan(&p.ID, &p.BriefID, &p.CandidateID, &p.InvitationID, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO projects(id,brief_id,candidate_id,created_by,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.BriefID, p.CandidateID, p.CreatedBy, p.CreatedAt)
	return err
}

func (r Repo) GetProjectByBrief(ctx context.Context, briefID string) (domain.Project, error) {
	var p domain.Project
	err := r.DB.QueryRowContext(ctx, `SELECT id,brief_id,candidate_id,created_by,created_at FROM projects WHERE brief_id=?`, briefID).
		Scan(&p.ID, &p.BriefID, &p.CandidateID, &p.CreatedBy, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}
