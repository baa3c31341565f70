package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"briefmatch/internal/domain"
)

const briefColumns = `id,client_id,goal,COALESCE(context,''),COALESCE(constraints,''),COALESCE(budget_text,''),COALESCE(timeline,''),COALESCE(urgency,''),COALESCE(style,''),status,rollover_round,allocated_candidate_id,project_id,review_reason,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBrief(row rowScanner) (domain.Brief, error) {
	var b domain.Brief
	var allocated, project, review sql.NullString
	err := row.Scan(&b.ID, &b.ClientID, &b.Goal, &b.Context, &b.Constraints, &b.BudgetText, &b.Timeline, &b.Urgency, &b.Style,
		&b.Status, &b.RolloverRound, &allocated, &project, &review, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	b.AllocatedCandidateID = stringPtr(allocated)
	b.ProjectID = stringPtr(project)
	b.ReviewReason = stringPtr(review)
	return b, nil
}

func (r Repo) InsertBrief(ctx context.Context, tx *sql.Tx, b domain.Brief) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO briefs(id,client_id,goal,context,constraints,budget_text,timeline,urgency,style,status,rollover_round,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.ClientID, b.Goal, nullable(b.Context), nullable(b.Constraints), nullable(b.BudgetText), nullable(b.Timeline),
		nullable(b.Urgency), nullable(b.Style), b.Status, b.RolloverRound, b.CreatedAt, b.UpdatedAt)
	return err
}

func (r Repo) GetBrief(ctx context.Context, id string) (domain.Brief, error) {
	return r.GetBriefTx(ctx, nil, id)
}

func (r Repo) GetBriefTx(ctx context.Context, tx *sql.Tx, id string) (domain.Brief, error) {
	return scanBrief(r.q(tx).QueryRowContext(ctx, `SELECT `+briefColumns+` FROM briefs WHERE id=?`, id))
}

func (r Repo) ListBriefs(ctx context.Context, status string, limit int) ([]domain.Brief, error) {
	query := `SELECT ` + briefColumns + ` FROM briefs`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.queryBriefs(ctx, nil, query, args...)
}

// BriefsAwaitingRollover lists unallocated briefs whose current round has no active
// invitation left and at least one invitation that expired.
func (r Repo) BriefsAwaitingRollover(ctx context.Context, tx *sql.Tx) ([]domain.Brief, error) {
	query := `SELECT ` + briefColumns + ` FROM briefs b
WHERE b.status=? AND b.allocated_candidate_id IS NULL
AND NOT EXISTS (SELECT 1 FROM invitations i WHERE i.brief_id=b.id AND i.status IN (?,?))
AND EXISTS (SELECT 1 FROM invitations i WHERE i.brief_id=b.id AND i.status=? AND i.round=b.rollover_round)
ORDER BY b.created_at, b.id`
	return r.queryBriefs(ctx, tx, query, domain.BriefInvitationsSent, domain.InvitationSent, domain.InvitationAccepted, domain.InvitationExpired)
}

func (r Repo) queryBriefs(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]domain.Brief, error) {
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Brief
	for rows.Next() {
		b, err := scanBrief(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// SetBriefStatus moves a brief to status when its current status is one of from.
// It reports whether the row changed.
func (r Repo) SetBriefStatus(ctx context.Context, tx *sql.Tx, id string, from []string, status string, reviewReason *string, now string) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("from statuses required")
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := []any{status, nullableStringPtr(reviewReason), now, id}
	for _, f := range from {
		args = append(args, f)
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE briefs SET status=?, review_reason=?, updated_at=? WHERE id=? AND allocated_candidate_id IS NULL AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// AdvanceRolloverRound bumps the rollover round if it still equals expected.
func (r Repo) AdvanceRolloverRound(ctx context.Context, tx *sql.Tx, id string, expected int, now string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE briefs SET rollover_round=rollover_round+1, updated_at=? WHERE id=? AND rollover_round=? AND allocated_candidate_id IS NULL`,
		now, id, expected)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// AllocateBrief locks the brief to one candidate and project. Only the first caller wins.
func (r Repo) AllocateBrief(ctx context.Context, tx *sql.Tx, id, candidateID, projectID, now string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE briefs SET status=?, allocated_candidate_id=?, project_id=?, review_reason=NULL, updated_at=?
WHERE id=? AND allocated_candidate_id IS NULL`,
		domain.BriefProjectCreated, candidateID, projectID, now, id)
	if err != nil {
		return false, err
	}
	return affected(res)
}
