package repo

import (
	"context"
	"database/sql"

	"briefmatch/internal/domain"
)

const invitationColumns = `id,brief_id,candidate_id,status,round,source,score_at_invite,sent_at,expires_at,viewed_at,responded_at,decline_reason,updated_at`

func scanInvitation(row rowScanner) (domain.Invitation, error) {
	var inv domain.Invitation
	var viewed, responded, reason sql.NullString
	err := row.Scan(&inv.ID, &inv.BriefID, &inv.CandidateID, &inv.Status, &inv.Round, &inv.Source, &inv.ScoreAtInvite,
		&inv.SentAt, &inv.ExpiresAt, &viewed, &responded, &reason, &inv.UpdatedAt)
	if err == sql.ErrNoRows {
		return inv, ErrNotFound
	}
	if err != nil {
		return inv, err
	}
	inv.ViewedAt = stringPtr(viewed)
	inv.RespondedAt = stringPtr(responded)
	inv.DeclineReason = stringPtr(reason)
	return inv, nil
}

// InsertInvitation inserts inv unless the candidate was already invited to the brief.
// It reports whether a row was written.
func (r Repo) InsertInvitation(ctx context.Context, tx *sql.Tx, inv domain.Invitation) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO invitations(id,brief_id,candidate_id,status,round,source,score_at_invite,sent_at,expires_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(brief_id,candidate_id) DO NOTHING`,
		inv.ID, inv.BriefID, inv.CandidateID, inv.Status, inv.Round, inv.Source, inv.ScoreAtInvite, inv.SentAt, inv.ExpiresAt, inv.UpdatedAt)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (r Repo) GetInvitation(ctx context.Context, id string) (domain.Invitation, error) {
	return r.GetInvitationTx(ctx, nil, id)
}

func (r Repo) GetInvitationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Invitation, error) {
	return scanInvitation(r.q(tx).QueryRowContext(ctx, `SELECT `+invitationColumns+` FROM invitations WHERE id=?`, id))
}

func (r Repo) ListInvitations(ctx context.Context, tx *sql.Tx, briefID string) ([]domain.Invitation, error) {
	return r.queryInvitations(ctx, tx, `SELECT `+invitationColumns+` FROM invitations WHERE brief_id=? ORDER BY round, sent_at, candidate_id`, briefID)
}

// ListExpirable returns sent invitations whose deadline is at or before now.
func (r Repo) ListExpirable(ctx context.Context, now string) ([]domain.Invitation, error) {
	return r.queryInvitations(ctx, nil, `SELECT `+invitationColumns+` FROM invitations WHERE status=? AND expires_at<=? ORDER BY expires_at, id`,
		domain.InvitationSent, now)
}

// CountActiveInvitations counts sent or accepted invitations on a brief.
func (r Repo) CountActiveInvitations(ctx context.Context, tx *sql.Tx, briefID string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM invitations WHERE brief_id=? AND status IN (?,?)`,
		briefID, domain.InvitationSent, domain.InvitationAccepted).Scan(&n)
	return n, err
}

// CountRoundStatus counts invitations of a brief round in the given status.
func (r Repo) CountRoundStatus(ctx context.Context, tx *sql.Tx, briefID string, round int, status string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM invitations WHERE brief_id=? AND round=? AND status=?`,
		briefID, round, status).Scan(&n)
	return n, err
}

// RespondInvitation moves a sent, unexpired invitation to status.
func (r Repo) RespondInvitation(ctx context.Context, tx *sql.Tx, id, status, now string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE invitations SET status=?, responded_at=?, updated_at=? WHERE id=? AND status=? AND expires_at>?`,
		status, now, now, id, domain.InvitationSent, now)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// ExpireInvitation moves a sent invitation past its deadline to expired.
func (r Repo) ExpireInvitation(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE invitations SET status=?, updated_at=? WHERE id=? AND status=? AND expires_at<=?`,
		domain.InvitationExpired, now, id, domain.InvitationSent, now)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// MarkInvitationViewed records the first view only.
func (r Repo) MarkInvitationViewed(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE invitations SET viewed_at=?, updated_at=? WHERE id=? AND viewed_at IS NULL`, now, now, id)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// DeclineOtherInvitations force-declines every invitation on the brief except the kept candidate's.
func (r Repo) DeclineOtherInvitations(ctx context.Context, tx *sql.Tx, briefID, keepCandidateID, reason, now string) ([]domain.Invitation, error) {
	others, err := r.queryInvitations(ctx, tx, `SELECT `+invitationColumns+` FROM invitations WHERE brief_id=? AND candidate_id<>? AND NOT (status=? AND COALESCE(decline_reason,'')=?)`,
		briefID, keepCandidateID, domain.InvitationDeclined, reason)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE invitations SET status=?, decline_reason=?, updated_at=? WHERE brief_id=? AND candidate_id<>?`,
		domain.InvitationDeclined, reason, now, briefID, keepCandidateID); err != nil {
		return nil, err
	}
	return others, nil
}

func (r Repo) queryInvitations(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]domain.Invitation, error) {
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Invitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, inv)
	}
	return res, rows.Err()
}
