package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"briefmatch/internal/domain"
	"briefmatch/internal/events"
	"briefmatch/internal/logger"
	"briefmatch/internal/notify"
	"briefmatch/internal/repo"
)

// Review reasons recorded on briefs that need manual attention.
const (
	ReasonAllDeclined        = "all invitees declined"
	ReasonShortlistExhausted = "shortlist exhausted"
)

type SkippedCandidate struct {
	CandidateID string `json:"candidate_id"`
	Reason      string `json:"reason"`
}

type SendResult struct {
	BriefID         string              `json:"brief_id"`
	InvitationsSent int                 `json:"invitations_sent"`
	Invitations     []domain.Invitation `json:"invitations"`
	ExpiresAt       string              `json:"expires_at,omitempty"`
	Skipped         []SkippedCandidate  `json:"skipped"`
	Reason          string              `json:"reason,omitempty"`
}

type RolloverResult struct {
	BriefID string              `json:"brief_id"`
	Round   int                 `json:"round"`
	Invited []domain.Invitation `json:"invited"`
}

type SweepResult struct {
	ExpiredCount int                 `json:"expired_count"`
	Expired      []domain.Invitation `json:"expired"`
	RolledOver   []RolloverResult    `json:"rolled_over"`
	NeedsReview  []string            `json:"needs_review"`
}

type inviteTarget struct {
	CandidateID string
	Score       float64
}

// SendInvitations invites candidates to a brief. With no candidate ids the top of the
// latest shortlist is invited. Candidates already invited in any state are skipped.
func (e Engine) SendInvitations(ctx context.Context, briefID string, candidateIDs []string, actorID string) (SendResult, error) {
	res := SendResult{BriefID: briefID, Invitations: []domain.Invitation{}, Skipped: []SkippedCandidate{}}
	b, err := e.briefs().GetBrief(ctx, briefID)
	if err != nil {
		return res, err
	}
	log := e.log(logger.IDs(logger.FieldBriefID, briefID, logger.FieldActorID, actorID)...)
	if b.Allocated() {
		log.Warn("brief already allocated, invitations not sent")
		res.Reason = AllocatedReason
		return res, nil
	}
	if b.Status == domain.BriefArchived {
		return res, invalidf("brief %s is archived", briefID)
	}

	source := domain.SourceShortlist
	var targets []inviteTarget
	if len(candidateIDs) == 0 {
		snap, err := e.snapshotOrCompute(ctx, briefID)
		if err != nil {
			return res, err
		}
		for _, m := range snap.Results {
			if len(targets) == e.Config.Shortlist.MaxResults {
				break
			}
			targets = append(targets, inviteTarget{CandidateID: m.CandidateID, Score: m.Total})
		}
	} else {
		source = domain.SourceManual
		targets, err = e.manualTargets(ctx, briefID, candidateIDs)
		if err != nil {
			return res, err
		}
	}
	if len(targets) == 0 {
		res.Reason = NoMatchesMessage
		return res, nil
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	b, err = e.Repo.GetBriefTx(ctx, tx, briefID)
	if err != nil {
		return res, err
	}
	if b.Allocated() {
		log.Warn("brief already allocated, invitations not sent")
		res.Reason = AllocatedReason
		return res, nil
	}
	sent, skipped, err := e.insertInvitations(ctx, tx, b, b.RolloverRound, targets, source, actorID)
	if err != nil {
		return res, err
	}
	if len(sent) > 0 {
		from := []string{domain.BriefSubmitted, domain.BriefMatched, domain.BriefInvitationsSent, domain.BriefNeedsReview}
		if _, err := e.Repo.SetBriefStatus(ctx, tx, briefID, from, domain.BriefInvitationsSent, nil, e.nowString()); err != nil {
			return res, err
		}
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}

	res.Invitations = sent
	res.InvitationsSent = len(sent)
	res.Skipped = skipped
	if len(sent) > 0 {
		res.ExpiresAt = sent[0].ExpiresAt
	}
	log.Info("invitations sent", zap.Int("sent", len(sent)), zap.Int("skipped", len(skipped)), zap.String("source", source))
	e.notify(ctx, invitationNotes(b, sent)...)
	return res, nil
}

func (e Engine) snapshotOrCompute(ctx context.Context, briefID string) (domain.ShortlistSnapshot, error) {
	snap, err := e.Repo.LatestSnapshot(ctx, nil, briefID)
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return snap, err
	}
	if _, err := e.ComputeShortlist(ctx, briefID, ShortlistOptions{}); err != nil {
		return snap, err
	}
	return e.Repo.LatestSnapshot(ctx, nil, briefID)
}

func (e Engine) manualTargets(ctx context.Context, briefID string, candidateIDs []string) ([]inviteTarget, error) {
	scores := map[string]float64{}
	snap, err := e.Repo.LatestSnapshot(ctx, nil, briefID)
	switch {
	case err == nil:
		for _, m := range snap.Results {
			scores[m.CandidateID] = m.Total
		}
	case !errors.Is(err, repo.ErrNotFound):
		return nil, err
	}
	seen := map[string]bool{}
	var targets []inviteTarget
	for _, raw := range candidateIDs {
		id := strings.TrimSpace(raw)
		if id == "" {
			return nil, invalidf("candidate id must not be empty")
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		c, err := e.Repo.GetCandidate(ctx, id)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, invalidf("unknown candidate %s", id)
		}
		if err != nil {
			return nil, err
		}
		if !c.Active {
			return nil, invalidf("candidate %s is not active", id)
		}
		targets = append(targets, inviteTarget{CandidateID: id, Score: scores[id]})
	}
	return targets, nil
}

// insertInvitations writes one invitation per target. Existing (brief, candidate) pairs
// are skipped, never overwritten.
func (e Engine) insertInvitations(ctx context.Context, tx *sql.Tx, b domain.Brief, round int, targets []inviteTarget, source, actorID string) ([]domain.Invitation, []SkippedCandidate, error) {
	now := e.now()
	sentAt := now.Format(time.RFC3339)
	expiresAt := now.Add(e.Config.SLA()).Format(time.RFC3339)
	sent := []domain.Invitation{}
	skipped := []SkippedCandidate{}
	for _, t := range targets {
		inv := domain.Invitation{
			ID:            newID(),
			BriefID:       b.ID,
			CandidateID:   t.CandidateID,
			Status:        domain.InvitationSent,
			Round:         round,
			Source:        source,
			ScoreAtInvite: t.Score,
			SentAt:        sentAt,
			ExpiresAt:     expiresAt,
			UpdatedAt:     sentAt,
		}
		inserted, err := e.Repo.InsertInvitation(ctx, tx, inv)
		if err != nil {
			return nil, nil, fmt.Errorf("insert invitation for %s: %w", t.CandidateID, err)
		}
		if !inserted {
			e.log(logger.IDs(logger.FieldBriefID, b.ID, logger.FieldCandidateID, t.CandidateID)...).Warn("duplicate invite skipped")
			skipped = append(skipped, SkippedCandidate{CandidateID: t.CandidateID, Reason: "already invited"})
			continue
		}
		payload := events.EventPayload{"candidate_id": inv.CandidateID, "round": round, "source": source, "expires_at": expiresAt}
		if err := e.events().Append(ctx, tx, events.InvitationSent, b.ID, "invitation", inv.ID, actorID, payload); err != nil {
			return nil, nil, err
		}
		sent = append(sent, inv)
	}
	return sent, skipped, nil
}

// RespondToInvitation records an accept or decline. Responses after the deadline
// expire the invitation and return ErrInvitationExpired.
func (e Engine) RespondToInvitation(ctx context.Context, invitationID, response, actorID string) (domain.Invitation, error) {
	response = strings.ToLower(strings.TrimSpace(response))
	if response != domain.InvitationAccepted && response != domain.InvitationDeclined {
		return domain.Invitation{}, invalidf("response must be accepted or declined")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Invitation{}, err
	}
	defer tx.Rollback()

	inv, err := e.Repo.GetInvitationTx(ctx, tx, invitationID)
	if err != nil {
		return domain.Invitation{}, err
	}
	if inv.Status != domain.InvitationSent {
		return inv, fmt.Errorf("%w: invitation is %s", ErrInvitationClosed, inv.Status)
	}
	if err := ensureInvitationTransition(inv.Status, response); err != nil {
		return inv, err
	}
	b, err := e.Repo.GetBriefTx(ctx, tx, inv.BriefID)
	if err != nil {
		return inv, err
	}
	log := e.log(logger.IDs(logger.FieldInvitationID, inv.ID, logger.FieldBriefID, inv.BriefID, logger.FieldCandidateID, inv.CandidateID)...)

	now := e.nowString()
	ok, err := e.Repo.RespondInvitation(ctx, tx, inv.ID, response, now)
	if err != nil {
		return inv, err
	}
	if !ok {
		expired, err := e.Repo.ExpireInvitation(ctx, tx, inv.ID, now)
		if err != nil {
			return inv, err
		}
		if !expired {
			return inv, ErrInvitationClosed
		}
		if err := e.events().Append(ctx, tx, events.InvitationExpired, inv.BriefID, "invitation", inv.ID, actorID, events.EventPayload{"candidate_id": inv.CandidateID, "late_response": response}); err != nil {
			return inv, err
		}
		if err := tx.Commit(); err != nil {
			return inv, err
		}
		log.Info("late response, invitation expired")
		inv.Status = domain.InvitationExpired
		inv.UpdatedAt = now
		return inv, ErrInvitationExpired
	}
	inv.Status = response
	inv.RespondedAt = &now
	inv.UpdatedAt = now

	if err := e.events().Append(ctx, tx, events.InvitationResponded, inv.BriefID, "invitation", inv.ID, actorID, events.EventPayload{"candidate_id": inv.CandidateID, "response": response}); err != nil {
		return inv, err
	}
	var notes []notify.Notification
	switch response {
	case domain.InvitationAccepted:
		p := domain.Proposal{
			ID:           newID(),
			BriefID:      inv.BriefID,
			CandidateID:  inv.CandidateID,
			InvitationID: inv.ID,
			Status:       "draft",
			CreatedAt:    now,
		}
		if err := e.Repo.InsertProposal(ctx, tx, p); err != nil {
			return inv, err
		}
		notes = append(notes, notify.Notification{
			UserID:    b.ClientID,
			Type:      notify.TypeInvitationAccepted,
			Title:     "Invitation accepted",
			Message:   fmt.Sprintf("Expert %s accepted your brief", inv.CandidateID),
			RelatedID: inv.ID,
			BriefID:   b.ID,
		})
	case domain.InvitationDeclined:
		notes = append(notes, notify.Notification{
			UserID:    b.ClientID,
			Type:      notify.TypeInvitationDeclined,
			Title:     "Invitation declined",
			Message:   fmt.Sprintf("Expert %s declined your brief", inv.CandidateID),
			RelatedID: inv.ID,
			BriefID:   b.ID,
		})
		flagged, err := e.reviewIfAllDeclined(ctx, tx, b, actorID)
		if err != nil {
			return inv, err
		}
		if flagged {
			notes = append(notes, needsReviewNote(b, ReasonAllDeclined))
		}
	}
	if err := tx.Commit(); err != nil {
		return inv, err
	}
	log.Info("invitation answered", zap.String("response", response))
	e.notify(ctx, notes...)
	return inv, nil
}

// reviewIfAllDeclined flags the brief once nothing is pending in its round and no
// invitation expired, since rollover only follows expiry.
func (e Engine) reviewIfAllDeclined(ctx context.Context, tx *sql.Tx, b domain.Brief, actorID string) (bool, error) {
	active, err := e.Repo.CountActiveInvitations(ctx, tx, b.ID)
	if err != nil {
		return false, err
	}
	if active > 0 {
		return false, nil
	}
	expired, err := e.Repo.CountRoundStatus(ctx, tx, b.ID, b.RolloverRound, domain.InvitationExpired)
	if err != nil {
		return false, err
	}
	if expired > 0 {
		return false, nil
	}
	return e.flagForReview(ctx, tx, b.ID, ReasonAllDeclined, actorID)
}

func (e Engine) flagForReview(ctx context.Context, tx *sql.Tx, briefID, reason, actorID string) (bool, error) {
	changed, err := e.Repo.SetBriefStatus(ctx, tx, briefID, []string{domain.BriefInvitationsSent}, domain.BriefNeedsReview, &reason, e.nowString())
	if err != nil || !changed {
		return false, err
	}
	if err := e.events().Append(ctx, tx, events.BriefNeedsReview, briefID, "brief", briefID, actorID, events.EventPayload{"reason": reason}); err != nil {
		return false, err
	}
	e.log(logger.IDs(logger.FieldBriefID, briefID)...).Warn("brief needs review", zap.String("reason", reason))
	return true, nil
}

// MarkViewed stamps the first time an invitee opens the invitation.
func (e Engine) MarkViewed(ctx context.Context, invitationID, actorID string) (domain.Invitation, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Invitation{}, err
	}
	defer tx.Rollback()
	inv, err := e.Repo.GetInvitationTx(ctx, tx, invitationID)
	if err != nil {
		return inv, err
	}
	now := e.nowString()
	changed, err := e.Repo.MarkInvitationViewed(ctx, tx, inv.ID, now)
	if err != nil {
		return inv, err
	}
	if changed {
		if err := e.events().Append(ctx, tx, events.InvitationViewed, inv.BriefID, "invitation", inv.ID, actorID, events.EventPayload{"candidate_id": inv.CandidateID}); err != nil {
			return inv, err
		}
		inv.ViewedAt = &now
		inv.UpdatedAt = now
	}
	if err := tx.Commit(); err != nil {
		return inv, err
	}
	return inv, nil
}

// SweepExpiredInvitations expires every overdue invitation and rolls briefs whose round
// has run dry over to the next candidates of their shortlist. Running it twice in a row
// changes nothing the second time.
func (e Engine) SweepExpiredInvitations(ctx context.Context, actorID string) (SweepResult, error) {
	res := SweepResult{Expired: []domain.Invitation{}, RolledOver: []RolloverResult{}, NeedsReview: []string{}}
	now := e.nowString()
	due, err := e.Repo.ListExpirable(ctx, now)
	if err != nil {
		return res, err
	}
	if len(due) > 0 {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return res, err
		}
		defer tx.Rollback()
		for _, inv := range due {
			ok, err := e.Repo.ExpireInvitation(ctx, tx, inv.ID, now)
			if err != nil {
				return res, err
			}
			if !ok {
				// answered or expired since it was read
				continue
			}
			if err := e.events().Append(ctx, tx, events.InvitationExpired, inv.BriefID, "invitation", inv.ID, actorID, events.EventPayload{"candidate_id": inv.CandidateID, "round": inv.Round}); err != nil {
				return res, err
			}
			inv.Status = domain.InvitationExpired
			inv.UpdatedAt = now
			res.Expired = append(res.Expired, inv)
		}
		if err := tx.Commit(); err != nil {
			return res, err
		}
	}
	res.ExpiredCount = len(res.Expired)

	waiting, err := e.Repo.BriefsAwaitingRollover(ctx, nil)
	if err != nil {
		return res, err
	}
	for _, b := range waiting {
		rolled, flagged, err := e.rollover(ctx, b, actorID)
		if err != nil {
			e.log(logger.IDs(logger.FieldBriefID, b.ID)...).Error("rollover failed", zap.Error(err))
			continue
		}
		if rolled != nil {
			res.RolledOver = append(res.RolledOver, *rolled)
		}
		if flagged {
			res.NeedsReview = append(res.NeedsReview, b.ID)
		}
	}
	e.log().Info("sweep finished", zap.Int("expired", res.ExpiredCount), zap.Int("rolled_over", len(res.RolledOver)), zap.Int("needs_review", len(res.NeedsReview)))
	return res, nil
}

// rollover invites the next candidates of the brief's latest snapshot. The round CAS
// lets exactly one concurrent sweep act on an observed round.
func (e Engine) rollover(ctx context.Context, observed domain.Brief, actorID string) (*RolloverResult, bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	active, err := e.Repo.CountActiveInvitations(ctx, tx, observed.ID)
	if err != nil {
		return nil, false, err
	}
	if active > 0 {
		return nil, false, nil
	}
	advanced, err := e.Repo.AdvanceRolloverRound(ctx, tx, observed.ID, observed.RolloverRound, e.nowString())
	if err != nil {
		return nil, false, err
	}
	if !advanced {
		return nil, false, nil
	}
	b, err := e.Repo.GetBriefTx(ctx, tx, observed.ID)
	if err != nil {
		return nil, false, err
	}
	if b.Status != domain.BriefInvitationsSent {
		return nil, false, nil
	}

	invited, err := e.Repo.ListInvitations(ctx, tx, b.ID)
	if err != nil {
		return nil, false, err
	}
	excluded := make(map[string]bool, len(invited))
	for _, inv := range invited {
		excluded[inv.CandidateID] = true
	}
	var targets []inviteTarget
	snap, err := e.Repo.LatestSnapshot(ctx, tx, b.ID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, false, err
	}
	for _, m := range snap.Results {
		if len(targets) == e.Config.Invitations.RolloverCap {
			break
		}
		if !excluded[m.CandidateID] {
			targets = append(targets, inviteTarget{CandidateID: m.CandidateID, Score: m.Total})
		}
	}

	if len(targets) == 0 {
		flagged, err := e.flagForReview(ctx, tx, b.ID, ReasonShortlistExhausted, actorID)
		if err != nil {
			return nil, false, err
		}
		if err := tx.Commit(); err != nil {
			return nil, false, err
		}
		if flagged {
			e.notify(ctx, needsReviewNote(b, ReasonShortlistExhausted))
		}
		return nil, flagged, nil
	}

	sent, _, err := e.insertInvitations(ctx, tx, b, b.RolloverRound, targets, domain.SourceRollover, actorID)
	if err != nil {
		return nil, false, err
	}
	ids := make([]string, 0, len(sent))
	for _, inv := range sent {
		ids = append(ids, inv.CandidateID)
	}
	if err := e.events().Append(ctx, tx, events.InvitationsRolled, b.ID, "brief", b.ID, actorID, events.EventPayload{"round": b.RolloverRound, "candidates": ids}); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	e.log(logger.IDs(logger.FieldBriefID, b.ID)...).Info("invitations rolled over", zap.Int("round", b.RolloverRound), zap.Strings("candidates", ids))
	e.notify(ctx, invitationNotes(b, sent)...)
	return &RolloverResult{BriefID: b.ID, Round: b.RolloverRound, Invited: sent}, false, nil
}

// CreateProject allocates the brief to a candidate holding an accepted invitation and
// declines every other invitation. Only the first allocation succeeds.
func (e Engine) CreateProject(ctx context.Context, briefID, candidateID, actorID string) (domain.Project, error) {
	briefID, candidateID = strings.TrimSpace(briefID), strings.TrimSpace(candidateID)
	if briefID == "" || candidateID == "" {
		return domain.Project{}, invalidf("brief id and candidate id are required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	b, err := e.Repo.GetBriefTx(ctx, tx, briefID)
	if err != nil {
		return domain.Project{}, err
	}
	if b.Allocated() {
		if *b.AllocatedCandidateID == candidateID {
			_ = tx.Rollback()
			return e.Repo.GetProjectByBrief(ctx, briefID)
		}
		return domain.Project{}, ErrBriefAllocated
	}
	invs, err := e.Repo.ListInvitations(ctx, tx, briefID)
	if err != nil {
		return domain.Project{}, err
	}
	var accepted *domain.Invitation
	for i := range invs {
		if invs[i].CandidateID == candidateID && invs[i].Status == domain.InvitationAccepted {
			accepted = &invs[i]
			break
		}
	}
	if accepted == nil {
		return domain.Project{}, ErrInvitationNotAccepted
	}

	now := e.nowString()
	p := domain.Project{
		ID:          newID(),
		BriefID:     briefID,
		CandidateID: candidateID,
		CreatedBy:   actorOrSystem(actorID),
		CreatedAt:   now,
	}
	ok, err := e.Repo.AllocateBrief(ctx, tx, briefID, candidateID, p.ID, now)
	if err != nil {
		return p, err
	}
	if !ok {
		return domain.Project{}, ErrBriefAllocated
	}
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return p, err
	}
	declined, err := e.Repo.DeclineOtherInvitations(ctx, tx, briefID, candidateID, AllocatedReason, now)
	if err != nil {
		return p, err
	}
	declinedIDs := make([]string, 0, len(declined))
	for _, inv := range declined {
		if err := ensureInvitationTransition(inv.Status, domain.InvitationDeclined); err != nil {
			return p, err
		}
		declinedIDs = append(declinedIDs, inv.CandidateID)
	}
	payload := events.EventPayload{"candidate_id": candidateID, "invitation_id": accepted.ID, "declined": declinedIDs}
	if err := e.events().Append(ctx, tx, events.ProjectCreated, briefID, "project", p.ID, actorID, payload); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	e.log(logger.IDs(logger.FieldBriefID, briefID, logger.FieldCandidateID, candidateID)...).
		Info("project created", zap.String("project_id", p.ID), zap.Int("declined", len(declined)))

	notes := []notify.Notification{{
		UserID:    b.ClientID,
		Type:      notify.TypeBriefAllocated,
		Title:     "Project created",
		Message:   fmt.Sprintf("Your brief is now a project with expert %s", candidateID),
		RelatedID: p.ID,
		BriefID:   briefID,
	}}
	for _, inv := range declined {
		notes = append(notes, notify.Notification{
			UserID:    inv.CandidateID,
			Type:      notify.TypeBriefAllocated,
			Title:     "Brief no longer available",
			Message:   "The client has started the project with another expert",
			RelatedID: inv.ID,
			BriefID:   briefID,
		})
	}
	e.notify(ctx, notes...)
	return p, nil
}

// ListInvitations returns every invitation of a brief in round order.
func (e Engine) ListInvitations(ctx context.Context, briefID string) ([]domain.Invitation, error) {
	if _, err := e.briefs().GetBrief(ctx, briefID); err != nil {
		return nil, err
	}
	invs, err := e.Repo.ListInvitations(ctx, nil, briefID)
	if err != nil {
		return nil, err
	}
	if invs == nil {
		invs = []domain.Invitation{}
	}
	return invs, nil
}

func (e Engine) GetInvitation(ctx context.Context, id string) (domain.Invitation, error) {
	return e.Repo.GetInvitation(ctx, id)
}

func invitationNotes(b domain.Brief, sent []domain.Invitation) []notify.Notification {
	notes := make([]notify.Notification, 0, len(sent))
	for _, inv := range sent {
		notes = append(notes, notify.Notification{
			UserID:    inv.CandidateID,
			Type:      notify.TypeInvitationReceived,
			Title:     "New brief invitation",
			Message:   fmt.Sprintf("You have been invited to: %s (respond by %s)", b.Goal, inv.ExpiresAt),
			RelatedID: inv.ID,
			BriefID:   b.ID,
		})
	}
	return notes
}

func needsReviewNote(b domain.Brief, reason string) notify.Notification {
	return notify.Notification{
		UserID:    b.ClientID,
		Type:      notify.TypeBriefNeedsReview,
		Title:     "Brief needs review",
		Message:   fmt.Sprintf("We could not place your brief yet: %s", reason),
		RelatedID: b.ID,
		BriefID:   b.ID,
	}
}
