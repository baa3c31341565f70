package engine

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"briefmatch/internal/domain"
	"briefmatch/internal/events"
	"briefmatch/internal/logger"
)

// BriefInput carries the structured fields of a client brief.
type BriefInput struct {
	ID          string
	ClientID    string
	Goal        string
	Context     string
	Constraints string
	BudgetText  string
	Timeline    string
	Urgency     string
	Style       string
}

// SubmitBrief validates and stores a brief. Its structured fields never change afterwards.
func (e Engine) SubmitBrief(ctx context.Context, in BriefInput, actorID string) (domain.Brief, error) {
	if strings.TrimSpace(in.Goal) == "" {
		return domain.Brief{}, invalidf("goal is required")
	}
	clientID := strings.TrimSpace(in.ClientID)
	if clientID == "" {
		clientID = actorID
	}
	if clientID == "" {
		return domain.Brief{}, invalidf("client_id is required")
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = newID()
	}
	now := e.nowString()
	b := domain.Brief{
		ID:          id,
		ClientID:    clientID,
		Goal:        strings.TrimSpace(in.Goal),
		Context:     strings.TrimSpace(in.Context),
		Constraints: strings.TrimSpace(in.Constraints),
		BudgetText:  strings.TrimSpace(in.BudgetText),
		Timeline:    strings.TrimSpace(in.Timeline),
		Urgency:     strings.TrimSpace(in.Urgency),
		Style:       strings.TrimSpace(in.Style),
		Status:      domain.BriefSubmitted,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Brief{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertBrief(ctx, tx, b); err != nil {
		return domain.Brief{}, err
	}
	if err := e.events().Append(ctx, tx, events.BriefSubmitted, b.ID, "brief", b.ID, actorID, events.EventPayload{"client_id": b.ClientID}); err != nil {
		return domain.Brief{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Brief{}, err
	}
	e.log(logger.IDs(logger.FieldBriefID, b.ID, logger.FieldActorID, actorID)...).Info("brief submitted")
	return b, nil
}

// UpsertCandidate stores a candidate profile from the profile source.
func (e Engine) UpsertCandidate(ctx context.Context, c domain.CandidateProfile, actorID string) (domain.CandidateProfile, error) {
	c.ID = strings.TrimSpace(c.ID)
	if c.ID == "" {
		return c, invalidf("candidate id is required")
	}
	if strings.TrimSpace(c.Name) == "" {
		return c, invalidf("candidate %s: name is required", c.ID)
	}
	if c.RateMin < 0 || c.RateMax < 0 {
		return c, invalidf("candidate %s: rates must not be negative", c.ID)
	}
	if c.RateMax > 0 && c.RateMin > c.RateMax {
		return c, invalidf("candidate %s: rate_min exceeds rate_max", c.ID)
	}
	if c.WeeklyHours < 0 {
		return c, invalidf("candidate %s: weekly_hours must not be negative", c.ID)
	}
	c.UpdatedAt = e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertCandidate(ctx, tx, c); err != nil {
		return c, err
	}
	if err := e.events().Append(ctx, tx, events.CandidateUpserted, "", "candidate", c.ID, actorID, events.EventPayload{"active": c.Active}); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	return c, nil
}

// ImportCandidates upserts every profile and stops at the first invalid one.
func (e Engine) ImportCandidates(ctx context.Context, profiles []domain.CandidateProfile, actorID string) (int, error) {
	n := 0
	for _, c := range profiles {
		if _, err := e.UpsertCandidate(ctx, c, actorID); err != nil {
			return n, err
		}
		n++
	}
	e.log(zap.Int("count", n)).Info("candidates imported")
	return n, nil
}

func (e Engine) GetBrief(ctx context.Context, id string) (domain.Brief, error) {
	return e.briefs().GetBrief(ctx, id)
}

func (e Engine) ListBriefs(ctx context.Context, status string, limit int) ([]domain.Brief, error) {
	briefs, err := e.Repo.ListBriefs(ctx, status, limit)
	if err != nil {
		return nil, err
	}
	if briefs == nil {
		briefs = []domain.Brief{}
	}
	return briefs, nil
}

// ArchiveBrief withdraws an unallocated brief from matching.
func (e Engine) ArchiveBrief(ctx context.Context, id, actorID string) (domain.Brief, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Brief{}, err
	}
	defer tx.Rollback()
	b, err := e.Repo.GetBriefTx(ctx, tx, id)
	if err != nil {
		return b, err
	}
	if b.Allocated() {
		return b, ErrBriefAllocated
	}
	from := []string{domain.BriefSubmitted, domain.BriefMatched, domain.BriefInvitationsSent, domain.BriefNeedsReview}
	changed, err := e.Repo.SetBriefStatus(ctx, tx, id, from, domain.BriefArchived, nil, e.nowString())
	if err != nil {
		return b, err
	}
	if changed {
		if err := e.events().Append(ctx, tx, events.BriefArchived, id, "brief", id, actorID, nil); err != nil {
			return b, err
		}
	}
	if err := tx.Commit(); err != nil {
		return b, err
	}
	return e.Repo.GetBrief(ctx, id)
}

func (e Engine) ListCandidates(ctx context.Context, activeOnly bool) ([]domain.CandidateProfile, error) {
	cs, err := e.Repo.ListCandidates(ctx, activeOnly)
	if err != nil {
		return nil, err
	}
	if cs == nil {
		cs = []domain.CandidateProfile{}
	}
	return cs, nil
}

func (e Engine) GetProject(ctx context.Context, briefID string) (domain.Project, error) {
	return e.Repo.GetProjectByBrief(ctx, briefID)
}

func (e Engine) ListProposals(ctx context.Context, briefID string) ([]domain.Proposal, error) {
	ps, err := e.Repo.ListProposals(ctx, briefID)
	if err != nil {
		return nil, err
	}
	if ps == nil {
		ps = []domain.Proposal{}
	}
	return ps, nil
}
