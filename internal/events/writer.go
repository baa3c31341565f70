package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by the engine.
const (
	BriefSubmitted      = "brief.submitted"
	BriefNeedsReview    = "brief.needs_review"
	BriefArchived       = "brief.archived"
	ShortlistComputed   = "shortlist.computed"
	InvitationSent      = "invitation.sent"
	InvitationViewed    = "invitation.viewed"
	InvitationResponded = "invitation.responded"
	InvitationExpired   = "invitation.expired"
	InvitationsRolled   = "invitations.rolled_over"
	ProjectCreated      = "project.created"
	WeightsUpdated      = "weights.updated"
	CandidateUpserted   = "candidate.upserted"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes an event inside tx so it commits or rolls back with the change it records.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, briefID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,brief_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(briefID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
