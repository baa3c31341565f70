package server

import (
	"encoding/json"

	"briefmatch/internal/domain"
	"briefmatch/internal/engine"
)

// Request payloads

type CreateBriefRequest struct {
	ID *string `json:"id,omitempty"`
	// ClientID may only be set by admins; clients always own their briefs.
	ClientID    *string `json:"client_id,omitempty"`
	Goal        string  `json:"goal" minLength:"1"`
	Context     string  `json:"context,omitempty"`
	Constraints string  `json:"constraints,omitempty"`
	Budget      string  `json:"budget,omitempty" example:"£2k-£4k"`
	Timeline    string  `json:"timeline,omitempty"`
	Urgency     string  `json:"urgency,omitempty"`
	Style       string  `json:"style,omitempty"`
}

type ComputeShortlistRequest struct {
	MinScore   *float64 `json:"min_score,omitempty" minimum:"0" maximum:"1"`
	MaxResults int      `json:"max_results,omitempty" minimum:"0"`
	Widen      bool     `json:"widen,omitempty"`
	Force      bool     `json:"force,omitempty"`
}

type SendInvitationsRequest struct {
	CandidateIDs []string `json:"candidate_ids,omitempty"`
}

type RespondInvitationRequest struct {
	Response string `json:"response" enum:"accepted,declined"`
}

type CreateProjectRequest struct {
	CandidateID string `json:"candidate_id" minLength:"1"`
}

type UpdateWeightsRequest struct {
	Weights          map[string]float64 `json:"weights,omitempty"`
	ToolSynonyms     domain.SynonymMap  `json:"tool_synonyms,omitempty"`
	IndustrySynonyms domain.SynonymMap  `json:"industry_synonyms,omitempty"`
	Note             string             `json:"note,omitempty"`
}

type CandidateRequest struct {
	Name           string                 `json:"name"`
	Skills         []string               `json:"skills,omitempty"`
	Tools          []string               `json:"tools,omitempty"`
	Industries     []string               `json:"industries,omitempty"`
	Certifications []string               `json:"certifications,omitempty"`
	Locales        []string               `json:"locales,omitempty"`
	Verified       bool                   `json:"verified,omitempty"`
	RateMin        int64                  `json:"rate_min,omitempty"`
	RateMax        int64                  `json:"rate_max,omitempty"`
	WeeklyHours    int                    `json:"weekly_hours,omitempty"`
	History        *domain.OutcomeHistory `json:"history,omitempty"`
	Active         *bool                  `json:"active,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Responses

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

type BriefResponse struct {
	domain.Brief
	Project   *domain.Project   `json:"project,omitempty"`
	Proposals []domain.Proposal `json:"proposals,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	BriefID    string         `json:"brief_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type listBriefs struct {
	Items []domain.Brief `json:"items"`
}

type listInvitations struct {
	Items []domain.Invitation `json:"items"`
}

type listCandidates struct {
	Items []domain.CandidateProfile `json:"items"`
}

type listWeights struct {
	Items []domain.WeightConfig `json:"items"`
}

type shortlistResponse = engine.ShortlistEnvelope

// Conversion helpers

func (r CreateBriefRequest) input(clientID string) engine.BriefInput {
	in := engine.BriefInput{
		ClientID:    clientID,
		Goal:        r.Goal,
		Context:     r.Context,
		Constraints: r.Constraints,
		BudgetText:  r.Budget,
		Timeline:    r.Timeline,
		Urgency:     r.Urgency,
		Style:       r.Style,
	}
	if r.ID != nil {
		in.ID = *r.ID
	}
	return in
}

func (r CandidateRequest) profile(id string) domain.CandidateProfile {
	active := true
	if r.Active != nil {
		active = *r.Active
	}
	return domain.CandidateProfile{
		ID:             id,
		Name:           r.Name,
		Skills:         r.Skills,
		Tools:          r.Tools,
		Industries:     r.Industries,
		Certifications: r.Certifications,
		Locales:        r.Locales,
		Verified:       r.Verified,
		RateMin:        r.RateMin,
		RateMax:        r.RateMax,
		WeeklyHours:    r.WeeklyHours,
		History:        r.History,
		Active:         active,
	}
}

func (r UpdateWeightsRequest) update() engine.WeightUpdate {
	up := engine.WeightUpdate{
		ToolSynonyms:     r.ToolSynonyms,
		IndustrySynonyms: r.IndustrySynonyms,
		Note:             r.Note,
	}
	if r.Weights != nil {
		up.Weights = domain.WeightVector{}
		for k, v := range r.Weights {
			up.Weights[domain.Factor(k)] = v
		}
	}
	return up
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		BriefID:    e.BriefID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return map[string]any{}
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
