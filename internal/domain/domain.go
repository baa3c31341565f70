package domain

import "math"

const (
	BriefSubmitted       = "submitted"
	BriefMatched         = "matched"
	BriefInvitationsSent = "invitations_sent"
	BriefProjectCreated  = "project_created"
	BriefNeedsReview     = "needs_review"
	BriefArchived        = "archived"
)

const (
	InvitationSent     = "sent"
	InvitationAccepted = "accepted"
	InvitationDeclined = "declined"
	InvitationExpired  = "expired"
)

const (
	SourceShortlist = "shortlist"
	SourceManual    = "manual"
	SourceRollover  = "rollover"
)

// UnboundedBudget marks a budget without an upper limit.
const UnboundedBudget int64 = math.MaxInt64

type Brief struct {
	ID                   string  `json:"id"`
	ClientID             string  `json:"client_id"`
	Goal                 string  `json:"goal"`
	Context              string  `json:"context,omitempty"`
	Constraints          string  `json:"constraints,omitempty"`
	BudgetText           string  `json:"budget_text,omitempty"`
	Timeline             string  `json:"timeline,omitempty"`
	Urgency              string  `json:"urgency,omitempty"`
	Style                string  `json:"style,omitempty"`
	Status               string  `json:"status" enum:"submitted,matched,invitations_sent,project_created,needs_review,archived"`
	RolloverRound        int     `json:"rollover_round"`
	AllocatedCandidateID *string `json:"allocated_candidate_id,omitempty"`
	ProjectID            *string `json:"project_id,omitempty"`
	ReviewReason         *string `json:"review_reason,omitempty"`
	CreatedAt            string  `json:"created_at" format:"date-time"`
	UpdatedAt            string  `json:"updated_at" format:"date-time"`
}

// Allocated reports whether a project has been created from the brief.
func (b Brief) Allocated() bool {
	return b.AllocatedCandidateID != nil && *b.AllocatedCandidateID != ""
}

type OutcomeHistory struct {
	PassRate          float64 `json:"pass_rate" yaml:"pass_rate"`
	CSAT              float64 `json:"csat" yaml:"csat"`
	OnTimeRate        float64 `json:"on_time_rate" yaml:"on_time_rate"`
	DisputeRate       float64 `json:"dispute_rate" yaml:"dispute_rate"`
	CompletedProjects int     `json:"completed_projects" yaml:"completed_projects"`
}

type CandidateProfile struct {
	ID             string          `json:"id" yaml:"id"`
	Name           string          `json:"name" yaml:"name"`
	Skills         []string        `json:"skills,omitempty" yaml:"skills"`
	Tools          []string        `json:"tools,omitempty" yaml:"tools"`
	Industries     []string        `json:"industries,omitempty" yaml:"industries"`
	Certifications []string        `json:"certifications,omitempty" yaml:"certifications"`
	Locales        []string        `json:"locales,omitempty" yaml:"locales"`
	Verified       bool            `json:"verified" yaml:"verified"`
	RateMin        int64           `json:"rate_min" yaml:"rate_min"`
	RateMax        int64           `json:"rate_max" yaml:"rate_max"`
	WeeklyHours    int             `json:"weekly_hours" yaml:"weekly_hours"`
	History        *OutcomeHistory `json:"history,omitempty" yaml:"history"`
	Active         bool            `json:"active" yaml:"active"`
	UpdatedAt      string          `json:"updated_at,omitempty" yaml:"-"`
}

// Completeness counts populated profile sections. Used as a ranking tie-break.
func (c CandidateProfile) Completeness() int {
	n := 0
	for _, set := range [][]string{c.Skills, c.Tools, c.Industries, c.Certifications, c.Locales} {
		if len(set) > 0 {
			n++
		}
	}
	if c.RateMax > 0 {
		n++
	}
	if c.WeeklyHours > 0 {
		n++
	}
	if c.History != nil {
		n++
	}
	return n
}

type Factor string

const (
	FactorSkills       Factor = "skills"
	FactorIndustry     Factor = "industry"
	FactorOutcomes     Factor = "outcomes"
	FactorAvailability Factor = "availability"
	FactorPrice        Factor = "price"
	FactorLocale       Factor = "locale"
	FactorVetting      Factor = "vetting"
)

// Factors lists scoring factors in canonical order.
var Factors = []Factor{
	FactorSkills, FactorIndustry, FactorOutcomes, FactorAvailability, FactorPrice, FactorLocale, FactorVetting,
}

// WeightVector holds raw, non-negative factor weights.
type WeightVector map[Factor]float64

// Normalized scales the vector so that weights over known factors sum to 1.
// A vector with no positive weight normalizes to equal weights.
func (w WeightVector) Normalized() WeightVector {
	out := make(WeightVector, len(Factors))
	var sum float64
	for _, f := range Factors {
		if v := w[f]; v > 0 {
			sum += v
		}
	}
	for _, f := range Factors {
		if sum == 0 {
			out[f] = 1 / float64(len(Factors))
			continue
		}
		v := w[f]
		if v < 0 {
			v = 0
		}
		out[f] = v / sum
	}
	return out
}

type SynonymEntry struct {
	Canonical string   `json:"canonical" yaml:"canonical"`
	Aliases   []string `json:"aliases" yaml:"aliases"`
}

// SynonymMap is ordered; earlier entries win alias collisions.
type SynonymMap []SynonymEntry

type WeightConfig struct {
	Version          int          `json:"version"`
	Weights          WeightVector `json:"weights"`
	ToolSynonyms     SynonymMap   `json:"tool_synonyms"`
	IndustrySynonyms SynonymMap   `json:"industry_synonyms"`
	Active           bool         `json:"active"`
	CreatedBy        string       `json:"created_by"`
	Note             string       `json:"note,omitempty"`
	CreatedAt        string       `json:"created_at" format:"date-time"`
}

type BudgetRange struct {
	Min int64 `json:"min"`
	Max int64 `json:"max"`
}

// Unbounded reports whether no budget figure was given.
func (b BudgetRange) Unbounded() bool {
	return b.Max == UnboundedBudget
}

type MatchResult struct {
	BriefID       string             `json:"brief_id"`
	CandidateID   string             `json:"candidate_id"`
	CandidateName string             `json:"candidate_name,omitempty"`
	Rank          int                `json:"rank"`
	Total         float64            `json:"total"`
	Breakdown     map[Factor]float64 `json:"breakdown"`
	Reasons       []string           `json:"reasons"`
	Flags         []string           `json:"flags"`
	Completeness  int                `json:"completeness"`
}

type ShortlistSnapshot struct {
	ID             string        `json:"id"`
	BriefID        string        `json:"brief_id"`
	ComputedAt     string        `json:"computed_at" format:"date-time"`
	WeightsVersion int           `json:"weights_version"`
	MinScore       float64       `json:"min_score"`
	Widen          bool          `json:"widen"`
	Results        []MatchResult `json:"results"`
}

type Invitation struct {
	ID            string  `json:"id"`
	BriefID       string  `json:"brief_id"`
	CandidateID   string  `json:"candidate_id"`
	Status        string  `json:"status" enum:"sent,accepted,declined,expired"`
	Round         int     `json:"round"`
	Source        string  `json:"source" enum:"shortlist,manual,rollover"`
	ScoreAtInvite float64 `json:"score_at_invite"`
	SentAt        string  `json:"sent_at" format:"date-time"`
	ExpiresAt     string  `json:"expires_at" format:"date-time"`
	ViewedAt      *string `json:"viewed_at,omitempty" format:"date-time"`
	RespondedAt   *string `json:"responded_at,omitempty" format:"date-time"`
	DeclineReason *string `json:"decline_reason,omitempty"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

// Active reports whether the invitation still blocks rollover.
func (i Invitation) Active() bool {
	return i.Status == InvitationSent || i.Status == InvitationAccepted
}

type Proposal struct {
	ID           string `json:"id"`
	BriefID      string `json:"brief_id"`
	CandidateID  string `json:"candidate_id"`
	InvitationID string `json:"invitation_id"`
	Status       string `json:"status"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type Project struct {
	ID          string `json:"id"`
	BriefID     string `json:"brief_id"`
	CandidateID string `json:"candidate_id"`
	CreatedBy   string `json:"created_by"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	BriefID    string `json:"brief_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
