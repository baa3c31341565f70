package briefmatchsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Briefmatch HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Brief is the API brief model (partial).
type Brief struct {
	ID                   string  `json:"id"`
	ClientID             string  `json:"client_id"`
	Goal                 string  `json:"goal"`
	Status               string  `json:"status"`
	RolloverRound        int     `json:"rollover_round"`
	AllocatedCandidateID *string `json:"allocated_candidate_id,omitempty"`
	ReviewReason         *string `json:"review_reason,omitempty"`
	CreatedAt            string  `json:"created_at"`
}

// BriefRequest submits a brief.
type BriefRequest struct {
	Goal        string `json:"goal"`
	Context     string `json:"context,omitempty"`
	Constraints string `json:"constraints,omitempty"`
	Budget      string `json:"budget,omitempty"`
	Timeline    string `json:"timeline,omitempty"`
	Urgency     string `json:"urgency,omitempty"`
	Style       string `json:"style,omitempty"`
}

type Match struct {
	CandidateID   string             `json:"candidate_id"`
	CandidateName string             `json:"candidate_name"`
	Rank          int                `json:"rank"`
	Total         float64            `json:"total"`
	Breakdown     map[string]float64 `json:"breakdown"`
	Reasons       []string           `json:"reasons"`
	Flags         []string           `json:"flags"`
}

// Shortlist is the shortlist envelope. Status is "error" when scoring failed;
// DebugID then correlates with the server log.
type Shortlist struct {
	Status         string  `json:"status"`
	Message        string  `json:"message"`
	DebugID        string  `json:"debug_id"`
	BriefID        string  `json:"brief_id"`
	Candidates     []Match `json:"candidates"`
	Total          int     `json:"total"`
	Cached         bool    `json:"cached"`
	WeightsVersion int     `json:"weights_version"`
}

type ShortlistOptions struct {
	MinScore   *float64 `json:"min_score,omitempty"`
	MaxResults int      `json:"max_results,omitempty"`
	Widen      bool     `json:"widen,omitempty"`
	Force      bool     `json:"force,omitempty"`
}

type Invitation struct {
	ID            string  `json:"id"`
	BriefID       string  `json:"brief_id"`
	CandidateID   string  `json:"candidate_id"`
	Status        string  `json:"status"`
	Round         int     `json:"round"`
	Source        string  `json:"source"`
	ExpiresAt     string  `json:"expires_at"`
	DeclineReason *string `json:"decline_reason,omitempty"`
}

type SendResult struct {
	InvitationsSent int          `json:"invitations_sent"`
	Invitations     []Invitation `json:"invitations"`
	Reason          string       `json:"reason"`
}

type Project struct {
	ID          string `json:"id"`
	BriefID     string `json:"brief_id"`
	CandidateID string `json:"candidate_id"`
	CreatedAt   string `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	BriefID    string         `json:"brief_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is taken from the error envelope when present.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) SubmitBrief(ctx context.Context, req BriefRequest) (Brief, error) {
	var resp Brief
	err := c.do(ctx, http.MethodPost, "briefs", req, &resp)
	return resp, err
}

func (c *Client) GetBrief(ctx context.Context, id string) (Brief, error) {
	var resp Brief
	err := c.do(ctx, http.MethodGet, "briefs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Shortlist computes, or returns the cached, shortlist for a brief.
func (c *Client) Shortlist(ctx context.Context, briefID string, opts ShortlistOptions) (Shortlist, error) {
	var resp Shortlist
	err := c.do(ctx, http.MethodPost, "briefs/"+url.PathEscape(briefID)+"/shortlist", opts, &resp)
	return resp, err
}

// Invite invites the named candidates, or the top of the shortlist when none are given.
func (c *Client) Invite(ctx context.Context, briefID string, candidateIDs ...string) (SendResult, error) {
	var resp SendResult
	body := map[string]any{"candidate_ids": candidateIDs}
	err := c.do(ctx, http.MethodPost, "briefs/"+url.PathEscape(briefID)+"/invitations", body, &resp)
	return resp, err
}

func (c *Client) Invitations(ctx context.Context, briefID string) ([]Invitation, error) {
	var resp struct {
		Items []Invitation `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "briefs/"+url.PathEscape(briefID)+"/invitations", nil, &resp)
	return resp.Items, err
}

// Respond accepts (accept=true) or declines an invitation.
func (c *Client) Respond(ctx context.Context, invitationID string, accept bool) (Invitation, error) {
	response := "declined"
	if accept {
		response = "accepted"
	}
	var resp Invitation
	err := c.do(ctx, http.MethodPost, "invitations/"+url.PathEscape(invitationID)+"/respond", map[string]string{"response": response}, &resp)
	return resp, err
}

func (c *Client) CreateProject(ctx context.Context, briefID, candidateID string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "briefs/"+url.PathEscape(briefID)+"/project", map[string]string{"candidate_id": candidateID}, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
