package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"briefmatch/internal/domain"
	"briefmatch/internal/engine"
	"briefmatch/internal/engine/auth"
	"briefmatch/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invitation_closed"`
	Message string         `json:"message" example:"invitation already closed: invitation is accepted"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"permission\":\"brief.create\"}"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type handlers struct {
	e      engine.Engine
	policy auth.Policy
	auth   AuthConfig
	log    *zap.Logger
}

// New returns an HTTP handler exposing the Briefmatch API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	h := handlers{
		e:      cfg.Engine,
		policy: cfg.Auth.policy(),
		auth:   cfg.Auth,
		log:    cfg.Auth.logger().With(zap.String("component", "api")),
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			data, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(data))
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), bodyBytesKey{}, data)))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Briefmatch API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	h.registerHealth(group)
	h.registerBriefs(group)
	h.registerShortlists(group)
	h.registerInvitations(group)
	h.registerProjects(group)
	h.registerWeights(group)
	h.registerCandidates(group)
	h.registerEvents(group)
	h.registerMe(group)
	h.registerDevAuth(group)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var oe auth.NotOwnerError
	if errors.As(err, &oe) {
		return newAPIError(http.StatusForbidden, "not_owner", err.Error(), map[string]any{"kind": oe.Kind, "id": oe.ID})
	}
	msg := err.Error()
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case errors.Is(err, engine.ErrInvitationExpired):
		return newAPIError(http.StatusConflict, "invitation_expired", msg, nil)
	case errors.Is(err, engine.ErrInvitationClosed):
		return newAPIError(http.StatusConflict, "invitation_closed", msg, nil)
	case errors.Is(err, engine.ErrBriefAllocated):
		return newAPIError(http.StatusConflict, "brief_allocated", msg, nil)
	case errors.Is(err, engine.ErrInvitationNotAccepted):
		return newAPIError(http.StatusConflict, "invitation_not_accepted", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
	}
}

// fail maps err to an API error and logs anything that surfaces as a 500.
func (h handlers) fail(ctx context.Context, err error) huma.StatusError {
	se := handleError(err)
	if se != nil && se.GetStatus() >= http.StatusInternalServerError {
		fields := []zap.Field{zap.Error(err)}
		if p, ok := principalFromContext(ctx); ok {
			fields = append(fields, zap.String("actor_id", p.ActorID))
		}
		h.log.Error("request failed", fields...)
	}
	return se
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func (h handlers) require(ctx context.Context, perm string) (Principal, error) {
	p, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return Principal{}, authErr
	}
	if err := h.policy.Require(p.Roles, perm); err != nil {
		return p, err
	}
	return p, nil
}

// requireBrief checks perm and that the caller owns the brief.
func (h handlers) requireBrief(ctx context.Context, perm, briefID string) (Principal, domain.Brief, error) {
	p, err := h.require(ctx, perm)
	if err != nil {
		return p, domain.Brief{}, err
	}
	b, err := h.e.GetBrief(ctx, briefID)
	if err != nil {
		return p, b, err
	}
	if err := auth.RequireOwner(p.ActorID, p.Roles, "brief", b.ID, b.ClientID); err != nil {
		return p, b, err
	}
	return p, b, nil
}

// requireInvitation lets through admins, the invited candidate and, unless
// candidateOnly is set, the client who owns the brief.
func (h handlers) requireInvitation(ctx context.Context, perm, invitationID string, candidateOnly bool) (Principal, domain.Invitation, error) {
	p, err := h.require(ctx, perm)
	if err != nil {
		return p, domain.Invitation{}, err
	}
	inv, err := h.e.GetInvitation(ctx, invitationID)
	if err != nil {
		return p, inv, err
	}
	ownerErr := auth.RequireOwner(p.ActorID, p.Roles, "invitation", inv.ID, inv.CandidateID)
	if ownerErr == nil || candidateOnly {
		return p, inv, ownerErr
	}
	b, err := h.e.GetBrief(ctx, inv.BriefID)
	if err != nil {
		return p, inv, err
	}
	if b.ClientID != p.ActorID {
		return p, inv, ownerErr
	}
	return p, inv, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func operations(item *huma.PathItem) []*huma.Operation {
	var out []*huma.Operation
	for _, op := range []*huma.Operation{
		item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
	} {
		if op != nil {
			out = append(out, op)
		}
	}
	return out
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	public := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Briefmatch API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func (h handlers) registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		status := "ok"
		if h.e.DB != nil {
			if err := h.e.DB.PingContext(ctx); err != nil {
				h.log.Warn("health check: database unreachable", zap.Error(err))
				status = "degraded"
			}
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": status}}, nil
	})
}

type briefPath struct {
	BriefID string `path:"brief_id"`
}

func (h handlers) registerBriefs(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-brief",
		Method:        http.MethodPost,
		Path:          "/briefs",
		Summary:       "Submit a brief",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateBriefRequest `json:"body"`
	}) (*struct {
		Body domain.Brief `json:"body"`
	}, error) {
		p, err := h.require(ctx, auth.PermBriefCreate)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		clientID := p.ActorID
		if input.Body.ClientID != nil && strings.TrimSpace(*input.Body.ClientID) != "" {
			if !auth.IsAdmin(p.Roles) && strings.TrimSpace(*input.Body.ClientID) != p.ActorID {
				return nil, newAPIError(http.StatusForbidden, "forbidden", "only admins may submit briefs for another client", nil)
			}
			clientID = strings.TrimSpace(*input.Body.ClientID)
		}
		b, err := h.e.SubmitBrief(ctx, input.Body.input(clientID), p.ActorID)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return &struct {
			Body domain.Brief `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-briefs",
		Method:      http.MethodGet,
		Path:        "/briefs",
		Summary:     "List briefs",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"submitted,matched,invitations_sent,project_created,needs_review,archived"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body listBriefs `json:"body"`
	}, error) {
		p, err := h.require(ctx, auth.PermBriefRead)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		items, err := h.e.ListBriefs(ctx, input.Status, normalizeLimit(input.Limit))
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		if !auth.IsAdmin(p.Roles) {
			own := make([]domain.Brief, 0, len(items))
			for _, b := range items {
				if b.ClientID == p.ActorID {
					own = append(own, b)
				}
			}
			items = own
		}
		return &struct {
			Body listBriefs `json:"body"`
		}{Body: listBriefs{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-brief",
		Method:      http.MethodGet,
		Path:        "/briefs/{brief_id}",
		Summary:     "Get brief with its project and proposals",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *briefPath) (*struct {
		Body BriefResponse `json:"body"`
	}, error) {
		_, b, err := h.requireBrief(ctx, auth.PermBriefRead, input.BriefID)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		res := BriefResponse{Brief: b}
		if b.Allocated() {
			proj, err := h.e.GetProject(ctx, b.ID)
			if err != nil && !errors.Is(err, repo.ErrNotFound) {
				return nil, h.fail(ctx, err)
			}
			if err == nil {
				res.Project = &proj
			}
		}
		props, err := h.e.ListProposals(ctx, b.ID)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		res.Proposals = props
		return &struct {
			Body BriefResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-brief",
		Method:      http.MethodPost,
		Path:        "/briefs/{brief_id}/archive",
		Summary:     "Withdraw a brief from matching",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *briefPath) (*struct {
		Body domain.Brief `json:"body"`
	}, error) {
		p, _, err := h.requireBrief(ctx, auth.PermBriefArchive, input.BriefID)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		b, err := h.e.ArchiveBrief(ctx, input.BriefID, p.ActorID)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return &struct {
			Body domain.Brief `json:"body"`
		}{Body: b}, nil
	})
}

func (h handlers) registerShortlists(api huma.API) {
	// Scoring failures are reported inside the envelope with a 200.
	huma.Register(api, huma.Operation{
		OperationID: "compute-shortlist",
		Method:      http.MethodPost,
		Path:        "/briefs/{brief_id}/shortlist",
		Summary:     "Compute or fetch the cached shortlist",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BriefID string                  `path:"brief_id"`
		Body    ComputeShortlistRequest `json:"body"`
	}) (*struct {
		Body shortlistResponse `json:"body"`
	}, error) {
		if _, _, err := h.requireBrief(ctx, auth.PermShortlistCompute, input.BriefID); err != nil {
			return nil, h.fail(ctx, err)
		}
		env := h.e.Shortlist(ctx, input.BriefID, engine.ShortlistOptions{
			MinScore:       input.Body.MinScore,
			MaxResults:     input.Body.MaxResults,
			Widen:          input.Body.Widen,
			ForceRecompute: input.Body.Force,
		})
		return &struct {
			Body shortlistResponse `json:"body"`
		}{Body: env}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "latest-shortlist",
		Method:      http.MethodGet,
		Path:        "/briefs/{brief_id}/shortlist",
		Summary:     "Latest stored shortlist snapshot",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *briefPath) (*struct {
		Body domain.ShortlistSnapshot `json:"body"`
	}, error) {
		if _, _, err := h.requireBrief(ctx, auth.PermBriefRead, input.BriefID); err != nil {
			return nil, h.fail(ctx, err)
		}
		snap, err := h.e.LatestShortlist(ctx, input.BriefID)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return &struct {
			Body domain.ShortlistSnapshot `json:"body"`
		}{Body: snap}, nil
	})
}

type invitationPath struct {
	InvitationID string `path:"invitation_id"`
}

func (h handlers) registerInvitations(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "send-invitations",
		Method:        http.MethodPost,
		Path:          "/briefs/{brief_id}/invitations",
		Summary:       "Invite shortlisted or named candidates",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		BriefID string                 `path:"brief_id"`
		Body    SendInvitationsRequest `json:"body"`
	}) (*struct {
		Body engine.SendResult `json:"body"`
	}, error) {
		p, _, err := h.requireBrief(ctx, auth.PermInvitationSend, input.BriefID)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		res, err := h.e.SendInvitations(ctx, input.BriefID, input.Body.CandidateIDs, p.ActorID)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		res.Invitations = nonNilSlice(res.Invitations)
		res.Skipped = nonNilSlice(res.Skipped)
		return &struct {
			Body engine.SendResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-invitations",
		Method:      http.MethodGet,
		Path:        "/briefs/{brief_id}/invitations",
		Summary:     "List invitations for a brief",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *briefPath) (*struct {
		Body listInvitations `json:"body"`
	}, error) {
		if _, _, err := h.requireBrief(ctx, auth.PermInvitationRead, input.BriefID); err != nil {
			return nil, h.fail(ctx, err)
		}
		items, err := h.e.ListInvitations(ctx, input.BriefID)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return &struct {
			Body listInvitations `json:"body"`
		}{Body: listInvitations{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-invitation",
		Method:      http.MethodGet,
		Path:        "/invitations/{invitation_id}",
		Summary:     "Get invitation",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *invitationPath) (*struct {
		Body domain.Invitation `json:"body"`
	}, error) {
		_, inv, err := h.requireInvitation(ctx, auth.PermInvitationRead, input.InvitationID, false)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return &struct {
			Body domain.Invitation `json:"body"`
		}{Body: inv}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "respond-invitation",
		Method:      http.MethodPost,
		Path:        "/invitations/{invitation_id}/respond",
		Summary:     "Accept or decline an invitation",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		InvitationID string                   `path:"invitation_id"`
		Body         RespondInvitationRequest `json:"body"`
	}) (*struct {
		Body domain.Invitation `json:"body"`
	}, error) {
		p, _, err := h.requireInvitation(ctx, auth.PermInvitationRespond, input.InvitationID, true)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		inv, err := h.e.RespondToInvitation(ctx, input.InvitationID, input.Body.Response, p.ActorID)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return &struct {
			Body domain.Invitation `json:"body"`
		}{Body: inv}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "view-invitation",
		Method:      http.MethodPost,
		Path:        "/invitations/{invitation_id}/view",
		Summary:     "Record that the candidate opened the invitation",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *invitationPath) (*struct {
		Body domain.Invitation `json:"body"`
	}, error) {
		p, _, err := h.requireInvitation(ctx, auth.PermInvitationRespond, input.InvitationID, true)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		inv, err := h.e.MarkViewed(ctx, input.InvitationID, p.ActorID)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return &struct {
			Body domain.Invitation `json:"body"`
		}{Body: inv}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-invitations",
		Method:      http.MethodPost,
		Path:        "/invitations/sweep",
		Summary:     "Expire overdue invitations and roll over their briefs",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.SweepResult `json:"body"`
	}, error) {
		p, err := h.require(ctx, auth.PermInvitationSweep)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		res, err := h.e.SweepExpiredInvitations(ctx, p.ActorID)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		res.Expired = nonNilSlice(res.Expired)
		res.RolledOver = nonNilSlice(res.RolledOver)
		res.NeedsReview = nonNilSlice(res.NeedsReview)
		return &struct {
			Body engine.SweepResult `json:"body"`
		}{Body: res}, nil
	})
}

func (h handlers) registerProjects(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/briefs/{brief_id}/project",
		Summary:       "Allocate the brief to an accepting candidate",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		BriefID string               `path:"brief_id"`
		Body    CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, _, err := h.requireBrief(ctx, auth.PermProjectCreate, input.BriefID)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		proj, err := h.e.CreateProject(ctx, input.BriefID, input.Body.CandidateID, p.ActorID)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: proj}, nil
	})
}

func (h handlers) registerWeights(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-weights",
		Method:      http.MethodGet,
		Path:        "/weights",
		Summary:     "Active weight and synonym configuration",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.WeightConfig `json:"body"`
	}, error) {
		if _, err := h.require(ctx, auth.PermWeightsRead); err != nil {
			return nil, h.fail(ctx, err)
		}
		wc, err := h.e.GetActiveWeights(ctx)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return &struct {
			Body domain.WeightConfig `json:"body"`
		}{Body: wc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-weights",
		Method:      http.MethodPut,
		Path:        "/weights",
		Summary:     "Store a new active weight version",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body UpdateWeightsRequest `json:"body"`
	}) (*struct {
		Body domain.WeightConfig `json:"body"`
	}, error) {
		p, err := h.require(ctx, auth.PermWeightsWrite)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		wc, err := h.e.UpdateWeights(ctx, input.Body.update(), p.ActorID)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return &struct {
			Body domain.WeightConfig `json:"body"`
		}{Body: wc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "weights-history",
		Method:      http.MethodGet,
		Path:        "/weights/history",
		Summary:     "Weight versions, newest first",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body listWeights `json:"body"`
	}, error) {
		if _, err := h.require(ctx, auth.PermWeightsRead); err != nil {
			return nil, h.fail(ctx, err)
		}
		items, err := h.e.WeightHistory(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return &struct {
			Body listWeights `json:"body"`
		}{Body: listWeights{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rollback-weights",
		Method:      http.MethodPost,
		Path:        "/weights/{version}/rollback",
		Summary:     "Re-activate an earlier weight version as a new version",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Version int `path:"version" minimum:"1"`
	}) (*struct {
		Body domain.WeightConfig `json:"body"`
	}, error) {
		p, err := h.require(ctx, auth.PermWeightsWrite)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		wc, err := h.e.RollbackWeights(ctx, input.Version, p.ActorID)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return &struct {
			Body domain.WeightConfig `json:"body"`
		}{Body: wc}, nil
	})
}

func (h handlers) registerCandidates(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "upsert-candidate",
		Method:      http.MethodPut,
		Path:        "/candidates/{candidate_id}",
		Summary:     "Create or replace a candidate profile",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		CandidateID string           `path:"candidate_id"`
		Body        CandidateRequest `json:"body"`
	}) (*struct {
		Body domain.CandidateProfile `json:"body"`
	}, error) {
		p, err := h.require(ctx, auth.PermCandidateWrite)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		c, err := h.e.UpsertCandidate(ctx, input.Body.profile(input.CandidateID), p.ActorID)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return &struct {
			Body domain.CandidateProfile `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-candidates",
		Method:      http.MethodGet,
		Path:        "/candidates",
		Summary:     "List candidate profiles",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Active bool `query:"active"`
	}) (*struct {
		Body listCandidates `json:"body"`
	}, error) {
		if _, err := h.require(ctx, auth.PermCandidateRead); err != nil {
			return nil, h.fail(ctx, err)
		}
		items, err := h.e.ListCandidates(ctx, input.Active)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return &struct {
			Body listCandidates `json:"body"`
		}{Body: listCandidates{Items: items}}, nil
	})
}

func (h handlers) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		BriefID    string `query:"brief_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"brief,candidate,match_run,invitation,project,weights"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := h.require(ctx, auth.PermEventsRead); err != nil {
			return nil, h.fail(ctx, err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := h.e.Repo.LatestEvents(ctx, limit+1, cursorID, repo.EventFilters{
			BriefID:    input.BriefID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
		})
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func (h handlers) registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     p.ActorID,
			Roles:       nonNilSlice(p.Roles),
			Permissions: h.policy.Permissions(p.Roles),
			Source:      p.Source,
		}}, nil
	})
}

func (h handlers) registerDevAuth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		roles := input.Body.Roles
		if len(roles) == 0 {
			roles = []string{auth.RoleClient}
		}
		for _, r := range roles {
			if !auth.KnownRole(r) {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown role", map[string]any{"role": r})
			}
		}
		token, err := signDevToken(h.auth.JWTSecret, actor, roles, time.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
