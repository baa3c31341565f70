package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"briefmatch/internal/config"
	"briefmatch/internal/db"
	"briefmatch/internal/domain"
	"briefmatch/internal/engine"
	"briefmatch/internal/migrate"
	"briefmatch/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, mutate func(*config.Config)) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	cfg.Shortlist.MinScore = 0
	if mutate != nil {
		mutate(cfg)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	for _, c := range []domain.CandidateProfile{
		{ID: "exp-1", Name: "Expert One", WeeklyHours: 30, Certifications: []string{"aws", "gcp"}, Active: true},
		{ID: "exp-2", Name: "Expert Two", WeeklyHours: 30, Certifications: []string{"aws"}, Active: true},
		{ID: "exp-3", Name: "Expert Three", WeeklyHours: 15, Active: true},
	} {
		if _, err := e.UpsertCandidate(context.Background(), c, "admin"); err != nil {
			t.Fatalf("seed candidate: %v", err)
		}
	}
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: AuthConfig{
		JWTSecret:              testSecret,
		AllowLegacyActorHeader: true,
	}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func as(actor, role string) map[string]string {
	return map[string]string{"X-Actor-Id": actor, "X-Actor-Role": role}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	reader := bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
	return out
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	return decode[apiError](t, data).Body.Code
}

func submit(t *testing.T, srv *testServer, client string) domain.Brief {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/briefs", map[string]any{
		"goal":   "Need help with our website",
		"budget": "£2k-£4k",
	}, as(client, "client"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit brief: %d %s", res.StatusCode, string(data))
	}
	return decode[domain.Brief](t, data)
}

func TestHealthIsPublic(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/briefs", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestOpenAPIServedConcurrently(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()

	const n = 8
	bodies := make([][]byte, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/v1/openapi.json")
			if err != nil {
				errs[i] = err
				return
			}
			defer res.Body.Close()
			bodies[i], errs[i] = io.ReadAll(res.Body)
		}(i)
	}
	wg.Wait()
	for i := range bodies {
		if errs[i] != nil {
			t.Fatalf("request %d: %v", i, errs[i])
		}
		if !bytes.Equal(bodies[i], bodies[0]) {
			t.Fatalf("request %d returned a different document", i)
		}
	}
	var doc struct {
		Paths map[string]any `json:"paths"`
	}
	if err := json.Unmarshal(bodies[0], &doc); err != nil {
		t.Fatalf("decode openapi: %v", err)
	}
	if len(doc.Paths) == 0 {
		t.Fatalf("openapi document has no paths")
	}
}

func TestBriefToProjectOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()
	b := submit(t, srv, "client-1")
	if b.ClientID != "client-1" || b.Status != domain.BriefSubmitted {
		t.Fatalf("unexpected brief %+v", b)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/briefs/"+b.ID+"/shortlist", map[string]any{}, as("client-1", "client"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("shortlist: %d %s", res.StatusCode, string(data))
	}
	env := decode[engine.ShortlistEnvelope](t, data)
	if env.Status != "ok" || len(env.Candidates) != 3 || env.Candidates[0].CandidateID != "exp-1" {
		t.Fatalf("unexpected shortlist %+v", env)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/briefs/"+b.ID+"/invitations", map[string]any{}, as("client-1", "client"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("send invitations: %d %s", res.StatusCode, string(data))
	}
	sent := decode[engine.SendResult](t, data)
	if sent.InvitationsSent != 3 {
		t.Fatalf("expected 3 invitations, got %+v", sent)
	}
	byCandidate := map[string]domain.Invitation{}
	for _, inv := range sent.Invitations {
		byCandidate[inv.CandidateID] = inv
	}

	// another expert cannot answer exp-1's invitation
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/invitations/"+byCandidate["exp-1"].ID+"/respond",
		map[string]any{"response": "accepted"}, as("exp-2", "expert"))
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "not_owner" {
		t.Fatalf("expected not_owner, got %d %s", res.StatusCode, string(data))
	}
	for _, cand := range []string{"exp-1", "exp-2"} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/invitations/"+byCandidate[cand].ID+"/respond",
			map[string]any{"response": "accepted"}, as(cand, "expert"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("respond %s: %d %s", cand, res.StatusCode, string(data))
		}
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/invitations/"+byCandidate["exp-1"].ID+"/respond",
		map[string]any{"response": "declined"}, as("exp-1", "expert"))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "invitation_closed" {
		t.Fatalf("expected invitation_closed, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/briefs/"+b.ID+"/project",
		map[string]any{"candidate_id": "exp-1"}, as("client-1", "client"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}
	proj := decode[domain.Project](t, data)
	if proj.CandidateID != "exp-1" || proj.BriefID != b.ID {
		t.Fatalf("unexpected project %+v", proj)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/briefs/"+b.ID+"/project",
		map[string]any{"candidate_id": "exp-2"}, as("client-1", "client"))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "brief_allocated" {
		t.Fatalf("expected brief_allocated, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/briefs/"+b.ID, nil, as("client-1", "client"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get brief: %d %s", res.StatusCode, string(data))
	}
	got := decode[BriefResponse](t, data)
	if got.Status != domain.BriefProjectCreated || got.Project == nil || got.Project.CandidateID != "exp-1" {
		t.Fatalf("unexpected brief after allocation %+v", got)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/briefs/"+b.ID+"/invitations", nil, as("client-1", "client"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list invitations: %d %s", res.StatusCode, string(data))
	}
	for _, inv := range decode[listInvitations](t, data).Items {
		if inv.CandidateID != "exp-1" && inv.Status != domain.InvitationDeclined {
			t.Fatalf("invitation for %s should be declined, got %s", inv.CandidateID, inv.Status)
		}
	}
}

func TestBriefOwnershipAndPermissions(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()
	b := submit(t, srv, "client-1")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/briefs/"+b.ID, nil, as("client-2", "client"))
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "not_owner" {
		t.Fatalf("expected not_owner, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/briefs", map[string]any{"goal": "x"}, as("exp-1", "expert"))
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "forbidden" {
		t.Fatalf("expected forbidden, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/briefs", map[string]any{
		"goal":      "x",
		"client_id": "client-1",
	}, as("client-2", "client"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected forbidden for foreign client_id, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/briefs", nil, as("client-2", "client"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list briefs: %d %s", res.StatusCode, string(data))
	}
	if items := decode[listBriefs](t, data).Items; len(items) != 0 {
		t.Fatalf("client-2 should not see client-1 briefs, got %d", len(items))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/briefs", nil, as("ops", "admin"))
	if items := decode[listBriefs](t, data).Items; res.StatusCode != http.StatusOK || len(items) != 1 {
		t.Fatalf("admin list: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/briefs/missing", nil, as("ops", "admin"))
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("expected not_found, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/briefs", map[string]any{"goal": "   "}, as("client-1", "client"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank goal, got %d %s", res.StatusCode, string(data))
	}
}

func TestWeightsOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/weights", nil, as("ops", "admin"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get weights: %d %s", res.StatusCode, string(data))
	}
	if wc := decode[domain.WeightConfig](t, data); wc.Version != 1 {
		t.Fatalf("expected seeded version 1, got %d", wc.Version)
	}
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/weights", map[string]any{
		"weights": map[string]float64{"skills": 1},
	}, as("client-1", "client"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("client must not change weights, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/weights", map[string]any{
		"weights": map[string]float64{"bogus": 1},
	}, as("ops", "admin"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown factor, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/weights", map[string]any{
		"weights": map[string]float64{"skills": 2, "vetting": 1},
		"note":    "skills heavy",
	}, as("ops", "admin"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update weights: %d %s", res.StatusCode, string(data))
	}
	if wc := decode[domain.WeightConfig](t, data); wc.Version != 2 || wc.CreatedBy != "ops" {
		t.Fatalf("unexpected update %+v", wc)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/weights/1/rollback", nil, as("ops", "admin"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("rollback: %d %s", res.StatusCode, string(data))
	}
	if wc := decode[domain.WeightConfig](t, data); wc.Version != 3 {
		t.Fatalf("rollback should store version 3, got %d", wc.Version)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/weights/history", nil, as("ops", "admin"))
	if items := decode[listWeights](t, data).Items; res.StatusCode != http.StatusOK || len(items) != 3 {
		t.Fatalf("history: %d %s", res.StatusCode, string(data))
	}
}

func TestDevLoginAndAPIKey(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{
		"actor_id": "exp-1",
		"roles":    []string{"expert"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	token := decode[DevLoginResponse](t, data).Token
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	me := decode[WhoAmIResponse](t, data)
	if me.ActorID != "exp-1" || me.Source != "jwt" || strings.Join(me.Permissions, ",") != "invitation.read,invitation.respond" {
		t.Fatalf("unexpected principal %+v", me)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{
		"actor_id": "x",
		"roles":    []string{"overlord"},
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown role, got %d", res.StatusCode)
	}

	if err := srv.Engine.Repo.InsertAPIKey(context.Background(), nil, domain.APIKey{
		ID:      "key-1",
		ActorID: "ops",
		Role:    "admin",
		KeyHash: repo.HashAPIKey("sekret"),
	}); err != nil {
		t.Fatalf("insert api key: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/candidates", nil, map[string]string{"X-Api-Key": "sekret"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list candidates with api key: %d %s", res.StatusCode, string(data))
	}
	if items := decode[listCandidates](t, data).Items; len(items) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(items))
	}
}

func TestEventsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()
	b := submit(t, srv, "client-1")
	submit(t, srv, "client-2")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?limit=2", nil, as("ops", "admin"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	page := decode[paginatedEvents](t, data)
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected a full page with cursor, got %+v", page)
	}
	if page.Items[0].ID <= page.Items[1].ID {
		t.Fatalf("events must be newest first")
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?limit=2&cursor="+page.NextCursor, nil, as("ops", "admin"))
	next := decode[paginatedEvents](t, data)
	if res.StatusCode != http.StatusOK || len(next.Items) == 0 || next.Items[0].ID >= page.Items[1].ID {
		t.Fatalf("unexpected second page %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?type=brief.submitted&brief_id="+b.ID, nil, as("ops", "admin"))
	filtered := decode[paginatedEvents](t, data)
	if res.StatusCode != http.StatusOK || len(filtered.Items) != 1 || filtered.Items[0].BriefID != b.ID {
		t.Fatalf("unexpected filtered events %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?cursor=abc", nil, as("ops", "admin"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events", nil, as("client-1", "client"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("clients cannot read the event log, got %d", res.StatusCode)
	}
}

func TestEventDispatcherDelivers(t *testing.T) {
	var (
		mu       sync.Mutex
		received []webhookEvent
		sigs     []string
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var evt webhookEvent
		_ = json.Unmarshal(body, &evt)
		mu.Lock()
		received = append(received, evt)
		sigs = append(sigs, r.Header.Get("X-Briefmatch-Signature"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	srv, cleanup := newTestServer(t, func(cfg *config.Config) {
		cfg.Webhooks = []config.WebhookConfig{{URL: hook.URL, Secret: "s3", Events: []string{"brief.submitted"}}}
	})
	defer cleanup()
	d := NewEventDispatcher(srv.Engine, nil)
	if d == nil {
		t.Fatalf("dispatcher should be configured")
	}
	ctx := context.Background()
	submit(t, srv, "client-1")
	// first poll only positions the cursor
	d.DispatchAll(ctx)
	b := submit(t, srv, "client-2")
	if _, err := srv.Engine.ArchiveBrief(ctx, b.ID, "client-2"); err != nil {
		t.Fatalf("archive: %v", err)
	}
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected exactly one delivery, got %d", len(received))
	}
	if received[0].Type != "brief.submitted" || received[0].BriefID != b.ID {
		t.Fatalf("unexpected delivery %+v", received[0])
	}
	if !strings.HasPrefix(sigs[0], "sha256=") {
		t.Fatalf("missing signature header %q", sigs[0])
	}
}

func TestNewEventDispatcherWithoutHooks(t *testing.T) {
	if d := NewEventDispatcher(engine.New(nil, config.Default()), nil); d != nil {
		t.Fatalf("expected nil dispatcher without event webhooks")
	}
}
