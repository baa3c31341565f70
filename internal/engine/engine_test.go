package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"briefmatch/internal/config"
	"briefmatch/internal/db"
	"briefmatch/internal/domain"
	"briefmatch/internal/engine"
	"briefmatch/internal/migrate"
	"briefmatch/internal/notify"
)

type recorder struct {
	mu    sync.Mutex
	notes []notify.Notification
}

func (r *recorder) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return nil
}

func (r *recorder) count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, note := range r.notes {
		if note.Type == typ {
			n++
		}
	}
	return n
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Notes  *recorder
	clock  *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Shortlist.MinScore = 0
	eng := engine.New(conn, cfg)
	clock := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return clock }
	notes := &recorder{}
	eng.Notifier = notes
	return testEnv{Engine: eng, Ctx: context.Background(), Notes: notes, clock: &clock}
}

func (env testEnv) advance(d time.Duration) {
	*env.clock = env.clock.Add(d)
}

// seedPool adds experts exp-1..exp-n whose scores strictly decrease with the index
// for a brief without skill, budget or industry signals.
func seedPool(t *testing.T, env testEnv, n int) {
	t.Helper()
	profiles := []struct {
		hours int
		certs []string
	}{
		{30, []string{"aws", "gcp"}},
		{30, []string{"aws"}},
		{30, nil},
		{15, nil},
		{5, nil},
	}
	for i := 0; i < n; i++ {
		p := profiles[i%len(profiles)]
		_, err := env.Engine.UpsertCandidate(env.Ctx, domain.CandidateProfile{
			ID:             fmt.Sprintf("exp-%d", i+1),
			Name:           fmt.Sprintf("Expert %d", i+1),
			WeeklyHours:    p.hours,
			Certifications: p.certs,
			Active:         true,
		}, "admin")
		if err != nil {
			t.Fatalf("seed candidate: %v", err)
		}
	}
}

func submitBrief(t *testing.T, env testEnv) domain.Brief {
	t.Helper()
	b, err := env.Engine.SubmitBrief(env.Ctx, engine.BriefInput{ClientID: "client-1", Goal: "Need help with our website"}, "client-1")
	if err != nil {
		t.Fatalf("submit brief: %v", err)
	}
	return b
}

func invitationsByCandidate(t *testing.T, env testEnv, briefID string) map[string]domain.Invitation {
	t.Helper()
	invs, err := env.Engine.ListInvitations(env.Ctx, briefID)
	if err != nil {
		t.Fatalf("list invitations: %v", err)
	}
	out := map[string]domain.Invitation{}
	for _, inv := range invs {
		out[inv.CandidateID] = inv
	}
	return out
}

func TestSubmitBriefValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.SubmitBrief(env.Ctx, engine.BriefInput{ClientID: "client-1", Goal: "   "}, "client-1")
	if !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	briefs, err := env.Engine.ListBriefs(env.Ctx, "", 0)
	if err != nil || len(briefs) != 0 {
		t.Fatalf("rejected brief must not be stored: %v %d", err, len(briefs))
	}
	b, err := env.Engine.SubmitBrief(env.Ctx, engine.BriefInput{Goal: "Shopify theme fixes"}, "client-2")
	if err != nil {
		t.Fatal(err)
	}
	if b.ClientID != "client-2" || b.Status != domain.BriefSubmitted || b.ID == "" {
		t.Fatalf("unexpected brief %+v", b)
	}
}

func TestUpsertCandidateValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.UpsertCandidate(env.Ctx, domain.CandidateProfile{ID: "x", Name: "X", RateMin: -1}, "admin"); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := env.Engine.UpsertCandidate(env.Ctx, domain.CandidateProfile{ID: "x"}, "admin"); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected missing name error, got %v", err)
	}
}

func TestComputeShortlistCachesAndForces(t *testing.T) {
	env := newTestEnv(t)
	seedPool(t, env, 3)
	b := submitBrief(t, env)

	first, err := env.Engine.ComputeShortlist(env.Ctx, b.ID, engine.ShortlistOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if first.Cached || first.Total != 3 || first.WeightsVersion != 1 {
		t.Fatalf("unexpected first shortlist %+v", first)
	}
	got, _ := env.Engine.GetBrief(env.Ctx, b.ID)
	if got.Status != domain.BriefMatched {
		t.Fatalf("expected matched, got %s", got.Status)
	}

	again, err := env.Engine.ComputeShortlist(env.Ctx, b.ID, engine.ShortlistOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !again.Cached || again.RunID != first.RunID {
		t.Fatalf("expected cached snapshot %s, got %+v", first.RunID, again)
	}

	forced, err := env.Engine.ComputeShortlist(env.Ctx, b.ID, engine.ShortlistOptions{ForceRecompute: true})
	if err != nil {
		t.Fatal(err)
	}
	if forced.Cached || forced.RunID == first.RunID {
		t.Fatalf("force should rescore")
	}
	for i := range first.Candidates {
		if first.Candidates[i].CandidateID != forced.Candidates[i].CandidateID || first.Candidates[i].Total != forced.Candidates[i].Total {
			t.Fatalf("rescoring the same inputs changed the result at %d", i)
		}
	}

	widened, err := env.Engine.ComputeShortlist(env.Ctx, b.ID, engine.ShortlistOptions{Widen: true})
	if err != nil {
		t.Fatal(err)
	}
	if widened.Cached {
		t.Fatalf("widen must not reuse a narrow snapshot")
	}

	env.advance(25 * time.Hour)
	stale, err := env.Engine.ComputeShortlist(env.Ctx, b.ID, engine.ShortlistOptions{Widen: true})
	if err != nil {
		t.Fatal(err)
	}
	if stale.Cached {
		t.Fatalf("snapshot older than the ttl must be recomputed")
	}
}

func TestShortlistOrderingAndTruncation(t *testing.T) {
	env := newTestEnv(t)
	seedPool(t, env, 5)
	b := submitBrief(t, env)
	sl, err := env.Engine.ComputeShortlist(env.Ctx, b.ID, engine.ShortlistOptions{MaxResults: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(sl.Candidates) != 2 || sl.Total != 5 {
		t.Fatalf("expected 2 of 5, got %d of %d", len(sl.Candidates), sl.Total)
	}
	if sl.Candidates[0].CandidateID != "exp-1" || sl.Candidates[1].CandidateID != "exp-2" {
		t.Fatalf("unexpected order %v", sl.Candidates)
	}
	snap, err := env.Engine.LatestShortlist(env.Ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Results) != 5 || snap.Results[4].CandidateID != "exp-5" || snap.Results[4].Rank != 5 {
		t.Fatalf("snapshot must keep the full ranking: %+v", snap.Results)
	}

	high := 0.99
	sl, err = env.Engine.ComputeShortlist(env.Ctx, b.ID, engine.ShortlistOptions{MinScore: &high})
	if err != nil {
		t.Fatal(err)
	}
	if sl.Total != 0 || len(sl.Candidates) != 0 {
		t.Fatalf("threshold should drop everyone, got %d", sl.Total)
	}
	bad := 1.5
	if _, err := env.Engine.ComputeShortlist(env.Ctx, b.ID, engine.ShortlistOptions{MinScore: &bad}); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid min_score, got %v", err)
	}
}

func TestShortlistEnvelope(t *testing.T) {
	env := newTestEnv(t)
	b := submitBrief(t, env)

	empty := env.Engine.Shortlist(env.Ctx, b.ID, engine.ShortlistOptions{})
	if empty.Status != "ok" || empty.Message != engine.NoMatchesMessage || len(empty.Candidates) != 0 {
		t.Fatalf("empty pool should be ok with no matches, got %+v", empty)
	}
	missing := env.Engine.Shortlist(env.Ctx, "nope", engine.ShortlistOptions{})
	if missing.Status != "error" || missing.DebugID != "" {
		t.Fatalf("missing brief: %+v", missing)
	}

	core, logs := observer.New(zap.ErrorLevel)
	env.Engine.Log = zap.New(core)
	if err := env.Engine.DB.Close(); err != nil {
		t.Fatal(err)
	}
	broken := env.Engine.Shortlist(env.Ctx, b.ID, engine.ShortlistOptions{ForceRecompute: true})
	if broken.Status != "error" || broken.DebugID == "" {
		t.Fatalf("infrastructure failure must carry a debug id: %+v", broken)
	}
	if logs.FilterField(zap.String("debug_id", broken.DebugID)).Len() != 1 {
		t.Fatalf("debug id was not logged")
	}
}

func TestSendInvitationsSkipsDuplicates(t *testing.T) {
	env := newTestEnv(t)
	seedPool(t, env, 3)
	b := submitBrief(t, env)

	res, err := env.Engine.SendInvitations(env.Ctx, b.ID, []string{"exp-1", "exp-2"}, "client-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.InvitationsSent != 2 || res.ExpiresAt != "2024-01-02T09:00:00Z" {
		t.Fatalf("unexpected send result %+v", res)
	}
	res, err = env.Engine.SendInvitations(env.Ctx, b.ID, []string{"exp-2", "exp-3", "exp-3"}, "client-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.InvitationsSent != 1 || len(res.Skipped) != 1 || res.Skipped[0].CandidateID != "exp-2" {
		t.Fatalf("duplicate should be skipped: %+v", res)
	}
	if got := len(invitationsByCandidate(t, env, b.ID)); got != 3 {
		t.Fatalf("expected 3 invitations, got %d", got)
	}
	if n := env.Notes.count(notify.TypeInvitationReceived); n != 3 {
		t.Fatalf("expected 3 invitation notifications, got %d", n)
	}
	got, _ := env.Engine.GetBrief(env.Ctx, b.ID)
	if got.Status != domain.BriefInvitationsSent {
		t.Fatalf("expected invitations_sent, got %s", got.Status)
	}
	if _, err := env.Engine.SendInvitations(env.Ctx, b.ID, []string{"ghost"}, "client-1"); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("unknown candidate should be rejected, got %v", err)
	}
}

func TestConcurrentSendersInviteOnce(t *testing.T) {
	env := newTestEnv(t)
	seedPool(t, env, 2)
	b := submitBrief(t, env)

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.Engine.SendInvitations(env.Ctx, b.ID, []string{"exp-1", "exp-2"}, "client-1")
			if err != nil {
				errs <- err
				return
			}
			mu.Lock()
			total += res.InvitationsSent
			mu.Unlock()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("send: %v", err)
	}
	if total != 2 {
		t.Fatalf("expected exactly 2 invitations across senders, got %d", total)
	}
	if got := len(invitationsByCandidate(t, env, b.ID)); got != 2 {
		t.Fatalf("expected 2 rows, got %d", got)
	}
}

func TestRespondToInvitation(t *testing.T) {
	env := newTestEnv(t)
	seedPool(t, env, 2)
	b := submitBrief(t, env)
	if _, err := env.Engine.SendInvitations(env.Ctx, b.ID, []string{"exp-1", "exp-2"}, "client-1"); err != nil {
		t.Fatal(err)
	}
	invs := invitationsByCandidate(t, env, b.ID)

	if _, err := env.Engine.RespondToInvitation(env.Ctx, invs["exp-1"].ID, "maybe", "exp-1"); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid response, got %v", err)
	}
	viewed, err := env.Engine.MarkViewed(env.Ctx, invs["exp-1"].ID, "exp-1")
	if err != nil || viewed.ViewedAt == nil {
		t.Fatalf("mark viewed: %v", err)
	}
	first := *viewed.ViewedAt
	env.advance(time.Hour)
	viewed, _ = env.Engine.MarkViewed(env.Ctx, invs["exp-1"].ID, "exp-1")
	if viewed.ViewedAt == nil || *viewed.ViewedAt != first {
		t.Fatalf("viewed_at must only be set once")
	}

	inv, err := env.Engine.RespondToInvitation(env.Ctx, invs["exp-1"].ID, "Accepted", "exp-1")
	if err != nil || inv.Status != domain.InvitationAccepted {
		t.Fatalf("accept: %v %+v", err, inv)
	}
	if _, err := env.Engine.RespondToInvitation(env.Ctx, invs["exp-1"].ID, "declined", "exp-1"); !errors.Is(err, engine.ErrInvitationClosed) {
		t.Fatalf("second response must fail, got %v", err)
	}
	props, err := env.Engine.ListProposals(env.Ctx, b.ID)
	if err != nil || len(props) != 1 || props[0].CandidateID != "exp-1" || props[0].Status != "draft" {
		t.Fatalf("expected a draft proposal: %v %+v", err, props)
	}
	if env.Notes.count(notify.TypeInvitationAccepted) != 1 {
		t.Fatalf("client was not notified")
	}
}

func TestResponseAfterDeadlineExpires(t *testing.T) {
	env := newTestEnv(t)
	seedPool(t, env, 1)
	b := submitBrief(t, env)
	if _, err := env.Engine.SendInvitations(env.Ctx, b.ID, []string{"exp-1"}, "client-1"); err != nil {
		t.Fatal(err)
	}
	inv := invitationsByCandidate(t, env, b.ID)["exp-1"]
	env.advance(24 * time.Hour)
	if _, err := env.Engine.RespondToInvitation(env.Ctx, inv.ID, "accepted", "exp-1"); !errors.Is(err, engine.ErrInvitationExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
	got, err := env.Engine.GetInvitation(env.Ctx, inv.ID)
	if err != nil || got.Status != domain.InvitationExpired {
		t.Fatalf("late response should expire the invitation: %v %s", err, got.Status)
	}
	res, err := env.Engine.SweepExpiredInvitations(env.Ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if res.ExpiredCount != 0 {
		t.Fatalf("already expired invitation swept again")
	}
}

func TestAllDeclinedNeedsReview(t *testing.T) {
	env := newTestEnv(t)
	seedPool(t, env, 2)
	b := submitBrief(t, env)
	if _, err := env.Engine.SendInvitations(env.Ctx, b.ID, []string{"exp-1", "exp-2"}, "client-1"); err != nil {
		t.Fatal(err)
	}
	invs := invitationsByCandidate(t, env, b.ID)
	for _, id := range []string{"exp-1", "exp-2"} {
		if _, err := env.Engine.RespondToInvitation(env.Ctx, invs[id].ID, "declined", id); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := env.Engine.GetBrief(env.Ctx, b.ID)
	if got.Status != domain.BriefNeedsReview || got.ReviewReason == nil || *got.ReviewReason != engine.ReasonAllDeclined {
		t.Fatalf("expected needs_review, got %s", got.Status)
	}
	if env.Notes.count(notify.TypeBriefNeedsReview) != 1 {
		t.Fatalf("client was not told about the review")
	}
}

func TestSweepRollsOverThroughShortlist(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Shortlist.MaxResults = 2
	env.Engine.Config.Invitations.RolloverCap = 2
	seedPool(t, env, 5)
	b := submitBrief(t, env)

	res, err := env.Engine.SendInvitations(env.Ctx, b.ID, nil, "client-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.InvitationsSent != 2 || res.Invitations[0].CandidateID != "exp-1" || res.Invitations[1].CandidateID != "exp-2" {
		t.Fatalf("expected top two, got %+v", res.Invitations)
	}

	rounds := [][]string{{"exp-3", "exp-4"}, {"exp-5"}}
	for i, want := range rounds {
		env.advance(25 * time.Hour)
		sweep, err := env.Engine.SweepExpiredInvitations(env.Ctx, "")
		if err != nil {
			t.Fatal(err)
		}
		if len(sweep.RolledOver) != 1 || sweep.RolledOver[0].Round != i+1 {
			t.Fatalf("round %d: unexpected sweep %+v", i+1, sweep)
		}
		var got []string
		for _, inv := range sweep.RolledOver[0].Invited {
			if inv.Source != domain.SourceRollover || inv.Round != i+1 {
				t.Fatalf("rollover invitation has source %s round %d", inv.Source, inv.Round)
			}
			got = append(got, inv.CandidateID)
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			t.Fatalf("round %d invited %v want %v", i+1, got, want)
		}
		// a second sweep right away changes nothing
		again, err := env.Engine.SweepExpiredInvitations(env.Ctx, "")
		if err != nil {
			t.Fatal(err)
		}
		if again.ExpiredCount != 0 || len(again.RolledOver) != 0 || len(again.NeedsReview) != 0 {
			t.Fatalf("repeated sweep was not a no-op: %+v", again)
		}
	}

	env.advance(25 * time.Hour)
	final, err := env.Engine.SweepExpiredInvitations(env.Ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if final.ExpiredCount != 1 || len(final.NeedsReview) != 1 || final.NeedsReview[0] != b.ID {
		t.Fatalf("exhausted shortlist should need review: %+v", final)
	}
	got, _ := env.Engine.GetBrief(env.Ctx, b.ID)
	if got.Status != domain.BriefNeedsReview || *got.ReviewReason != engine.ReasonShortlistExhausted {
		t.Fatalf("unexpected brief state %s", got.Status)
	}
	if n := len(invitationsByCandidate(t, env, b.ID)); n != 5 {
		t.Fatalf("each expert must be invited once, got %d invitations", n)
	}
}

func TestConcurrentSweepsRollOverOnce(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Shortlist.MaxResults = 2
	seedPool(t, env, 5)
	b := submitBrief(t, env)
	if _, err := env.Engine.SendInvitations(env.Ctx, b.ID, nil, "client-1"); err != nil {
		t.Fatal(err)
	}
	env.advance(25 * time.Hour)

	var wg sync.WaitGroup
	results := make([]engine.SweepResult, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := env.Engine.SweepExpiredInvitations(env.Ctx, "")
			if err != nil {
				t.Errorf("sweep: %v", err)
			}
			results[i] = res
		}(i)
	}
	wg.Wait()
	expired, rolled := 0, 0
	for _, r := range results {
		expired += r.ExpiredCount
		rolled += len(r.RolledOver)
	}
	if expired != 2 || rolled != 1 {
		t.Fatalf("expected one expiry per invitation and one rollover, got %d and %d", expired, rolled)
	}
	if n := len(invitationsByCandidate(t, env, b.ID)); n != 4 {
		t.Fatalf("expected 4 invitations, got %d", n)
	}
}

func TestCreateProjectLocksBrief(t *testing.T) {
	env := newTestEnv(t)
	seedPool(t, env, 3)
	b := submitBrief(t, env)
	if _, err := env.Engine.SendInvitations(env.Ctx, b.ID, []string{"exp-1", "exp-2", "exp-3"}, "client-1"); err != nil {
		t.Fatal(err)
	}
	invs := invitationsByCandidate(t, env, b.ID)
	if _, err := env.Engine.CreateProject(env.Ctx, b.ID, "exp-1", "client-1"); !errors.Is(err, engine.ErrInvitationNotAccepted) {
		t.Fatalf("project without acceptance must fail, got %v", err)
	}
	for _, id := range []string{"exp-1", "exp-2"} {
		if _, err := env.Engine.RespondToInvitation(env.Ctx, invs[id].ID, "accepted", id); err != nil {
			t.Fatal(err)
		}
	}

	p, err := env.Engine.CreateProject(env.Ctx, b.ID, "exp-1", "client-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateProject(env.Ctx, b.ID, "exp-2", "client-1"); !errors.Is(err, engine.ErrBriefAllocated) {
		t.Fatalf("second allocation must fail, got %v", err)
	}
	same, err := env.Engine.CreateProject(env.Ctx, b.ID, "exp-1", "client-1")
	if err != nil || same.ID != p.ID {
		t.Fatalf("repeating the winning allocation should return the project: %v", err)
	}

	invs = invitationsByCandidate(t, env, b.ID)
	if invs["exp-1"].Status != domain.InvitationAccepted {
		t.Fatalf("winner must stay accepted")
	}
	for _, id := range []string{"exp-2", "exp-3"} {
		inv := invs[id]
		if inv.Status != domain.InvitationDeclined || inv.DeclineReason == nil || *inv.DeclineReason != engine.AllocatedReason {
			t.Fatalf("%s should be declined as already allocated: %+v", id, inv)
		}
	}
	if _, err := env.Engine.RespondToInvitation(env.Ctx, invs["exp-3"].ID, "accepted", "exp-3"); !errors.Is(err, engine.ErrInvitationClosed) {
		t.Fatalf("late accept must fail, got %v", err)
	}
	res, err := env.Engine.SendInvitations(env.Ctx, b.ID, nil, "client-1")
	if err != nil || res.InvitationsSent != 0 || res.Reason != engine.AllocatedReason {
		t.Fatalf("allocated brief must not send invitations: %v %+v", err, res)
	}
	env.advance(48 * time.Hour)
	sweep, err := env.Engine.SweepExpiredInvitations(env.Ctx, "")
	if err != nil || len(sweep.RolledOver) != 0 || len(sweep.NeedsReview) != 0 {
		t.Fatalf("sweep touched an allocated brief: %v %+v", err, sweep)
	}
	got, _ := env.Engine.GetBrief(env.Ctx, b.ID)
	if got.Status != domain.BriefProjectCreated || got.ProjectID == nil || *got.ProjectID != p.ID {
		t.Fatalf("unexpected brief %+v", got)
	}
}

func TestConcurrentAllocationHasOneWinner(t *testing.T) {
	env := newTestEnv(t)
	seedPool(t, env, 3)
	b := submitBrief(t, env)
	if _, err := env.Engine.SendInvitations(env.Ctx, b.ID, []string{"exp-1", "exp-2", "exp-3"}, "client-1"); err != nil {
		t.Fatal(err)
	}
	invs := invitationsByCandidate(t, env, b.ID)
	ids := []string{"exp-1", "exp-2", "exp-3"}
	for _, id := range ids {
		if _, err := env.Engine.RespondToInvitation(env.Ctx, invs[id].ID, "accepted", id); err != nil {
			t.Fatal(err)
		}
	}
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := env.Engine.CreateProject(env.Ctx, b.ID, id, "client-1")
			switch {
			case err == nil:
				mu.Lock()
				wins++
				mu.Unlock()
			case !errors.Is(err, engine.ErrBriefAllocated):
				t.Errorf("create project %s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one allocation, got %d", wins)
	}
}

func TestWeightsVersioning(t *testing.T) {
	env := newTestEnv(t)
	seedPool(t, env, 2)
	b := submitBrief(t, env)

	v1, err := env.Engine.GetActiveWeights(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if v1.Version != 1 || v1.Weights[domain.FactorSkills] != 35 || len(v1.ToolSynonyms) == 0 {
		t.Fatalf("unexpected seed %+v", v1)
	}
	before, err := env.Engine.ComputeShortlist(env.Ctx, b.ID, engine.ShortlistOptions{})
	if err != nil {
		t.Fatal(err)
	}

	bad := []domain.WeightVector{
		{domain.FactorSkills: -1},
		{"charisma": 1},
		{domain.FactorSkills: 0, domain.FactorPrice: 0},
		{domain.FactorSkills: 5000},
	}
	for _, w := range bad {
		if _, err := env.Engine.UpdateWeights(env.Ctx, engine.WeightUpdate{Weights: w}, "admin"); !errors.Is(err, engine.ErrInvalidInput) {
			t.Fatalf("weights %v should be rejected, got %v", w, err)
		}
	}
	if _, err := env.Engine.UpdateWeights(env.Ctx, engine.WeightUpdate{}, "admin"); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("empty update should be rejected, got %v", err)
	}

	v2, err := env.Engine.UpdateWeights(env.Ctx, engine.WeightUpdate{
		Weights: domain.WeightVector{domain.FactorSkills: 1, domain.FactorVetting: 1},
		Note:    "vetting matters",
	}, "admin")
	if err != nil {
		t.Fatal(err)
	}
	if v2.Version != 2 || len(v2.ToolSynonyms) != len(v1.ToolSynonyms) {
		t.Fatalf("synonyms must carry over: %+v", v2)
	}
	after, err := env.Engine.ComputeShortlist(env.Ctx, b.ID, engine.ShortlistOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if after.Cached || after.WeightsVersion != 2 {
		t.Fatalf("new weights must trigger rescoring: %+v", after)
	}
	if before.WeightsVersion != 1 {
		t.Fatalf("old snapshot should keep version 1")
	}

	v3, err := env.Engine.RollbackWeights(env.Ctx, 1, "admin")
	if err != nil {
		t.Fatal(err)
	}
	if v3.Version != 3 || v3.Weights[domain.FactorSkills] != 35 || v3.Note != "rollback to v1" {
		t.Fatalf("unexpected rollback %+v", v3)
	}
	history, err := env.Engine.WeightHistory(env.Ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 || history[0].Version != 3 || !history[0].Active || history[1].Active {
		t.Fatalf("unexpected history %+v", history)
	}
	tools, _, err := env.Engine.GetSynonyms(env.Ctx)
	if err != nil || tools[0].Canonical != "stripe" {
		t.Fatalf("synonyms: %v %+v", err, tools)
	}
}
