package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"briefmatch/internal/domain"
	"briefmatch/internal/events"
	"briefmatch/internal/logger"
	"briefmatch/internal/matching"
	"briefmatch/internal/repo"
)

// NoMatchesMessage is returned when a shortlist is valid but empty.
const NoMatchesMessage = "no matches yet"

type ShortlistOptions struct {
	// MinScore overrides the configured threshold when set.
	MinScore       *float64
	MaxResults     int
	Widen          bool
	ForceRecompute bool
}

type Shortlist struct {
	BriefID        string               `json:"brief_id"`
	RunID          string               `json:"run_id"`
	Candidates     []domain.MatchResult `json:"candidates"`
	Total          int                  `json:"total"`
	Cached         bool                 `json:"cached"`
	ComputedAt     string               `json:"computed_at" format:"date-time"`
	WeightsVersion int                  `json:"weights_version"`
	MinScore       float64              `json:"min_score"`
	Signals        matching.Signals     `json:"signals"`
}

// ShortlistEnvelope is the collaborator-facing result. It never carries a Go error.
type ShortlistEnvelope struct {
	Status         string               `json:"status" enum:"ok,error"`
	Message        string               `json:"message,omitempty"`
	DebugID        string               `json:"debug_id,omitempty"`
	BriefID        string               `json:"brief_id"`
	Candidates     []domain.MatchResult `json:"candidates"`
	Total          int                  `json:"total"`
	Cached         bool                 `json:"cached"`
	ComputedAt     string               `json:"computed_at,omitempty"`
	WeightsVersion int                  `json:"weights_version,omitempty"`
}

// ComputeShortlist scores the active pool against the brief and returns the ranked
// candidates at or above the threshold. A fresh snapshot with the same parameters
// is reused unless ForceRecompute is set.
func (e Engine) ComputeShortlist(ctx context.Context, briefID string, opts ShortlistOptions) (Shortlist, error) {
	briefID = strings.TrimSpace(briefID)
	if briefID == "" {
		return Shortlist{}, invalidf("brief id is required")
	}
	minScore := e.Config.Shortlist.MinScore
	if opts.MinScore != nil {
		minScore = *opts.MinScore
	}
	if minScore < 0 || minScore > 1 {
		return Shortlist{}, invalidf("min_score must be within [0,1]")
	}
	if opts.MaxResults < 0 {
		return Shortlist{}, invalidf("max_results must not be negative")
	}
	maxResults := opts.MaxResults
	if maxResults == 0 {
		maxResults = e.Config.Shortlist.MaxResults
	}

	run := func() (Shortlist, error) {
		return e.computeShortlist(ctx, briefID, minScore, opts.Widen, opts.ForceRecompute)
	}
	var sl Shortlist
	var err error
	if e.flight != nil {
		key := fmt.Sprintf("%s|%.6f|%t|%t", briefID, minScore, opts.Widen, opts.ForceRecompute)
		v, ferr, _ := e.flight.Do(key, func() (any, error) {
			res, err := run()
			return res, err
		})
		err = ferr
		if v != nil {
			sl = v.(Shortlist)
		}
	} else {
		sl, err = run()
	}
	if err != nil {
		return Shortlist{}, err
	}
	// Shared results must not be truncated in place.
	out := sl
	top := matching.Truncate(sl.Candidates, maxResults)
	out.Candidates = append(make([]domain.MatchResult, 0, len(top)), top...)
	return out, nil
}

func (e Engine) computeShortlist(ctx context.Context, briefID string, minScore float64, widen, force bool) (Shortlist, error) {
	b, err := e.briefs().GetBrief(ctx, briefID)
	if err != nil {
		return Shortlist{}, err
	}
	wc, err := e.GetActiveWeights(ctx)
	if err != nil {
		return Shortlist{}, fmt.Errorf("load weights: %w", err)
	}
	cfg := e.scoringConfig(wc)
	sig := matching.Extract(b, cfg, widen)
	log := e.log(logger.IDs(logger.FieldBriefID, briefID)...)

	if !force {
		snap, err := e.Repo.LatestSnapshot(ctx, nil, briefID)
		switch {
		case err == nil:
			if e.snapshotReusable(snap, minScore, widen, wc.Version) {
				log.Debug("shortlist served from snapshot", zap.String("run_id", snap.ID))
				return shortlistFromSnapshot(snap, sig, true), nil
			}
		case !errors.Is(err, repo.ErrNotFound):
			return Shortlist{}, fmt.Errorf("load snapshot: %w", err)
		}
	}

	pool, err := e.candidates().ListActiveCandidates(ctx)
	if err != nil {
		return Shortlist{}, fmt.Errorf("load candidates: %w", err)
	}
	scored, err := matching.ScoreAll(ctx, briefID, sig, pool, cfg, e.Config.Shortlist.ScoreConcurrency)
	if err != nil {
		return Shortlist{}, err
	}
	ranked := matching.Rank(scored, minScore)
	snap := domain.ShortlistSnapshot{
		ID:             newID(),
		BriefID:        briefID,
		ComputedAt:     e.nowString(),
		WeightsVersion: wc.Version,
		MinScore:       minScore,
		Widen:          widen,
		Results:        ranked,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Shortlist{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSnapshot(ctx, tx, snap); err != nil {
		return Shortlist{}, err
	}
	if _, err := e.Repo.SetBriefStatus(ctx, tx, briefID, []string{domain.BriefSubmitted}, domain.BriefMatched, nil, snap.ComputedAt); err != nil {
		return Shortlist{}, err
	}
	payload := events.EventPayload{
		"run_id":          snap.ID,
		"weights_version": wc.Version,
		"pool":            len(pool),
		"matched":         len(ranked),
		"min_score":       minScore,
	}
	if err := e.events().Append(ctx, tx, events.ShortlistComputed, briefID, "match_run", snap.ID, "", payload); err != nil {
		return Shortlist{}, err
	}
	if err := tx.Commit(); err != nil {
		return Shortlist{}, err
	}
	log.Info("shortlist computed", zap.Int("pool", len(pool)), zap.Int("matched", len(ranked)), zap.Int("weights_version", wc.Version))
	return shortlistFromSnapshot(snap, sig, false), nil
}

func (e Engine) snapshotReusable(snap domain.ShortlistSnapshot, minScore float64, widen bool, version int) bool {
	if snap.MinScore != minScore || snap.Widen != widen || snap.WeightsVersion != version {
		return false
	}
	computed, err := parseTS(snap.ComputedAt)
	if err != nil {
		return false
	}
	return e.now().Sub(computed) < e.Config.CacheTTL()
}

func shortlistFromSnapshot(snap domain.ShortlistSnapshot, sig matching.Signals, cached bool) Shortlist {
	results := snap.Results
	if results == nil {
		results = []domain.MatchResult{}
	}
	return Shortlist{
		BriefID:        snap.BriefID,
		RunID:          snap.ID,
		Candidates:     results,
		Total:          len(results),
		Cached:         cached,
		ComputedAt:     snap.ComputedAt,
		WeightsVersion: snap.WeightsVersion,
		MinScore:       snap.MinScore,
		Signals:        sig,
	}
}

// Shortlist wraps ComputeShortlist for collaborators that expect a status envelope.
// Infrastructure failures are logged under a debug id and reported without detail.
func (e Engine) Shortlist(ctx context.Context, briefID string, opts ShortlistOptions) ShortlistEnvelope {
	sl, err := e.ComputeShortlist(ctx, briefID, opts)
	if err != nil {
		env := ShortlistEnvelope{Status: "error", BriefID: briefID, Candidates: []domain.MatchResult{}}
		switch {
		case errors.Is(err, ErrInvalidInput):
			env.Message = err.Error()
		case errors.Is(err, repo.ErrNotFound):
			env.Message = "brief not found"
		default:
			env.DebugID = uuid.NewString()
			env.Message = "shortlist unavailable, quote debug_id when reporting"
			e.log(logger.IDs(logger.FieldBriefID, briefID, logger.FieldDebugID, env.DebugID)...).
				Error("shortlist failed", zap.Error(err))
		}
		return env
	}
	env := ShortlistEnvelope{
		Status:         "ok",
		BriefID:        sl.BriefID,
		Candidates:     sl.Candidates,
		Total:          sl.Total,
		Cached:         sl.Cached,
		ComputedAt:     sl.ComputedAt,
		WeightsVersion: sl.WeightsVersion,
	}
	if sl.Total == 0 {
		env.Message = NoMatchesMessage
	}
	return env
}

// LatestShortlist returns the most recent snapshot for a brief.
func (e Engine) LatestShortlist(ctx context.Context, briefID string) (domain.ShortlistSnapshot, error) {
	if _, err := e.briefs().GetBrief(ctx, briefID); err != nil {
		return domain.ShortlistSnapshot{}, err
	}
	return e.Repo.LatestSnapshot(ctx, nil, briefID)
}
