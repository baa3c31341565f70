package matching

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"briefmatch/internal/domain"
)

const defaultConcurrency = 8

// ScoreAll scores every candidate against the signals. Work is spread over at most
// limit goroutines; the output order follows the input order.
func ScoreAll(ctx context.Context, briefID string, sig Signals, candidates []domain.CandidateProfile, cfg Config, limit int) ([]domain.MatchResult, error) {
	if limit <= 0 {
		limit = defaultConcurrency
	}
	out := make([]domain.MatchResult, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := range candidates {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			c := candidates[i]
			s := ScoreCandidate(sig, c, cfg)
			out[i] = domain.MatchResult{
				BriefID:       briefID,
				CandidateID:   c.ID,
				CandidateName: c.Name,
				Total:         s.Total,
				Breakdown:     s.Breakdown,
				Reasons:       s.Reasons,
				Flags:         s.Flags,
				Completeness:  c.Completeness(),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Rank keeps results scoring at least minScore, orders them by total descending
// with ties broken by profile completeness then candidate id, and assigns ranks from 1.
func Rank(results []domain.MatchResult, minScore float64) []domain.MatchResult {
	kept := make([]domain.MatchResult, 0, len(results))
	for _, r := range results {
		if r.Total >= minScore {
			kept = append(kept, r)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		a, b := kept[i], kept[j]
		if a.Total != b.Total {
			return a.Total > b.Total
		}
		if a.Completeness != b.Completeness {
			return a.Completeness > b.Completeness
		}
		return a.CandidateID < b.CandidateID
	})
	for i := range kept {
		kept[i].Rank = i + 1
	}
	return kept
}

// Truncate returns at most n results.
func Truncate(results []domain.MatchResult, n int) []domain.MatchResult {
	if n <= 0 || len(results) <= n {
		return results
	}
	return results[:n]
}
