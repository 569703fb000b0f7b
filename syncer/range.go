package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/bockthom/nntp2mbox/boundary"
	"github.com/bockthom/nntp2mbox/fetch"
	"github.com/bockthom/nntp2mbox/index"
	"github.com/bockthom/nntp2mbox/model"
	"github.com/bockthom/nntp2mbox/nntp"
)

// resolveRange decides which articles this run considers.
//
// Policy: an explicit start is clamped into the remote range. Otherwise
// incremental mode asks the boundary search for the first unindexed article.
// Otherwise the run starts at the remote's first article, unless a count
// limit pulls the start forward to the most recent articles. A count limit
// combined with a resolved start clamps the end instead.
func (s *Syncer) resolveRange(ctx context.Context, info model.GroupInfo) (Range, error) {
	start := info.First
	end := info.Last
	clampEnd := false

	switch {
	case s.opts.Start > 0:
		start = max(info.First, s.opts.Start)
		start = min(start, info.Last)
		clampEnd = s.opts.Count > 0
	case s.opts.Incremental:
		found, err := s.findBoundary(ctx, info)
		if err != nil {
			return Range{}, err
		}
		start = found
		clampEnd = s.opts.Count > 0
	default:
		if s.opts.Count > 0 {
			start = max(info.First, info.Last-s.opts.Count)
		}
		if s.logger != nil {
			s.logger.Info("no start article given", "group", s.opts.Group, "start", start)
		}
	}

	if clampEnd {
		end = min(end, start+s.opts.Count-1)
	}

	return Range{Start: start, End: end}, nil
}

// findBoundary locates the first unindexed article by binary search. The
// search is only trusted when the recorded coverage proves previous runs
// mirrored a contiguous prefix of the remote range; otherwise, and whenever a
// probe stays unanswered after retries, the run falls back to the safe full
// range and lets the per-article containment check do the skipping.
func (s *Syncer) findBoundary(ctx context.Context, info model.GroupInfo) (int64, error) {
	cov, ok, err := s.idx.Coverage(s.opts.Group)
	if err != nil {
		return 0, err
	}
	if !ok {
		// An index without recorded coverage (bootstrapped from an archive of
		// unknown provenance) may hold an arbitrary subset of the range, so
		// the search could land past genuinely new older articles.
		if s.logger != nil {
			s.logger.Info("no recorded coverage, scanning the full range", "group", s.opts.Group)
		}
		return info.First, nil
	}
	if cov.First > info.First {
		if s.logger != nil {
			s.logger.Warn("previous runs did not cover the oldest articles, falling back to full scan",
				"group", s.opts.Group, "coveredFirst", cov.First, "remoteFirst", info.First)
		}
		return info.First, nil
	}

	found, err := boundary.FindFirstNew(ctx, info.First, info.Last, s.alreadyIndexed)
	if err != nil {
		if errors.Is(err, boundary.ErrInconclusive) {
			if s.logger != nil {
				s.logger.Warn("boundary search inconclusive, falling back to full range", "group", s.opts.Group, "err", err)
			}
			return info.First, nil
		}
		return 0, err
	}

	if s.logger != nil {
		s.logger.Info("boundary search finished", "group", s.opts.Group, "firstNew", found)
	}
	return found, nil
}

// alreadyIndexed is the boundary probe: a cheap STAT for the message-id, then
// an index lookup. An absent article counts as not indexed so the search
// keeps moving toward older numbers instead of past genuinely new ones.
func (s *Syncer) alreadyIndexed(ctx context.Context, seq int64) (bool, error) {
	policy := fetch.Policy{
		MaxAttempts: s.opts.MaxAttempts,
		Delay:       s.opts.RetryDelay,
		Clock:       s.clock,
	}

	info, err := fetch.Do(ctx, policy, seq, s.remote.Stat)
	if err != nil {
		if errors.Is(err, nntp.ErrNoSuchArticle) {
			return false, nil
		}
		return false, fmt.Errorf("stat %d: %w", seq, err)
	}

	return s.idx.Contains(info.MessageID)
}

// updateCoverage merges the just-mirrored range into the recorded contiguous
// coverage. Disjoint ranges are never merged; the later one wins and the gap
// is logged, so a future incremental run knows not to trust binary search.
func (s *Syncer) updateCoverage(rng Range) error {
	cov, ok, err := s.idx.Coverage(s.opts.Group)
	if err != nil {
		return err
	}

	merged := index.Coverage{First: rng.Start, Last: rng.End}
	switch {
	case !ok:
	case rng.Start <= cov.Last+1 && rng.End >= cov.First-1:
		merged.First = min(cov.First, rng.Start)
		merged.Last = max(cov.Last, rng.End)
	case cov.Last >= rng.End:
		merged = cov
		if s.logger != nil {
			s.logger.Warn("fetched range is disjoint from recorded coverage, keeping previous coverage",
				"group", s.opts.Group, "covered", fmt.Sprintf("[%d,%d]", cov.First, cov.Last), "fetched", fmt.Sprintf("[%d,%d]", rng.Start, rng.End))
		}
	default:
		if s.logger != nil {
			s.logger.Warn("fetched range is disjoint from recorded coverage, replacing coverage",
				"group", s.opts.Group, "covered", fmt.Sprintf("[%d,%d]", cov.First, cov.Last), "fetched", fmt.Sprintf("[%d,%d]", rng.Start, rng.End))
		}
	}

	return s.idx.SetCoverage(s.opts.Group, merged)
}
