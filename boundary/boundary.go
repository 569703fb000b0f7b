// Package boundary locates the first article of a remote range that is not
// yet present in the dedup index.
//
// Because the remote numbering is append-only and prior runs mirror
// contiguous prefixes, "already indexed" is true for a prefix of the range
// and false for the rest. That makes the boundary findable by binary search
// in O(log N) probes instead of an O(N) scan, which matters against a
// rate-limited news server.
package boundary

import (
	"context"
	"errors"
	"fmt"
)

// ErrInconclusive reports that a probe failed hard enough that no boundary
// can be trusted. Callers fall back to the safe full range instead of
// guessing.
var ErrInconclusive = errors.New("boundary search inconclusive")

// Probe reports whether the article at seq is already indexed. A missing
// article (numbering gap) must be reported as not indexed, never as an error.
type Probe func(ctx context.Context, seq int64) (bool, error)

// FindFirstNew returns the smallest seq in [lo, hi] for which the probe
// reports "not indexed", or hi+1 when the whole range is already indexed.
func FindFirstNew(ctx context.Context, lo, hi int64, probe Probe) (int64, error) {
	if lo > hi {
		return lo, nil
	}

	// Search over [lo, hi+1); hi+1 is the "everything indexed" answer.
	upper := hi + 1
	for lo < upper {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		mid := lo + (upper-lo)/2
		indexed, err := probe(ctx, mid)
		if err != nil {
			return 0, fmt.Errorf("%w: probe %d: %v", ErrInconclusive, mid, err)
		}
		if indexed {
			lo = mid + 1
		} else {
			upper = mid
		}
	}

	return lo, nil
}
