package boundary

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

// probeFor builds a probe over a range where everything below k is indexed,
// with optional gaps, and counts probes.
func probeFor(k int64, gaps map[int64]bool, calls *int) Probe {
	return func(ctx context.Context, seq int64) (bool, error) {
		*calls++
		if gaps[seq] {
			// A missing article can never be "already seen".
			return false, nil
		}
		return seq < k, nil
	}
}

func TestFindFirstNewReturnsBoundary(t *testing.T) {
	tests := []struct {
		name string
		lo   int64
		hi   int64
		k    int64 // first unindexed
	}{
		{name: "middle", lo: 100, hi: 500, k: 321},
		{name: "all new", lo: 100, hi: 500, k: 100},
		{name: "one new at end", lo: 100, hi: 500, k: 500},
		{name: "single element new", lo: 7, hi: 7, k: 7},
		{name: "single element indexed", lo: 7, hi: 7, k: 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			got, err := FindFirstNew(context.Background(), tt.lo, tt.hi, probeFor(tt.k, nil, &calls))
			require.NoError(t, err)
			require.Equal(t, tt.k, got)
		})
	}
}

func TestFindFirstNewWholeRangeIndexed(t *testing.T) {
	calls := 0
	got, err := FindFirstNew(context.Background(), 100, 500, probeFor(501, nil, &calls))
	require.NoError(t, err)
	require.Equal(t, int64(501), got, "fully indexed range must answer hi+1")
}

func TestFindFirstNewLogarithmicProbes(t *testing.T) {
	var lo, hi int64 = 1, 1 << 20
	calls := 0
	_, err := FindFirstNew(context.Background(), lo, hi, probeFor(777777, nil, &calls))
	require.NoError(t, err)

	bound := int(math.Ceil(math.Log2(float64(hi-lo+2)))) + 1
	require.LessOrEqual(t, calls, bound, "binary search must stay logarithmic")
}

func TestFindFirstNewToleratesGaps(t *testing.T) {
	// Articles below 300 are indexed, 300 is a numbering gap, 301+ are new.
	// The gap probes as "not indexed" and the search still converges.
	gaps := map[int64]bool{300: true}
	calls := 0
	got, err := FindFirstNew(context.Background(), 100, 500, probeFor(300, gaps, &calls))
	require.NoError(t, err)
	require.Equal(t, int64(300), got)
}

func TestFindFirstNewEmptyRange(t *testing.T) {
	got, err := FindFirstNew(context.Background(), 10, 5, func(ctx context.Context, seq int64) (bool, error) {
		t.Fatal("probe must not run on an empty range")
		return false, nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(10), got)
}

func TestFindFirstNewInconclusiveProbe(t *testing.T) {
	_, err := FindFirstNew(context.Background(), 100, 500, func(ctx context.Context, seq int64) (bool, error) {
		return false, fmt.Errorf("stat timed out")
	})
	require.ErrorIs(t, err, ErrInconclusive)
}

func TestFindFirstNewCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := FindFirstNew(ctx, 100, 500, func(ctx context.Context, seq int64) (bool, error) {
		return false, nil
	})
	require.ErrorIs(t, err, context.Canceled)
}
