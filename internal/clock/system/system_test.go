package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNowIsCurrentUTC(t *testing.T) {
	t.Parallel()

	var clk Clock
	got := clk.Now()
	require.Equal(t, time.UTC, got.Location())
	require.WithinDuration(t, time.Now(), got, time.Second)
}

func TestSinceNeverNegativeForPast(t *testing.T) {
	t.Parallel()

	clk := New()
	start := clk.Now()
	require.GreaterOrEqual(t, clk.Since(start), time.Duration(0))
	require.InDelta(t, time.Hour.Seconds(), clk.Since(start.Add(-time.Hour)).Seconds(), 1)
}
