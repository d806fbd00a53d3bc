package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

func TestIndexKeepsNewest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	idx := New()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	got, err := idx.Lookup(ctx, "https://a.example/")
	require.NoError(t, err)
	require.Nil(t, got)

	require.NoError(t, idx.Upsert(ctx, crawler.CacheEntry{URL: "https://a.example/", FetchedAt: t0.Add(time.Minute), BodyRef: "new"}))
	require.NoError(t, idx.Upsert(ctx, crawler.CacheEntry{URL: "https://a.example/", FetchedAt: t0, BodyRef: "old"}))

	got, err = idx.Lookup(ctx, "https://a.example/")
	require.NoError(t, err)
	require.Equal(t, "new", got.BodyRef)
	require.Equal(t, 1, idx.Len())
}
