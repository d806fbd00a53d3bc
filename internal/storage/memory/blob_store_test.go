package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutGetIsolation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewBlobStore()
	uri, err := s.PutObject(ctx, "bodies/ab/abc", "text/html", strings.NewReader("content"))
	require.NoError(t, err)
	require.Equal(t, "memory://bodies/ab/abc", uri)

	got, err := s.GetObject(ctx, "bodies/ab/abc")
	require.NoError(t, err)
	got[0] = 'X'
	again, err := s.GetObject(ctx, "bodies/ab/abc")
	require.NoError(t, err)
	require.Equal(t, "content", string(again))

	_, err = s.GetObject(ctx, "bodies/missing")
	require.ErrorContains(t, err, "not found")
}

func TestLocate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewBlobStore()
	_, found, err := s.Locate(ctx, "p")
	require.NoError(t, err)
	require.False(t, found)

	_, err = s.PutObject(ctx, "p", "", strings.NewReader("1"))
	require.NoError(t, err)
	_, err = s.PutObject(ctx, "p", "", strings.NewReader("2"))
	require.NoError(t, err)

	uri, found, err := s.Locate(ctx, "p")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "memory://p", uri)
	require.Equal(t, 1, s.Len())
	require.EqualValues(t, 2, s.Puts())
}
