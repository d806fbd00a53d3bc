package uuid

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewRunIDIsVersion7(t *testing.T) {
	t.Parallel()

	g := New()
	a, err := g.NewRunID()
	require.NoError(t, err)
	b, err := g.NewRunID()
	require.NoError(t, err)

	require.NotEqual(t, a, b)
	require.Equal(t, uuid.Version(7), uuid.UUID(a).Version())
	require.LessOrEqual(t, String(a), String(b))
}

func TestParseRoundTrip(t *testing.T) {
	t.Parallel()

	id, err := New().NewRunID()
	require.NoError(t, err)
	got, err := Parse(String(id))
	require.NoError(t, err)
	require.Equal(t, id, got)

	_, err = Parse("not-a-run-id")
	require.Error(t, err)
}
