package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHostBlocklist(t *testing.T) {
	t.Parallel()

	bl := NewHostBlocklist([]string{"Ads.Example", "*.ru", ".internal", "tracker.example."})
	require.NotNil(t, bl)

	tests := []struct {
		host    string
		blocked bool
	}{
		{"ads.example", true},
		{"ADS.example:8443", true},
		{"cdn.ads.example", false},
		{"tracker.example", true},
		{"shop.ru", true},
		{"a.b.shop.ru", true},
		{"ru", true},
		{"guru", false},
		{"svc.internal", true},
		{"internal.example", false},
		{"[::1]:8080", false},
		{"", false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.blocked, bl.IsBlocked(tt.host), tt.host)
	}
}

func TestHostBlocklistEmpty(t *testing.T) {
	t.Parallel()

	require.Nil(t, NewHostBlocklist(nil))
	require.Nil(t, NewHostBlocklist([]string{" ", "*.", "."}))

	var bl *HostBlocklist
	require.False(t, bl.IsBlocked("anything.example"))
}
