package crawler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorKindClass(t *testing.T) {
	t.Parallel()

	cases := map[ErrorKind]FailureClass{
		KindNone:              ClassNone,
		KindTimeout:           ClassTransient,
		KindConnectionRefused: ClassTransient,
		KindHTTP5xx:           ClassTransient,
		KindMalformedResponse: ClassTransient,
		KindRateLimited:       ClassRateLimited,
		KindHTTP4xx:           ClassPermanent,
		KindMalformedURL:      ClassPermanent,
		KindNoCacheEntry:      ClassPermanent,
		KindCancelled:         ClassCancelled,
		KindInternal:          ClassInternal,
	}
	for kind, want := range cases {
		require.Equal(t, want, kind.Class(), "kind %q", kind)
	}
}

func TestFetchPolicyValid(t *testing.T) {
	t.Parallel()

	require.True(t, PolicyCachePreferred.Valid())
	require.True(t, PolicyNetworkFirst.Valid())
	require.True(t, PolicyCacheOnly.Valid())
	require.False(t, FetchPolicy("stale-ok").Valid())
}

func TestAsFetchError(t *testing.T) {
	t.Parallel()

	inner := errors.New("boom")
	wrapped := errors.Join(errors.New("outer"), &FetchError{Kind: KindHTTP5xx, Status: 502, Err: inner})
	fe, ok := AsFetchError(wrapped)
	require.True(t, ok)
	require.Equal(t, KindHTTP5xx, fe.Kind)
	require.ErrorIs(t, fe, inner)

	_, ok = AsFetchError(inner)
	require.False(t, ok)
}

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
		host string
	}{
		{"lowercase and default port", "HTTP://Example.COM:80/a", "http://example.com/a", "example.com"},
		{"https default port", "https://example.com:443", "https://example.com/", "example.com"},
		{"sorted query without fragment", "https://a.example/p?b=2&a=1#frag", "https://a.example/p?a=1&b=2", "a.example"},
		{"custom port kept", "http://a.example:8080/x", "http://a.example:8080/x", "a.example:8080"},
		{"trailing dot", "https://Shop.Example./", "https://shop.example/", "shop.example"},
		{"unicode host", "https://bücher.example/k", "https://xn--bcher-kva.example/k", "xn--bcher-kva.example"},
		{"ipv6 literal", "http://[::1]:80/", "http://[::1]/", "[::1]"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeURL(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
			host, err := HostOf(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.host, host)
		})
	}
}

func TestNormalizeURLRejectsUnsupported(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"ftp://example.com/file", "mailto:a@b.c", "/relative", "http://%zz"} {
		_, err := NormalizeURL(raw)
		require.Error(t, err, raw)
	}
	_, err := NormalizeURL("ftp://example.com")
	require.ErrorIs(t, err, ErrUnsupportedURL)
}
