package detector

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func html() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "text/html; charset=utf-8")
	return h
}

func TestHeuristicShouldPromote(t *testing.T) {
	t.Parallel()

	article := "<html><body>" + strings.Repeat("<p>plain server-rendered text</p>", 200) + "</body></html>"
	cases := []struct {
		name    string
		status  int
		headers http.Header
		body    string
		want    bool
	}{
		{"empty body", 200, html(), "  ", true},
		{"next.js shell", 200, html(), `<div id="__next"></div>`, true},
		{"script heavy small page", 200, html(), `<html><script>var a=1;</script><p>t</p></html>`, true},
		{"unterminated script", 200, html(), `<p>x</p><script>for(;;){}`, true},
		{"noscript notice", 200, html(), article + "<noscript>Please enable JavaScript</noscript>", true},
		{"server rendered article", 200, html(), article, false},
		{"not found", 404, html(), "", false},
		{"json api", 200, http.Header{"Content-Type": []string{"application/json"}}, `{"id":"root"}`, false},
		{"missing content type", 200, http.Header{}, "", true},
	}
	h := NewHeuristic(1000)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, h.ShouldPromote(tc.status, tc.headers, []byte(tc.body)))
		})
	}
}

func TestHeuristicExtraMarkers(t *testing.T) {
	t.Parallel()

	body := []byte("<html>" + strings.Repeat("<p>content</p>", 300) + `<div data-hydrate="shop"></div></html>`)
	require.False(t, NewHeuristic(0).ShouldPromote(200, html(), body))
	require.True(t, NewHeuristic(0, `DATA-HYDRATE="shop"`).ShouldPromote(200, html(), body))
	require.Equal(t, defaultMinBodyBytes, NewHeuristic(-1).MinBodyBytes)
}
