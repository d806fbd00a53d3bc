// Package detector spots HTML responses that are client-rendered shells and
// need a browser to produce the real page.
package detector

import (
	"bytes"
	"mime"
	"net/http"
)

const defaultMinBodyBytes = 2048

// Heuristic applies rule-based checks to a plain HTTP response.
type Heuristic struct {
	// MinBodyBytes is the size below which script-heavy pages are promoted.
	MinBodyBytes int
	markers      [][]byte
}

var defaultMarkers = []string{
	`id="__next"`,
	`id="root"></div>`,
	`id="app"></div>`,
	"data-reactroot",
	"ng-version=",
	"please enable javascript",
	"you need to enable javascript",
}

// NewHeuristic creates a detector. A non-positive threshold uses 2 KiB.
// Extra markers are matched case-insensitively alongside the built-in ones.
func NewHeuristic(minBodyBytes int, extraMarkers ...string) *Heuristic {
	if minBodyBytes <= 0 {
		minBodyBytes = defaultMinBodyBytes
	}
	h := &Heuristic{MinBodyBytes: minBodyBytes}
	for _, m := range append(append([]string(nil), defaultMarkers...), extraMarkers...) {
		if m != "" {
			h.markers = append(h.markers, bytes.ToLower([]byte(m)))
		}
	}
	return h
}

// ShouldPromote reports whether a 200 HTML response looks like an app shell.
func (h *Heuristic) ShouldPromote(statusCode int, headers http.Header, body []byte) bool {
	if statusCode != http.StatusOK || !isHTML(headers) {
		return false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	lower := bytes.ToLower(body)
	if len(lower) < h.MinBodyBytes && scriptShare(lower) >= 25 {
		return true
	}
	for _, marker := range h.markers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// isHTML treats a missing Content-Type as HTML.
func isHTML(headers http.Header) bool {
	ct := headers.Get("Content-Type")
	if ct == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mt == "text/html" || mt == "application/xhtml+xml"
}

// scriptShare returns the percentage of lower that sits inside script
// elements. An unterminated script runs to the end of the document.
func scriptShare(lower []byte) int {
	openTag := []byte("<script")
	closeTag := []byte("</script>")
	covered := 0
	rest := lower
	for {
		start := bytes.Index(rest, openTag)
		if start < 0 {
			break
		}
		end := bytes.Index(rest[start:], closeTag)
		if end < 0 {
			covered += len(rest) - start
			break
		}
		span := end + len(closeTag)
		covered += span
		rest = rest[start+span:]
	}
	return covered * 100 / len(lower)
}
