package crawler

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// ErrUnsupportedURL is returned for URLs the scheduler cannot fetch.
var ErrUnsupportedURL = errors.New("unsupported url")

var defaultPorts = map[string]string{"http": "80", "https": "443"}

// NormalizeURL returns the dedup key form of rawURL: lowercase scheme, ASCII
// lowercase host without a trailing dot or default port, "/" for an empty path,
// sorted query and no fragment.
func NormalizeURL(rawURL string) (string, error) {
	u, err := canonicalURL(rawURL)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// HostOf returns the canonical host of rawURL, including a non-default port.
func HostOf(rawURL string) (string, error) {
	u, err := canonicalURL(rawURL)
	if err != nil {
		return "", err
	}
	return u.Host, nil
}

func canonicalURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	defPort, ok := defaultPorts[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedURL, u.Scheme)
	}

	name, port := u.Hostname(), u.Port()
	name = strings.TrimSuffix(name, ".")
	if name == "" {
		return nil, fmt.Errorf("%w: missing host", ErrUnsupportedURL)
	}
	ascii := strings.ToLower(name)
	if net.ParseIP(name) == nil {
		if ascii, err = idna.Lookup.ToASCII(name); err != nil {
			return nil, fmt.Errorf("%w: host %q: %v", ErrUnsupportedURL, name, err)
		}
	}
	switch {
	case port != "" && port != defPort:
		u.Host = net.JoinHostPort(ascii, port)
	case strings.Contains(ascii, ":"):
		u.Host = "[" + ascii + "]"
	default:
		u.Host = ascii
	}

	u.Fragment, u.RawFragment = "", ""
	if u.Path == "" {
		u.Path = "/"
	}
	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}
	return u, nil
}
