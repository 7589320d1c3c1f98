package nostr

import (
	"errors"
	"net/url"
	"strings"
)

// ErrBadRelayURL is returned for addresses that cannot name a relay
var ErrBadRelayURL = errors.New("invalid relay url")

// NormalizeRelayURL validates and canonicalizes a relay address:
// lower-case scheme and host, default ports dropped, trailing slash removed.
func NormalizeRelayURL(relayURL string) (string, error) {
	relayURL = strings.TrimSpace(relayURL)
	if relayURL == "" {
		return "", ErrBadRelayURL
	}

	// Reject URL-encoded spaces (indicates garbage text as URL)
	if strings.Contains(relayURL, "%20") || strings.Contains(relayURL, "+") {
		return "", ErrBadRelayURL
	}
	// Reject double protocols (wss://https://...)
	if strings.Count(relayURL, "://") != 1 {
		return "", ErrBadRelayURL
	}

	parsed, err := url.Parse(relayURL)
	if err != nil {
		return "", errors.Join(ErrBadRelayURL, err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return "", ErrBadRelayURL
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" || strings.Contains(host, " ") {
		return "", ErrBadRelayURL
	}
	if !strings.Contains(host, ".") && !strings.Contains(host, ":") && host != "localhost" {
		return "", ErrBadRelayURL
	}

	port := parsed.Port()
	if (scheme == "ws" && port == "80") || (scheme == "wss" && port == "443") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}

	result := scheme + "://" + host
	if port != "" {
		result += ":" + port
	}
	if path := strings.TrimRight(parsed.Path, "/"); path != "" {
		result += path
	}
	if parsed.RawQuery != "" {
		result += "?" + parsed.RawQuery
	}
	return result, nil
}

// IsInternalHost reports names that never resolve on the public internet
func IsInternalHost(host string) bool {
	host = strings.ToLower(host)
	return strings.HasSuffix(host, ".local") ||
		strings.HasSuffix(host, ".internal") ||
		strings.HasSuffix(host, ".onion") ||
		strings.HasSuffix(host, ".localhost")
}

// IsLoopbackHost checks if a hostname names the local machine
func IsLoopbackHost(host string) bool {
	host = strings.ToLower(strings.Trim(host, "[]"))
	return host == "localhost" ||
		host == "::1" ||
		strings.HasPrefix(host, "127.")
}
