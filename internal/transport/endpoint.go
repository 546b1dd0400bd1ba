package transport

import "strings"

// IsRTCEndpoint reports whether a voice-server endpoint (with its token)
// points at an SFU room server rather than a legacy voice gateway.
func IsRTCEndpoint(endpoint, token string) bool {
	if endpoint == "" {
		return false
	}
	if strings.Contains(endpoint, "access_token=") {
		return true
	}
	if strings.Contains(endpoint, "/rtc") && strings.Contains(endpoint, "?") {
		return true
	}
	return token != "" && !strings.Contains(endpoint, "?")
}

// BuildRTCURL reduces an endpoint to its host and picks ws or wss. Plain
// ws:// is kept only when the endpoint asked for it.
func BuildRTCURL(endpoint string) string {
	scheme := "wss"
	if strings.HasPrefix(strings.ToLower(endpoint), "ws://") {
		scheme = "ws"
	}
	return scheme + "://" + Host(endpoint)
}

// Host strips scheme, path and query from an endpoint.
func Host(endpoint string) string {
	h := StripScheme(endpoint)
	if i := strings.IndexAny(h, "/?"); i >= 0 {
		h = h[:i]
	}
	return h
}

// StripScheme removes a leading "<scheme>://" and any leading slashes.
func StripScheme(endpoint string) string {
	s := strings.TrimSpace(endpoint)
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	return strings.TrimLeft(s, "/")
}
