package voice

import (
	"encoding/json"
	"fmt"
	"strings"
)

// sensitiveKeys lists JSON keys which should never be logged in plaintext.
var sensitiveKeys = map[string]struct{}{
	"token": {}, "session_id": {}, "access_token": {}, "refresh_token": {},
	"authorization": {}, "password": {}, "email": {}, "client_secret": {},
}

// redactAny walks a decoded JSON value (map[string]any / []any) and replaces
// values for sensitive keys with a placeholder. It modifies maps/slices in place.
func redactAny(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		for k, val := range vv {
			if _, ok := sensitiveKeys[strings.ToLower(k)]; ok {
				vv[k] = "<redacted>"
				continue
			}
			vv[k] = redactAny(val)
		}
		return vv
	case []any:
		for i, it := range vv {
			vv[i] = redactAny(it)
		}
		return vv
	default:
		return v
	}
}

// redactedPayload decodes a raw gateway payload, redacts it, and truncates
// the re-encoded JSON to maxBytes.
func redactedPayload(raw []byte, maxBytes int) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "<raw data omitted>"
	}
	b, err := json.Marshal(redactAny(v))
	if err != nil {
		return "<raw data omitted>"
	}
	if maxBytes > 0 && len(b) > maxBytes {
		return string(b[:maxBytes]) + fmt.Sprintf("<truncated %d bytes>", len(b))
	}
	return string(b)
}
