package logging

import "regexp"

// secretKeyRE matches field names whose values must never reach a log line.
var secretKeyRE = regexp.MustCompile(`(?i)^(api[_-]?key|auth[_-]?key|client[_-]?auth[_-]?key|registration[_-]?api[_-]?key|token|password|secret|authorization)$`)

const redactedMarker = "[REDACTED]"

// IsSecretKey reports whether a field name denotes a secret.
func IsSecretKey(key string) bool {
	return secretKeyRE.MatchString(key)
}

// RedactValue returns the value unchanged unless the key denotes a secret.
func RedactValue(key, value string) string {
	if value == "" {
		return value
	}
	if IsSecretKey(key) {
		return redactedMarker
	}
	return value
}

// RedactMap returns a copy of m with secret values masked. Used when logging
// request headers and query parameters that may carry bearer keys.
func RedactMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = RedactValue(k, v)
	}
	return out
}
