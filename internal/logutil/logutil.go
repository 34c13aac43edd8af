// Package logutil keeps credentials and session material out of probe logs.
package logutil

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

const redacted = "[REDACTED]"

// IsSensitiveLogField returns true when a key likely carries a secret.
func IsSensitiveLogField(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	normalized = strings.ReplaceAll(normalized, "-", "")
	normalized = strings.ReplaceAll(normalized, "_", "")

	switch {
	case normalized == "authorization":
		return true
	case normalized == "xauthtoken", normalized == "xuserid":
		return true
	case strings.Contains(normalized, "token"):
		return true
	case strings.Contains(normalized, "secret"):
		return true
	case strings.Contains(normalized, "password"), strings.Contains(normalized, "pass"):
		return true
	case strings.Contains(normalized, "totp"), strings.Contains(normalized, "code"):
		return true
	case strings.Contains(normalized, "cookie"):
		return true
	default:
		return false
	}
}

// FormatFormForLog renders submitted form fields with secrets masked.
// Keys are sorted so log lines are stable across runs.
func FormatFormForLog(values url.Values) string {
	if len(values) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := strings.Join(values[k], ",")
		if IsSensitiveLogField(k) {
			v = redacted
		}
		parts = append(parts, fmt.Sprintf("%s=%q", k, v))
	}
	return strings.Join(parts, " ")
}

// FormatHeadersForLog returns stable, redacted header text for logs.
func FormatHeadersForLog(headers http.Header) string {
	if len(headers) == 0 {
		return "{}"
	}

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		v := strings.Join(headers.Values(k), ", ")
		if IsSensitiveLogField(k) {
			v = redacted
		}
		parts = append(parts, fmt.Sprintf("%s=%q", strings.ToLower(k), v))
	}
	return strings.Join(parts, "; ")
}

// RedactURL strips userinfo and sensitive query parameters.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.User != nil {
		u.User = url.User(redacted)
	}
	q := u.Query()
	changed := false
	for k := range q {
		if IsSensitiveLogField(k) {
			q.Set(k, redacted)
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// TruncateForLog returns a single-line truncated preview for unstructured values.
func TruncateForLog(value string, maxChars int) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	normalized := strings.ReplaceAll(trimmed, "\n", "\\n")
	if maxChars <= 0 || len(normalized) <= maxChars {
		return normalized
	}
	return normalized[:maxChars] + "... [truncated]"
}
