// Package logging provides helpers for scrubbing credentials out of
// values before they reach the logs.
package logging

import (
	"regexp"
)

const (
	// MaxQueryLogLength is the maximum length of a SQL query to log.
	MaxQueryLogLength = 200
	// RedactedText is the replacement text for sensitive data.
	RedactedText = "[REDACTED]"
)

var (
	// Matches password=xxx, pwd=xxx, pass=xxx up to the next delimiter.
	passwordPattern = regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`)

	// Matches Metabase session tokens passed in headers or error text.
	sessionPattern = regexp.MustCompile(`(?i)(x-metabase-session[:=]\s*)[A-Za-z0-9-]{8,}`)

	// Matches API keys in key=value form.
	apiKeyPattern = regexp.MustCompile(`(?i)(api[_-]?key|apikey|key)=[A-Za-z0-9-_]{20,}`)

	// Matches OpenAI-style bearer keys.
	bearerPattern = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9-_.]{16,}`)

	// Matches user:pass@host credentials embedded in URLs.
	urlCredsPattern = regexp.MustCompile(`://[^:/\s]+:[^@\s]+@[^/\s]+`)
)

// SanitizeError scrubs an error message that might carry credentials,
// session tokens, or API keys. Use before logging any error from the
// Metabase or LLM clients.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return sanitize(err.Error())
}

// SanitizeURL scrubs embedded credentials from a URL before logging.
func SanitizeURL(rawURL string) string {
	return urlCredsPattern.ReplaceAllString(rawURL, "://"+RedactedText+"@"+RedactedText)
}

// SanitizeQuery truncates a SQL query for logging and scrubs any
// credential-shaped fragments a generated query might contain.
func SanitizeQuery(query string) string {
	if query == "" {
		return ""
	}
	sanitized := sanitize(query)
	if len(sanitized) > MaxQueryLogLength {
		sanitized = sanitized[:MaxQueryLogLength] + "..."
	}
	return sanitized
}

func sanitize(s string) string {
	s = passwordPattern.ReplaceAllString(s, "${1}="+RedactedText)
	s = sessionPattern.ReplaceAllString(s, "${1}"+RedactedText)
	s = apiKeyPattern.ReplaceAllString(s, "${1}="+RedactedText)
	s = bearerPattern.ReplaceAllString(s, "Bearer "+RedactedText)
	s = urlCredsPattern.ReplaceAllString(s, "://"+RedactedText+"@"+RedactedText)
	return s
}
