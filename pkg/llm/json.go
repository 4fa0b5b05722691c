package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// codeFencePattern matches markdown code fences that models wrap JSON in.
var codeFencePattern = regexp.MustCompile("(?s)```(?:json|sql)?\\s*(.*?)```")

// ExtractJSON extracts JSON content from an LLM response that may contain
// surrounding prose, markdown code blocks, or other formatting.
func ExtractJSON(response string) (string, error) {
	cleaned := response
	if m := codeFencePattern.FindStringSubmatch(response); m != nil {
		cleaned = m[1]
	}

	// Find the first occurrence of { or [ to determine JSON type
	objStart := strings.IndexByte(cleaned, '{')
	arrStart := strings.IndexByte(cleaned, '[')

	if arrStart >= 0 && (objStart < 0 || arrStart < objStart) {
		if jsonStr, ok := extractBalancedJSON(cleaned, '[', ']'); ok {
			if json.Valid([]byte(jsonStr)) {
				return jsonStr, nil
			}
		}
	}

	if objStart >= 0 {
		if jsonStr, ok := extractBalancedJSON(cleaned, '{', '}'); ok {
			if json.Valid([]byte(jsonStr)) {
				return jsonStr, nil
			}
		}
	}

	// Last resort: check if the entire cleaned response is valid JSON
	trimmed := strings.TrimSpace(cleaned)
	if json.Valid([]byte(trimmed)) {
		return trimmed, nil
	}

	return "", fmt.Errorf("no valid JSON found in response")
}

// extractBalancedJSON finds the first balanced JSON structure starting with
// openChar, counting bracket depth and skipping string literals.
func extractBalancedJSON(s string, openChar, closeChar byte) (string, bool) {
	start := strings.IndexByte(s, openChar)
	if start == -1 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]

		if escaped {
			escaped = false
			continue
		}

		if c == '\\' && inString {
			escaped = true
			continue
		}

		if c == '"' {
			inString = !inString
			continue
		}

		if inString {
			continue
		}

		if c == openChar {
			depth++
		} else if c == closeChar {
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}

	return "", false
}

// ParseJSONResponse extracts JSON from a response and unmarshals it into the target.
func ParseJSONResponse[T any](response string) (T, error) {
	var result T

	jsonStr, err := ExtractJSON(response)
	if err != nil {
		return result, err
	}

	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		return result, fmt.Errorf("unmarshal JSON: %w", err)
	}

	return result, nil
}

// ExtractSQL extracts a SQL statement from an LLM repair response. Models
// asked to return "only the corrected SQL" still wrap it in code fences or
// prefix it with prose often enough that callers cannot use the raw text.
func ExtractSQL(response string) string {
	if m := codeFencePattern.FindStringSubmatch(response); m != nil {
		return strings.TrimSpace(m[1])
	}

	trimmed := strings.TrimSpace(response)

	// Drop any prose before the first SELECT/WITH keyword.
	upper := strings.ToUpper(trimmed)
	for _, kw := range []string{"SELECT", "WITH"} {
		if idx := strings.Index(upper, kw); idx >= 0 {
			return strings.TrimSpace(trimmed[idx:])
		}
	}

	return trimmed
}

// FlexibleString converts a json.RawMessage to a string, handling cases
// where models return numbers or booleans instead of strings. Returns
// empty string for null/empty.
func FlexibleString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var strVal string
	if err := json.Unmarshal(raw, &strVal); err == nil {
		return strVal
	}

	var numVal float64
	if err := json.Unmarshal(raw, &numVal); err == nil {
		if numVal == float64(int64(numVal)) {
			return fmt.Sprintf("%d", int64(numVal))
		}
		return fmt.Sprintf("%g", numVal)
	}

	var boolVal bool
	if err := json.Unmarshal(raw, &boolVal); err == nil {
		return fmt.Sprintf("%t", boolVal)
	}

	return string(raw)
}
