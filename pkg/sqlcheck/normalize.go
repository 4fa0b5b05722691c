// Package sqlcheck statically inspects and deterministically rewrites
// generated KPI SQL before it is executed through the BI service.
package sqlcheck

import (
	"errors"
	"strings"
)

// ErrMultipleStatements indicates the query contains more than one SQL
// statement; only single statements may be executed.
var ErrMultipleStatements = errors.New("multiple SQL statements not allowed; only single statements are permitted")

// Normalize trims whitespace, strips a trailing semicolon, and rejects
// queries that still contain a semicolon outside string literals.
func Normalize(sqlQuery string) (string, error) {
	sqlQuery = strings.TrimSpace(sqlQuery)
	if sqlQuery == "" {
		return "", nil
	}

	normalized := stripTrailingSemicolon(sqlQuery)

	if hasSemicolonOutsideStrings(normalized) {
		return "", ErrMultipleStatements
	}

	return normalized, nil
}

// hasSemicolonOutsideStrings returns true if the SQL contains any
// semicolon outside of string literals.
func hasSemicolonOutsideStrings(sqlQuery string) bool {
	const (
		stateNormal = iota
		stateSingleQuote
		stateDoubleQuote
	)

	state := stateNormal
	prevChar := rune(0)

	for _, char := range sqlQuery {
		switch state {
		case stateNormal:
			switch char {
			case ';':
				return true
			case '\'':
				state = stateSingleQuote
			case '"':
				state = stateDoubleQuote
			}
		case stateSingleQuote:
			// Handles both backslash escape (\') and SQL standard escape ('').
			// A doubled quote exits and immediately re-enters, which keeps
			// the scan inside the string.
			if char == '\'' && prevChar != '\\' {
				state = stateNormal
			}
		case stateDoubleQuote:
			if char == '"' && prevChar != '\\' {
				state = stateNormal
			}
		}
		prevChar = char
	}

	return false
}

func stripTrailingSemicolon(sqlQuery string) string {
	sqlQuery = strings.TrimRight(sqlQuery, " \t\n\r")
	if strings.HasSuffix(sqlQuery, ";") {
		sqlQuery = strings.TrimSuffix(sqlQuery, ";")
		sqlQuery = strings.TrimRight(sqlQuery, " \t\n\r")
	}
	return sqlQuery
}

// stripStringLiterals replaces the contents of single-quoted literals with
// spaces so identifier scans don't pick words out of data values. Quote
// characters themselves are preserved.
func stripStringLiterals(sqlQuery string) string {
	out := []rune(sqlQuery)
	inString := false
	prev := rune(0)

	for i, ch := range out {
		if inString {
			if ch == '\'' && prev != '\\' {
				inString = false
			} else {
				out[i] = ' '
			}
		} else if ch == '\'' {
			inString = true
		}
		prev = ch
	}

	return string(out)
}

// extractStringLiterals returns the contents of every single-quoted
// literal in the SQL.
func extractStringLiterals(sqlQuery string) []string {
	var literals []string
	var current strings.Builder
	inString := false
	prev := rune(0)

	for _, ch := range sqlQuery {
		if inString {
			if ch == '\'' && prev != '\\' {
				literals = append(literals, current.String())
				current.Reset()
				inString = false
			} else {
				current.WriteRune(ch)
			}
		} else if ch == '\'' {
			inString = true
		}
		prev = ch
	}

	return literals
}
