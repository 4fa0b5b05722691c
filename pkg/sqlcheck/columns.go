package sqlcheck

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ekaya-inc/kpi-engine/pkg/models"
)

// sqlKeywords covers keywords and common functions the identifier scan
// must not mistake for column references.
var sqlKeywords = map[string]bool{
	// keywords
	"select": true, "from": true, "where": true, "group": true, "by": true,
	"order": true, "having": true, "limit": true, "offset": true,
	"join": true, "left": true, "right": true, "inner": true, "outer": true,
	"full": true, "cross": true, "on": true, "as": true, "and": true,
	"or": true, "not": true, "in": true, "is": true, "null": true,
	"like": true, "ilike": true, "between": true, "case": true, "when": true,
	"then": true, "else": true, "end": true, "distinct": true, "union": true,
	"all": true, "exists": true, "asc": true, "desc": true, "with": true,
	"interval": true, "true": true, "false": true, "cast": true,
	"current_date": true, "current_timestamp": true,
	// functions
	"count": true, "sum": true, "avg": true, "min": true, "max": true,
	"coalesce": true, "nullif": true, "round": true, "abs": true,
	"date_trunc": true, "date_part": true, "extract": true, "datediff": true,
	"date_sub": true, "date_add": true, "now": true, "age": true,
	"lower": true, "upper": true, "trim": true, "concat": true,
	"substring": true, "length": true, "to_char": true, "to_date": true,
	"year": true, "month": true, "day": true, "week": true, "quarter": true,
	"hour": true, "minute": true, "second": true, "epoch": true,
	"convert": true, "greatest": true, "least": true, "row_number": true,
	"rank": true, "over": true, "partition": true, "filter": true,
	"numeric": true, "integer": true, "bigint": true, "float": true,
	"text": true, "varchar": true, "date": true, "timestamp": true,
	"boolean": true, "decimal": true, "double": true, "precision": true,
	"within": true,
}

var (
	identifierPattern = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*)?`)

	// FROM/JOIN targets with optional aliases, e.g. "FROM orders o" or
	// "JOIN order_status AS s".
	tableRefPattern = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+([A-Za-z_][A-Za-z0-9_]*)(?:\s+(?:AS\s+)?([A-Za-z_][A-Za-z0-9_]*))?`)

	aliasPattern = regexp.MustCompile(`(?i)\bAS\s+([A-Za-z_][A-Za-z0-9_]*)`)
)

// checkUnknownColumns flags identifiers that look like column references
// but don't exist in the owning table's field details. Table names,
// aliases, keywords, and columns of joined tables resolved through the
// table's relationships are excluded. The scan is conservative: a
// questionable identifier that can't be attributed is preferred over a
// false positive, so qualified references to unknown aliases pass.
func checkUnknownColumns(scannable string, meta *models.TableMetadata) []Issue {
	if meta == nil || len(meta.Fields) == 0 {
		return nil
	}

	known := make(map[string]bool)
	for _, f := range meta.Fields {
		known[strings.ToLower(f.Name)] = true
	}

	skip := map[string]bool{strings.ToLower(meta.Name): true}
	for _, rel := range meta.Relationships {
		skip[strings.ToLower(rel.TargetTable)] = true
		skip[strings.ToLower(rel.TargetField)] = true
	}

	// Tables referenced in FROM/JOIN and their aliases.
	qualifiers := map[string]bool{}
	for _, m := range tableRefPattern.FindAllStringSubmatch(scannable, -1) {
		skip[strings.ToLower(m[1])] = true
		qualifiers[strings.ToLower(m[1])] = true
		if m[2] != "" && !sqlKeywords[strings.ToLower(m[2])] {
			skip[strings.ToLower(m[2])] = true
			qualifiers[strings.ToLower(m[2])] = true
		}
	}

	// Output aliases introduced with AS.
	for _, m := range aliasPattern.FindAllStringSubmatch(scannable, -1) {
		skip[strings.ToLower(m[1])] = true
	}

	unknown := map[string]bool{}
	for _, loc := range identifierPattern.FindAllStringIndex(scannable, -1) {
		ident := scannable[loc[0]:loc[1]]

		// An identifier followed by ( is a function call, not a column
		// reference. The dialect's function set is open-ended, so calls
		// are recognized positionally rather than from a name list.
		if isFunctionCall(scannable, loc[1]) {
			continue
		}

		lower := strings.ToLower(ident)

		if dot := strings.Index(lower, "."); dot >= 0 {
			qualifier := lower[:dot]
			column := lower[dot+1:]
			// Only columns qualified by this table or its alias can be
			// checked against the field list.
			if qualifiers[qualifier] && qualifier == strings.ToLower(meta.Name) && !known[column] {
				unknown[column] = true
			}
			continue
		}

		if sqlKeywords[lower] || skip[lower] || known[lower] {
			continue
		}
		unknown[lower] = true
	}

	if len(unknown) == 0 {
		return nil
	}

	names := make([]string, 0, len(unknown))
	for name := range unknown {
		names = append(names, name)
	}
	sort.Strings(names)

	issues := make([]Issue, 0, len(names))
	for _, name := range names {
		issues = append(issues, Issue{
			IssueUnknownColumn,
			fmt.Sprintf("column %q not found in table %s", name, meta.Name),
		})
	}
	return issues
}

// isFunctionCall reports whether the identifier ending at pos is
// immediately followed by an opening parenthesis.
func isFunctionCall(s string, pos int) bool {
	for pos < len(s) && (s[pos] == ' ' || s[pos] == '\t' || s[pos] == '\n' || s[pos] == '\r') {
		pos++
	}
	return pos < len(s) && s[pos] == '('
}
