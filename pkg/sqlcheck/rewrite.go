package sqlcheck

import (
	"regexp"
	"strings"

	"github.com/ekaya-inc/kpi-engine/pkg/models"
)

var (
	// Bare aggregate over a single column, e.g. SUM(payment_total).
	bareAggregatePattern = regexp.MustCompile(`(?i)\b(SUM|AVG)\s*\(\s*([A-Za-z_][A-Za-z0-9_.]*)\s*\)`)

	wherePattern = regexp.MustCompile(`(?i)\bWHERE\b`)

	// The clause boundary a synthesized WHERE must be inserted before.
	tailClausePattern = regexp.MustCompile(`(?i)\b(GROUP\s+BY|ORDER\s+BY|HAVING|LIMIT|OFFSET)\b`)

	// Any expression that already bounds the query in time.
	timeWindowPattern = regexp.MustCompile(`(?i)\b(INTERVAL|DATE_TRUNC|DATE_SUB|DATE_ADD|DATEDIFF)\b|\b\d+\s+(MONTH|WEEK|DAY|YEAR)S?\b`)
)

// EnsureNullGuard adds an IS NOT NULL filter for columns aggregated with
// SUM or AVG when the query has no NULL handling for them. The rewrite is
// deterministic and idempotent: a query already guarding the column (via
// IS NOT NULL or COALESCE) passes through unchanged.
func EnsureNullGuard(sqlQuery string, meta *models.TableMetadata) (string, bool) {
	upper := strings.ToUpper(stripStringLiterals(sqlQuery))

	var guarded []string
	seen := map[string]bool{}

	for _, m := range bareAggregatePattern.FindAllStringSubmatch(sqlQuery, -1) {
		col := m[2]
		base := strings.ToLower(baseColumn(col))
		if seen[base] {
			continue
		}
		seen[base] = true

		if meta != nil && !meta.HasField(baseColumn(col)) {
			continue
		}
		colUpper := strings.ToUpper(col)
		if strings.Contains(upper, colUpper+" IS NOT NULL") ||
			strings.Contains(upper, "COALESCE("+colUpper) ||
			strings.Contains(upper, "COALESCE( "+colUpper) {
			continue
		}
		guarded = append(guarded, col+" IS NOT NULL")
	}

	if len(guarded) == 0 {
		return sqlQuery, false
	}

	return injectCondition(sqlQuery, strings.Join(guarded, " AND ")), true
}

// EnsureTimeWindow injects a default time window (the most recent
// calendar month on dateColumn) when the query has no time bound at all.
// The transformation is idempotent: applying it twice yields the same SQL
// as applying it once, and any existing filter on the date column or any
// interval arithmetic makes it a no-op.
func EnsureTimeWindow(sqlQuery, dateColumn string) (string, bool) {
	if dateColumn == "" {
		return sqlQuery, false
	}

	scannable := stripStringLiterals(sqlQuery)
	if timeWindowPattern.MatchString(scannable) {
		return sqlQuery, false
	}

	// A WHERE clause that already mentions the date column counts as a
	// time filter, whatever shape it takes.
	if loc := wherePattern.FindStringIndex(scannable); loc != nil {
		rest := strings.ToLower(scannable[loc[1]:])
		if strings.Contains(rest, strings.ToLower(dateColumn)) {
			return sqlQuery, false
		}
	}

	cond := dateColumn + " >= DATE_TRUNC('month', CURRENT_DATE)"
	return injectCondition(sqlQuery, cond), true
}

// injectCondition adds cond to the query's WHERE clause, creating one
// before any trailing GROUP BY/ORDER BY/HAVING/LIMIT if absent.
func injectCondition(sqlQuery, cond string) string {
	if loc := wherePattern.FindStringIndex(sqlQuery); loc != nil {
		return sqlQuery[:loc[1]] + " " + cond + " AND" + sqlQuery[loc[1]:]
	}

	if loc := tailClausePattern.FindStringIndex(sqlQuery); loc != nil {
		return strings.TrimRight(sqlQuery[:loc[0]], " \t\n") + " WHERE " + cond + " " + sqlQuery[loc[0]:]
	}

	return strings.TrimRight(sqlQuery, " \t\n") + " WHERE " + cond
}
