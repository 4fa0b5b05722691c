package sqlcheck

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ekaya-inc/kpi-engine/pkg/models"
)

// Issue codes for static check findings.
const (
	IssueMissingSelect      = "missing_select"
	IssueMissingFrom        = "missing_from"
	IssueNestedAggregate    = "nested_aggregate"
	IssueJoinWithoutOn      = "join_without_on"
	IssueNonASCIIOperator   = "non_ascii_operator"
	IssueRawDateSubtraction = "raw_date_subtraction"
	IssueUnknownColumn      = "unknown_column"
	IssueMultipleStatements = "multiple_statements"
	IssueInjectionPattern   = "injection_pattern"
)

// Issue is one static check finding. Any issue makes a candidate
// problematic without needing execution.
type Issue struct {
	Code    string
	Message string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s", i.Code, i.Message)
}

var (
	// Bare aggregate nested directly inside another aggregate, e.g.
	// AVG(COUNT(*)). Needs a subquery or window function to be legal.
	nestedAggregatePattern = regexp.MustCompile(`(?i)\b(AVG|SUM|MIN|MAX|COUNT)\s*\(\s*(AVG|SUM|MIN|MAX|COUNT)\s*\(`)

	// Unicode arrows and minus signs that models emit in place of the
	// database's JSON accessors or the ASCII minus.
	nonASCIIOperators = []rune{'→', '⇒', '−', '➔', '⟶'}

	// identifier - identifier, candidates for raw date subtraction.
	subtractionPattern = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_.]*)\s*-\s*([A-Za-z_][A-Za-z0-9_.]*)`)

	// Dialect-correct ways to compute date differences.
	dateExtractionPattern = regexp.MustCompile(`(?i)\b(EXTRACT|DATE_PART|DATEDIFF|AGE|DATE_TRUNC)\s*\(`)

	joinPattern = regexp.MustCompile(`(?i)\bJOIN\b`)
	onPattern   = regexp.MustCompile(`(?i)\bON\b`)
)

// Check runs all static checks against one candidate's SQL using the
// owning table's metadata. The returned slice is empty for clean SQL.
func Check(sqlQuery string, meta *models.TableMetadata) []Issue {
	var issues []Issue

	normalized, err := Normalize(sqlQuery)
	if err != nil {
		return []Issue{{Code: IssueMultipleStatements, Message: err.Error()}}
	}

	scannable := stripStringLiterals(normalized)
	upper := strings.ToUpper(scannable)

	if !strings.Contains(upper, "SELECT") {
		issues = append(issues, Issue{IssueMissingSelect, "missing SELECT statement"})
	}
	if !strings.Contains(upper, "FROM") {
		issues = append(issues, Issue{IssueMissingFrom, "missing FROM clause"})
	}

	if m := nestedAggregatePattern.FindStringSubmatch(scannable); m != nil {
		issues = append(issues, Issue{
			IssueNestedAggregate,
			fmt.Sprintf("aggregate %s nested directly inside %s; use a subquery", strings.ToUpper(m[2]), strings.ToUpper(m[1])),
		})
	}

	if joinPattern.MatchString(scannable) && !onPattern.MatchString(scannable) {
		issues = append(issues, Issue{IssueJoinWithoutOn, "JOIN without ON clause"})
	}

	for _, r := range normalized {
		if isNonASCIIOperator(r) {
			issues = append(issues, Issue{
				IssueNonASCIIOperator,
				fmt.Sprintf("non-ASCII operator %q; use the database's native syntax", r),
			})
			break
		}
	}

	if issue := checkRawDateSubtraction(scannable, meta); issue != nil {
		issues = append(issues, *issue)
	}

	issues = append(issues, checkUnknownColumns(scannable, meta)...)
	issues = append(issues, CheckInjection(normalized)...)

	return issues
}

func isNonASCIIOperator(r rune) bool {
	for _, op := range nonASCIIOperators {
		if r == op {
			return true
		}
	}
	return false
}

// checkRawDateSubtraction flags subtraction between two temporal columns
// when no dialect-correct extraction function appears anywhere in the
// query.
func checkRawDateSubtraction(scannable string, meta *models.TableMetadata) *Issue {
	if meta == nil || dateExtractionPattern.MatchString(scannable) {
		return nil
	}

	temporal := make(map[string]bool)
	for _, f := range meta.Fields {
		if f.IsTemporal() {
			temporal[strings.ToLower(f.Name)] = true
		}
	}
	if len(temporal) == 0 {
		return nil
	}

	for _, m := range subtractionPattern.FindAllStringSubmatch(scannable, -1) {
		left := strings.ToLower(baseColumn(m[1]))
		right := strings.ToLower(baseColumn(m[2]))
		if temporal[left] && temporal[right] {
			return &Issue{
				IssueRawDateSubtraction,
				fmt.Sprintf("raw subtraction of %s - %s; use EXTRACT or DATE_PART for date differences", m[1], m[2]),
			}
		}
	}
	return nil
}

// baseColumn strips a table qualifier from an identifier.
func baseColumn(ident string) string {
	if idx := strings.LastIndex(ident, "."); idx >= 0 {
		return ident[idx+1:]
	}
	return ident
}
