package sqlcheck

import (
	"fmt"

	libinjection "github.com/corazawaf/libinjection-go"
)

// CheckInjection screens every string literal in the query through
// libinjection's SQLi detector. Generated KPI SQL has no user input, but
// a literal that fingerprints as an injection payload means the model
// produced something that should never reach the database.
func CheckInjection(sqlQuery string) []Issue {
	var issues []Issue
	for _, literal := range extractStringLiterals(sqlQuery) {
		if literal == "" {
			continue
		}
		if found, fingerprint := libinjection.IsSQLi(literal); found {
			issues = append(issues, Issue{
				IssueInjectionPattern,
				fmt.Sprintf("string literal matches injection fingerprint %s", fingerprint),
			})
		}
	}
	return issues
}
