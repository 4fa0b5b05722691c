package prompts

import (
	"fmt"
	"strings"

	"github.com/ekaya-inc/kpi-engine/pkg/models"
)

// SQLRepairSystemMessage primes the model for the single repair attempt
// a failed candidate gets.
const SQLRepairSystemMessage = "You are a SQL expert who fixes broken SQL queries. Respond with the corrected SQL only."

// BuildSQLRepairPrompt creates the prompt asking the model to fix a
// query the database rejected.
func BuildSQLRepairPrompt(meta *models.TableMetadata, sqlQuery, dbError string) string {
	var prompt strings.Builder

	prompt.WriteString("# SQL Repair\n\n")
	prompt.WriteString(fmt.Sprintf("Fix the following SQL query against the table %q.\n\n", meta.Name))

	prompt.WriteString("Available columns:\n")
	for _, f := range meta.Fields {
		prompt.WriteString(describeField(f))
	}

	prompt.WriteString("\nQuery that failed:\n```sql\n")
	prompt.WriteString(sqlQuery)
	prompt.WriteString("\n```\n")

	prompt.WriteString("\nDatabase error:\n")
	prompt.WriteString(dbError)
	prompt.WriteString("\n")

	prompt.WriteString(`
Common fixes:
1. NULL checks before aggregates and date operations.
2. A default time window of one month when none is present.
3. Correct JOIN syntax with an ON clause.
4. Explicit type conversions.
5. Correct table and column names from the list above.

Return ONLY the corrected SQL query, with no explanation and no code fence.
`)

	return prompt.String()
}
