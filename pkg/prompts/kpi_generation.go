// Package prompts builds the LLM prompts for KPI generation and SQL
// repair from table metadata.
package prompts

import (
	"fmt"
	"strings"

	"github.com/jinzhu/inflection"

	"github.com/ekaya-inc/kpi-engine/pkg/models"
)

// KPIGenerationSystemMessage primes the model for the generation call.
const KPIGenerationSystemMessage = "You are a data analytics expert specializing in meaningful KPIs and robust SQL. Always respond with valid JSON only."

// Candidate count the model is asked for per table.
const (
	MinKPIsPerTable = 15
	MaxKPIsPerTable = 20
)

// BuildKPIGenerationPrompt creates the prompt asking for KPI candidates
// for one table. Field descriptions are capped at maxFields so very wide
// tables don't blow out the context window; the cap is noted in the
// prompt so the model knows the list is partial.
func BuildKPIGenerationPrompt(meta *models.TableMetadata, maxFields int) string {
	var prompt strings.Builder

	entity := inflection.Singular(meta.Name)

	prompt.WriteString("# KPI Generation\n\n")
	prompt.WriteString(fmt.Sprintf(
		"Generate %d-%d useful KPIs with SQL statements for the table %q, which stores one row per %s.\n\n",
		MinKPIsPerTable, MaxKPIsPerTable, meta.Name, entity))

	prompt.WriteString(fmt.Sprintf("## Table: %s\n", meta.Name))
	if meta.Description != "" {
		prompt.WriteString(fmt.Sprintf("Description: %s\n", meta.Description))
	}
	if meta.EntityType != "" {
		prompt.WriteString(fmt.Sprintf("Entity type: %s\n", meta.EntityType))
	}
	prompt.WriteString("Columns:\n")

	fields := meta.Fields
	truncated := 0
	if maxFields > 0 && len(fields) > maxFields {
		truncated = len(fields) - maxFields
		fields = fields[:maxFields]
	}
	for _, f := range fields {
		prompt.WriteString(describeField(f))
	}
	if truncated > 0 {
		prompt.WriteString(fmt.Sprintf("- ... and %d more columns (do not use them)\n", truncated))
	}

	if related := relatedTables(meta); len(related) > 0 {
		prompt.WriteString(fmt.Sprintf("\nRelated tables: %s\n", strings.Join(related, ", ")))
	}

	prompt.WriteString(`
## SQL rules
1. Always guard NULL values before aggregates, date operations, and divisions.
2. Use CASE WHEN for conditional logic and safe ratios.
3. Use EXTRACT or DATE_PART for date differences, never raw subtraction.
4. Every JOIN needs an ON clause using the foreign key relationships above.
5. One SELECT statement per KPI. No semicolons, no DDL, no comments.
6. Only reference the columns listed above.
7. Prefer a bounded time window over scanning the whole table.

## Response format
Respond with ONLY a valid JSON array, no other text:

[
  {
    "kpi_name": "KPI Name",
    "description": "What this KPI measures",
    "business_value": "Why this KPI is important",
    "sql_query": "SELECT ...",
    "output_format": "What the result represents",
    "table_name": "` + meta.Name + `"
  }
]
`)

	return prompt.String()
}

func describeField(f models.FieldInfo) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("- %s (%s)", f.Name, f.Type))
	if f.SemanticType != "" {
		b.WriteString(fmt.Sprintf(" [%s]", f.SemanticType))
	}
	if f.ForeignKey != nil {
		b.WriteString(fmt.Sprintf(" [FK -> %s.%s]", f.ForeignKey.TargetTable, f.ForeignKey.TargetField))
	}
	if f.Description != "" {
		b.WriteString(": " + f.Description)
	}
	b.WriteString("\n")
	return b.String()
}

// relatedTables lists resolved relationship targets, deduplicated in
// first-appearance order.
func relatedTables(meta *models.TableMetadata) []string {
	seen := make(map[string]bool)
	var names []string
	for _, rel := range meta.Relationships {
		if !rel.Resolved || rel.TargetTable == "" || seen[rel.TargetTable] {
			continue
		}
		seen[rel.TargetTable] = true
		names = append(names, rel.TargetTable)
	}
	return names
}
