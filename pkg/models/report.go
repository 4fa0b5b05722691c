package models

import (
	"time"

	"github.com/google/uuid"
)

// RunReport is the single JSON artifact written at the end of a run.
// Other tooling consumes this file; it is written once, never appended.
type RunReport struct {
	RunID       uuid.UUID     `json:"run_id"`
	GeneratedAt time.Time     `json:"generated_at"`
	Tables      []TableReport `json:"tables"`
	Summary     RunSummary    `json:"summary"`
}

// TableReport collects everything produced for one table.
type TableReport struct {
	TableName    string               `json:"table_name"`
	Metadata     *TableMetadata       `json:"metadata,omitempty"`
	FieldsUsed   int                  `json:"fields_used"`
	ForeignKeys  int                  `json:"foreign_keys"`
	KPIs         []*ValidationOutcome `json:"kpis"`
	Problematic  []*ValidationOutcome `json:"problematic,omitempty"`
	Registration []RegistrationResult `json:"registration,omitempty"`
	Skipped      bool                 `json:"skipped,omitempty"`
	SkipReason   string               `json:"skip_reason,omitempty"`
}

// RunSummary is the end-of-run tally.
type RunSummary struct {
	TablesProcessed  int `json:"tables_processed"`
	TablesSkipped    int `json:"tables_skipped"`
	CandidatesTotal  int `json:"candidates_total"`
	Valid            int `json:"valid"`
	Fixed            int `json:"fixed"`
	Problematic      int `json:"problematic"`
	QuestionsCreated int `json:"questions_created"`
	QuestionsSkipped int `json:"questions_skipped"`
	QuestionsFailed  int `json:"questions_failed"`
}
