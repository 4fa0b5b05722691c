package models

// KPICandidate is a generated KPI proposal awaiting validation.
// The validator may rewrite SQL exactly once via the outcome's
// ExecutedSQL; the candidate itself is not mutated after creation.
type KPICandidate struct {
	Name          string `json:"kpi_name"`
	Description   string `json:"description"`
	BusinessValue string `json:"business_value"`
	SQL           string `json:"sql_query"`
	OutputFormat  string `json:"output_format"`
	TableName     string `json:"table_name"`
}

// ValidationStatus classifies the result of validating one candidate.
type ValidationStatus string

const (
	// StatusValid means the SQL executed without error as generated
	// (deterministic rewrites included).
	StatusValid ValidationStatus = "valid"
	// StatusFixed means the SQL executed only after an LLM repair.
	StatusFixed ValidationStatus = "fixed"
	// StatusProblematic means the SQL failed static checks, or failed
	// execution even after one repair attempt.
	StatusProblematic ValidationStatus = "problematic"
)

// Fix type labels recorded on outcomes whose SQL differs from the original.
const (
	FixNone            = ""
	FixDefaultDuration = "default_duration_added"
	FixNullGuard       = "null_guard_added"
	FixLLMRepair       = "llm_repaired"
)

// ValidationOutcome records how one candidate fared. Never mutated after
// creation. ExecutedSQL carries the text that actually ran (or would have
// run), which may differ from Candidate.SQL.
type ValidationOutcome struct {
	Candidate     *KPICandidate    `json:"candidate"`
	Status        ValidationStatus `json:"status"`
	ExecutedSQL   string           `json:"executed_sql"`
	FixType       string           `json:"fix_type,omitempty"`
	Error         string           `json:"error,omitempty"`
	RepairAttempt bool             `json:"repair_attempted,omitempty"`
	RowCount      int              `json:"row_count"`
}

// Registrable reports whether the outcome may proceed to registration.
func (o *ValidationOutcome) Registrable() bool {
	return o.Status == StatusValid || o.Status == StatusFixed
}

// RegistrationStatus classifies the result of registering one outcome.
type RegistrationStatus string

const (
	RegistrationCreated RegistrationStatus = "created"
	RegistrationSkipped RegistrationStatus = "skipped"
	RegistrationFailed  RegistrationStatus = "failed"
)

// RegistrationResult is the terminal record for one registration attempt.
// Written once.
type RegistrationResult struct {
	TableName    string             `json:"table_name"`
	KPIName      string             `json:"kpi_name"`
	CollectionID int                `json:"collection_id"`
	QuestionID   int                `json:"question_id,omitempty"`
	Status       RegistrationStatus `json:"status"`
	Error        string             `json:"error,omitempty"`
}
