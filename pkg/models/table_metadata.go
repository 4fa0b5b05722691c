package models

import "strings"

// Semantic tag constants for fields, normalized from Metabase semantic types.
const (
	SemanticPrimaryKey = "primary_key"
	SemanticForeignKey = "foreign_key"
	SemanticTimestamp  = "timestamp"
	SemanticCost       = "cost"
)

// TableMetadata holds everything the pipeline knows about one table.
// Produced by the metadata fetcher and read-only afterward.
type TableMetadata struct {
	TableID     int    `json:"table_id"`
	DatabaseID  int    `json:"database_id"`
	Name        string `json:"name"`
	Schema      string `json:"schema,omitempty"`
	Description string `json:"description,omitempty"`
	EntityType  string `json:"entity_type,omitempty"`

	// Fields is the ordered field list as reported by Metabase,
	// deduplicated by name.
	Fields []FieldInfo `json:"field_details"`

	// TotalFields is the count before any prompt-size truncation.
	TotalFields int `json:"total_fields"`

	// Relationships inferred from FK metadata. Unresolved targets are
	// kept with Resolved=false rather than dropped.
	Relationships []Relationship `json:"relationships,omitempty"`
}

// FieldInfo describes a single column. Immutable once extracted.
type FieldInfo struct {
	Name         string         `json:"name"`
	Type         string         `json:"type"`
	Description  string         `json:"description,omitempty"`
	SemanticType string         `json:"semantic_type,omitempty"`
	ForeignKey   *ForeignKeyRef `json:"foreign_key,omitempty"`
}

// ForeignKeyRef points at the target of a foreign key field.
type ForeignKeyRef struct {
	TargetTable string `json:"target_table"`
	TargetField string `json:"target_field"`
}

// Relationship describes an inferred link from one of this table's fields
// to another table.
type Relationship struct {
	FromField   string `json:"from_field"`
	TargetTable string `json:"target_table"`
	TargetField string `json:"target_field"`
	Resolved    bool   `json:"resolved"`
}

// FieldNames returns the field names in declaration order.
func (m *TableMetadata) FieldNames() []string {
	names := make([]string, len(m.Fields))
	for i, f := range m.Fields {
		names[i] = f.Name
	}
	return names
}

// HasField reports whether the table declares a field with the given
// name. SQL identifiers are case-insensitive, so the match is too.
func (m *TableMetadata) HasField(name string) bool {
	for _, f := range m.Fields {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// IsTemporal reports whether the field holds a date or timestamp.
func (f *FieldInfo) IsTemporal() bool {
	if f.SemanticType == SemanticTimestamp {
		return true
	}
	switch f.Type {
	case "type/DateTime", "type/DateTimeWithTZ", "type/DateTimeWithLocalTZ", "type/Date", "type/Timestamp":
		return true
	}
	return false
}

// FirstTemporalField returns the name of the first date/timestamp field,
// or the empty string if the table has none.
func (m *TableMetadata) FirstTemporalField() string {
	for _, f := range m.Fields {
		if f.IsTemporal() {
			return f.Name
		}
	}
	return ""
}

// ForeignKeyCount returns the number of fields carrying FK metadata.
func (m *TableMetadata) ForeignKeyCount() int {
	n := 0
	for _, f := range m.Fields {
		if f.ForeignKey != nil {
			n++
		}
	}
	return n
}
