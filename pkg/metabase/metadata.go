package metabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Database is one entry from /api/database.
type Database struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Table is one entry from /api/table.
type Table struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Schema      string `json:"schema"`
	Description string `json:"description"`
	DatabaseID  int    `json:"db_id"`
	EntityType  string `json:"entity_type"`
}

// Field is one column from a table's query metadata.
type Field struct {
	ID              int          `json:"id"`
	Name            string       `json:"name"`
	Description     string       `json:"description"`
	EffectiveType   string       `json:"effective_type"`
	SemanticType    string       `json:"semantic_type"`
	FKTargetFieldID *int         `json:"fk_target_field_id"`
	Target          *FieldTarget `json:"target"`
}

// FieldTarget is the resolved target of a foreign key field.
type FieldTarget struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	TableID int    `json:"table_id"`
}

// QueryMetadata is the response of /api/table/:id/query_metadata.
type QueryMetadata struct {
	ID     int     `json:"id"`
	Name   string  `json:"name"`
	Fields []Field `json:"fields"`
}

// ListDatabases returns the databases visible to the session. Metabase
// has returned both a bare array and a {"data": [...]} envelope across
// versions, so both shapes are accepted.
func (c *Client) ListDatabases(ctx context.Context, sess Session) ([]Database, error) {
	var raw json.RawMessage
	if err := c.do(ctx, &sess, http.MethodGet, "/api/database", nil, &raw); err != nil {
		return nil, err
	}
	return decodeListOrEnvelope[Database](raw, "database list")
}

// ListTables returns every table visible to the session.
func (c *Client) ListTables(ctx context.Context, sess Session) ([]Table, error) {
	var tables []Table
	if err := c.do(ctx, &sess, http.MethodGet, "/api/table", nil, &tables); err != nil {
		return nil, err
	}
	return tables, nil
}

// TableQueryMetadata returns field-level metadata for one table.
func (c *Client) TableQueryMetadata(ctx context.Context, sess Session, tableID int) (*QueryMetadata, error) {
	var meta QueryMetadata
	path := fmt.Sprintf("/api/table/%d/query_metadata", tableID)
	if err := c.do(ctx, &sess, http.MethodGet, path, nil, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// GetTable returns a single table by id.
func (c *Client) GetTable(ctx context.Context, sess Session, tableID int) (*Table, error) {
	var table Table
	path := fmt.Sprintf("/api/table/%d", tableID)
	if err := c.do(ctx, &sess, http.MethodGet, path, nil, &table); err != nil {
		return nil, err
	}
	return &table, nil
}

// decodeListOrEnvelope accepts either a bare JSON array or an object with
// a "data" array member.
func decodeListOrEnvelope[T any](raw json.RawMessage, what string) ([]T, error) {
	var list []T
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}

	var envelope struct {
		Data []T `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode %s: %w", what, err)
	}
	return envelope.Data, nil
}
