package metabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/kpi-engine/pkg/apperrors"
	"github.com/ekaya-inc/kpi-engine/pkg/logging"
)

// Column describes one result column of an ad-hoc query.
type Column struct {
	Name     string `json:"name"`
	BaseType string `json:"base_type"`
}

// QueryResult is a successful ad-hoc query execution. Zero rows is a
// legitimate result, not an error.
type QueryResult struct {
	Rows        [][]any  `json:"rows"`
	Cols        []Column `json:"cols"`
	RunningTime int      `json:"running_time"`
}

// QueryError is a database-level execution failure reported by Metabase
// for a syntactically delivered query. It is not retryable: the SQL
// itself is at fault.
type QueryError struct {
	Message string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query execution failed: %s", e.Message)
}

// IsRetryable implements retry.RetryableError.
func (e *QueryError) IsRetryable() bool { return false }

// datasetResponse is the envelope of POST /api/dataset.
type datasetResponse struct {
	Status      string `json:"status"`
	Error       string `json:"error"`
	RunningTime int    `json:"running_time"`
	Data        *struct {
		Rows [][]any  `json:"rows"`
		Cols []Column `json:"cols"`
	} `json:"data"`
}

// RunQuery executes raw SQL against the given database through
// POST /api/dataset. Metabase answers 200 or 202 for delivered queries
// and reports database-level failures inside the body, so both layers
// are inspected.
func (c *Client) RunQuery(ctx context.Context, sess Session, databaseID int, sql string) (*QueryResult, error) {
	body := map[string]any{
		"type": "native",
		"native": map[string]any{
			"query":         sql,
			"template-tags": map[string]any{},
		},
		"database": databaseID,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/dataset", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(sessionHeader, sess.Token)

	c.logger.Debug("executing query",
		zap.Int("database_id", databaseID),
		zap.String("sql", logging.SanitizeQuery(sql)))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrServiceUnavailable, logging.SanitizeError(err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	// 200 and 202 are both success envelopes; anything else is transport.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		if err := classifyStatus(resp.StatusCode, http.MethodPost, "/api/dataset", data); err != nil {
			return nil, err
		}
	}

	var envelope datasetResponse
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode dataset response: %w", err)
	}

	if envelope.Status == "failed" || envelope.Error != "" {
		msg := envelope.Error
		if msg == "" {
			msg = "unknown execution error"
		}
		return nil, &QueryError{Message: msg}
	}

	if envelope.Data == nil {
		return nil, &QueryError{Message: "response carried no result data"}
	}

	return &QueryResult{
		Rows:        envelope.Data.Rows,
		Cols:        envelope.Data.Cols,
		RunningTime: envelope.RunningTime,
	}, nil
}
