// Package metabase is a client for the subset of the Metabase REST API the
// pipeline needs: session login, table metadata, ad-hoc SQL execution, and
// saved question (card) management.
package metabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/kpi-engine/pkg/apperrors"
	"github.com/ekaya-inc/kpi-engine/pkg/logging"
)

const sessionHeader = "X-Metabase-Session"

// Session is an authenticated Metabase session. It is an explicit value
// threaded through every call; renewal means calling Login again.
type Session struct {
	Token    string
	IssuedAt time.Time
}

// Valid reports whether the session carries a token.
func (s Session) Valid() bool {
	return s.Token != ""
}

// Client talks to a single Metabase instance.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a Metabase client. The timeout bounds every request,
// including ad-hoc query execution.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger.Named("metabase"),
	}
}

// Login authenticates with username/password and returns a new Session.
// A rejected login maps to apperrors.ErrAuthenticationFailed.
func (c *Client) Login(ctx context.Context, username, password string) (Session, error) {
	body := map[string]string{
		"username": username,
		"password": password,
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, nil, http.MethodPost, "/api/session", body, &resp); err != nil {
		return Session{}, fmt.Errorf("%w: %s", apperrors.ErrAuthenticationFailed, logging.SanitizeError(err))
	}
	if resp.ID == "" {
		return Session{}, fmt.Errorf("%w: no session id in response", apperrors.ErrAuthenticationFailed)
	}

	c.logger.Info("authenticated with Metabase", zap.String("base_url", logging.SanitizeURL(c.baseURL)))

	return Session{Token: resp.ID, IssuedAt: time.Now()}, nil
}

// do issues one JSON request. A nil session is only valid for the login
// endpoint. Status codes map onto the pipeline's error kinds.
func (c *Client) do(ctx context.Context, sess *Session, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sess != nil {
		req.Header.Set(sessionHeader, sess.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", apperrors.ErrServiceUnavailable, logging.SanitizeError(err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if err := classifyStatus(resp.StatusCode, method, path, data); err != nil {
		return err
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s %s response: %w", method, path, err)
		}
	}
	return nil
}

// classifyStatus maps HTTP status codes onto the pipeline's error kinds.
func classifyStatus(status int, method, path string, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s %s returned %d", apperrors.ErrAuthenticationFailed, method, path, status)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", apperrors.ErrNotFound, method, path)
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: %s %s returned %d", apperrors.ErrServiceUnavailable, method, path, status)
	default:
		return fmt.Errorf("%s %s returned %d: %s", method, path, status, snippet(body))
	}
}

func snippet(body []byte) string {
	s := string(body)
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
