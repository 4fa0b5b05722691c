package llm

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantType      ErrorType
		wantRetryable bool
	}{
		{
			name:          "unauthorized",
			err:           errors.New("error, status code: 401, message: invalid api key"),
			wantType:      ErrorTypeAuth,
			wantRetryable: false,
		},
		{
			name:          "model not found",
			err:           errors.New("the model gpt-5-ultra does not exist"),
			wantType:      ErrorTypeModel,
			wantRetryable: false,
		},
		{
			name:          "endpoint 404",
			err:           errors.New("error, status code: 404"),
			wantType:      ErrorTypeEndpoint,
			wantRetryable: false,
		},
		{
			name:          "rate limited",
			err:           errors.New("error, status code: 429, message: rate limit exceeded"),
			wantType:      ErrorTypeRateLimit,
			wantRetryable: true,
		},
		{
			name:          "server error",
			err:           errors.New("error, status code: 503"),
			wantType:      ErrorTypeEndpoint,
			wantRetryable: true,
		},
		{
			name:          "connection refused",
			err:           errors.New("dial tcp 127.0.0.1:8000: connection refused"),
			wantType:      ErrorTypeEndpoint,
			wantRetryable: true,
		},
		{
			name:          "timeout",
			err:           errors.New("context deadline exceeded"),
			wantType:      ErrorTypeEndpoint,
			wantRetryable: true,
		},
		{
			name:          "unknown",
			err:           errors.New("something odd happened"),
			wantType:      ErrorTypeUnknown,
			wantRetryable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyError(tt.err)
			if got.Type != tt.wantType {
				t.Errorf("type = %s, want %s", got.Type, tt.wantType)
			}
			if got.Retryable != tt.wantRetryable {
				t.Errorf("retryable = %v, want %v", got.Retryable, tt.wantRetryable)
			}
		})
	}
}

func TestClassifyError_Nil(t *testing.T) {
	if got := ClassifyError(nil); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}

func TestClassifyError_PreservesStructuredError(t *testing.T) {
	orig := NewError(ErrorTypeRateLimit, "rate limited", true, errors.New("429"))
	wrapped := fmt.Errorf("generate: %w", orig)

	got := ClassifyError(wrapped)
	if got != orig {
		t.Errorf("expected original structured error to be returned")
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	e := NewError(ErrorTypeAuth, "authentication failed", false, cause)

	if !errors.Is(e, cause) {
		t.Error("expected errors.Is to find the cause")
	}
	if e.IsRetryable() != e.Retryable {
		t.Error("IsRetryable should mirror the Retryable field")
	}
}
