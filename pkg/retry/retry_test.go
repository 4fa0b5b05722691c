package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ekaya-inc/kpi-engine/pkg/apperrors"
)

func testConfig() *Config {
	return &Config{
		MaxRetries:   3,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxRetries != 3 {
		t.Errorf("expected MaxRetries=3, got %d", cfg.MaxRetries)
	}
	if cfg.InitialDelay != 500*time.Millisecond {
		t.Errorf("expected InitialDelay=500ms, got %v", cfg.InitialDelay)
	}
	if cfg.Multiplier != 2.0 {
		t.Errorf("expected Multiplier=2.0, got %f", cfg.Multiplier)
	}
}

func TestDo_Success(t *testing.T) {
	callCount := 0
	err := Do(context.Background(), testConfig(), func() error {
		callCount++
		return nil
	})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	callCount := 0
	err := Do(context.Background(), testConfig(), func() error {
		callCount++
		if callCount < 3 {
			return errors.New("transient")
		}
		return nil
	})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if callCount != 3 {
		t.Errorf("expected 3 calls, got %d", callCount)
	}
}

func TestDo_AllRetriesExhausted(t *testing.T) {
	callCount := 0
	wantErr := errors.New("persistent failure")
	err := Do(context.Background(), testConfig(), func() error {
		callCount++
		return wantErr
	})

	if !errors.Is(err, wantErr) {
		t.Errorf("expected %v, got %v", wantErr, err)
	}
	if callCount != 4 { // initial + 3 retries
		t.Errorf("expected 4 calls, got %d", callCount)
	}
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	callCount := 0
	errCh := make(chan error, 1)
	go func() {
		errCh <- Do(ctx, &Config{
			MaxRetries:   10,
			InitialDelay: time.Second,
			MaxDelay:     time.Second,
			Multiplier:   1.0,
		}, func() error {
			callCount++
			return errors.New("transient")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestDoWithResult(t *testing.T) {
	callCount := 0
	got, err := DoWithResult(context.Background(), testConfig(), func() (int, error) {
		callCount++
		if callCount < 2 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
}

type declaredRetryable struct{ retryable bool }

func (e *declaredRetryable) Error() string     { return "declared" }
func (e *declaredRetryable) IsRetryable() bool { return e.retryable }

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"service unavailable sentinel", apperrors.ErrServiceUnavailable, true},
		{"wrapped service unavailable", fmt.Errorf("fetch: %w", apperrors.ErrServiceUnavailable), true},
		{"auth failure sentinel", apperrors.ErrAuthenticationFailed, false},
		{"not found sentinel", apperrors.ErrNotFound, false},
		{"rate limit message", errors.New("HTTP 429 too many requests"), true},
		{"server error message", errors.New("HTTP 503 service unavailable"), true},
		{"client timeout message", errors.New("Client.Timeout exceeded while awaiting headers"), true},
		{"io timeout", errors.New("read tcp: i/o timeout"), true},
		{"bad sql", errors.New("syntax error at or near SELEC"), false},
		{"declared retryable", &declaredRetryable{retryable: true}, true},
		{"declared permanent with retryable text", &declaredRetryable{retryable: false}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestDoIfRetryable_PermanentError(t *testing.T) {
	callCount := 0
	err := DoIfRetryable(context.Background(), testConfig(), func() error {
		callCount++
		return apperrors.ErrAuthenticationFailed
	})

	if !errors.Is(err, apperrors.ErrAuthenticationFailed) {
		t.Errorf("expected auth failure, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("expected 1 call for permanent error, got %d", callCount)
	}
}

func TestDoIfRetryable_TransientError(t *testing.T) {
	callCount := 0
	err := DoIfRetryable(context.Background(), testConfig(), func() error {
		callCount++
		if callCount < 2 {
			return apperrors.ErrServiceUnavailable
		}
		return nil
	})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if callCount != 2 {
		t.Errorf("expected 2 calls, got %d", callCount)
	}
}
