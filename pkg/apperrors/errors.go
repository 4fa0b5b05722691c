package apperrors

import "errors"

var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrNotFound             = errors.New("not found")
	ErrServiceUnavailable   = errors.New("service unavailable")
	ErrGenerationFailed     = errors.New("kpi generation failed")
	ErrValidationFailed     = errors.New("sql validation failed")
	ErrRegistrationFailed   = errors.New("question registration failed")
)
