package models

import (
	"errors"
	"strings"
)

const maxMessageLength = 32 * 1024

// Validation errors for submission requests
var (
	ErrEmptyMessage       = errors.New("message is required")
	ErrMessageTooLong     = errors.New("message exceeds maximum length")
	ErrInvalidIdempotency = errors.New("idempotency key must not contain whitespace")
)

// SubmitRequest is the body of an execution submission
type SubmitRequest struct {
	// Message is the user's natural-language request
	Message string `json:"message"`

	// IdempotencyKey deduplicates resubmission of the same logical request
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// Source identifies where the request originated
	Source string `json:"source,omitempty"`

	// UserID identifies the requesting user
	UserID string `json:"user_id,omitempty"`
}

// Validate checks the request before any execution is created
func (r *SubmitRequest) Validate() error {
	if strings.TrimSpace(r.Message) == "" {
		return ErrEmptyMessage
	}
	if len(r.Message) > maxMessageLength {
		return ErrMessageTooLong
	}
	if strings.ContainsAny(r.IdempotencyKey, " \t\n\r") {
		return ErrInvalidIdempotency
	}
	return nil
}
