// Package service applies request policy on top of the stores: defaults,
// bounds, and the encode/decode orchestration around the crypto engine.
package service

import "fmt"

// ValidationError reports input rejected before any store mutation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
