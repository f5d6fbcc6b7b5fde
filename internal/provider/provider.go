// Package provider adapts the external language-model completion service.
// The orchestrator core sees one capability: Complete(instructions, context,
// schema) returning a schema-validated JSON object. Raw provider payloads
// never cross this boundary unvalidated.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Request is one completion call. Schema is a JSON Schema document the
// response body must satisfy; Operation labels the call for metrics and
// rate limiting ("classify", "research").
type Request struct {
	Operation    string
	Instructions string
	Context      string
	Schema       json.RawMessage
}

// Client is the single capability the orchestrator core consumes from its
// environment.
type Client interface {
	Complete(ctx context.Context, req Request) (json.RawMessage, error)
}

// Error is the typed failure of the completion capability. Transient errors
// (timeouts, 5xx, connection failures) may be retried by callers; everything
// else must not be.
type Error struct {
	Transient bool
	Status    int // HTTP status when applicable, 0 otherwise
	Err       error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Status != 0 {
		return fmt.Sprintf("provider error (%s, status %d): %v", kind, e.Status, e.Err)
	}
	return fmt.Sprintf("provider error (%s): %v", kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transient provider error.
func IsTransient(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return false
}
