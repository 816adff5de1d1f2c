package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ValidationError is returned when caller-supplied data is missing or malformed.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// GatewayTransientError is a provider failure worth retrying later
// (network, timeout, 5xx, 429).
type GatewayTransientError struct {
	Provider   string
	Operation  string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *GatewayTransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s unavailable after %d attempt(s): status %d", e.Provider, e.Operation, e.Attempts, e.StatusCode)
	}
	return fmt.Sprintf("%s %s unavailable after %d attempt(s): %v", e.Provider, e.Operation, e.Attempts, e.Err)
}

func (e *GatewayTransientError) Unwrap() error { return e.Err }

// GatewayRejectedError is a provider 4xx. Retrying the same request will not help.
type GatewayRejectedError struct {
	Provider   string
	Operation  string
	StatusCode int
	Message    string
}

func (e *GatewayRejectedError) Error() string {
	return fmt.Sprintf("%s rejected %s (status %d): %s", e.Provider, e.Operation, e.StatusCode, e.Message)
}

// InvalidStateError is returned when an operation does not apply to the
// entity's current state.
type InvalidStateError struct {
	Entity    string
	ID        string
	Current   string
	Operation string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s %s in state %q", e.Operation, e.Entity, e.ID, e.Current)
}

// NotFoundError is returned when an internal or external identifier is unknown.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// PlanNotConfiguredError is returned when a plan has no billing-provider plan id.
type PlanNotConfiguredError struct {
	PlanID string
}

func (e *PlanNotConfiguredError) Error() string {
	return fmt.Sprintf("plan %s has no external billing plan configured", e.PlanID)
}

// IsNotFound reports whether err carries a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsTransient reports whether err is a retryable gateway failure.
func IsTransient(err error) bool {
	var target *GatewayTransientError
	return errors.As(err, &target)
}
