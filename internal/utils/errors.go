package utils

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ksred/schemaflow/internal/migrations"
)

var (
	// ErrValidation is returned when request input is rejected
	ErrValidation = errors.New("validation error")

	// ErrConflict is returned when a request cannot proceed given the
	// current state, such as a plan carrying warnings under a strict policy
	ErrConflict = errors.New("conflict")

	// ErrUnauthorized is returned when credentials are missing or wrong
	ErrUnauthorized = errors.New("unauthorized")
)

// ValidationError represents an error that occurs during input validation
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// ConflictError explains why the request was refused
type ConflictError struct {
	Resource string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s", e.Resource, e.Reason)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// RequiredFieldError creates a validation error for a missing field
func RequiredFieldError(field string) error {
	return &ValidationError{Field: field, Message: "field is required"}
}

// InvalidFieldError creates a validation error for an unusable value
func InvalidFieldError(field string, cause error) error {
	return &ValidationError{Field: field, Message: cause.Error()}
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsConflictError checks if an error is a conflict error
func IsConflictError(err error) bool {
	return errors.Is(err, ErrConflict)
}

// ErrorCode classifies an error into a stable, machine-readable code shared
// by the HTTP and MCP surfaces
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, migrations.ErrLockUnavailable):
		return "lock_unavailable"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case migrations.IsNotFoundError(err), migrations.IsNodeNotFoundError(err):
		return "migration_not_found"
	case migrations.IsCircularDependencyError(err):
		return "circular_dependency"
	case migrations.IsDependencyError(err):
		return "dependency_error"
	case migrations.IsIrreversibleError(err):
		return "irreversible"
	case migrations.IsInvalidMigrationError(err):
		return "invalid_migration"
	case migrations.IsDatabaseError(err):
		return "database_error"
	default:
		return "internal_error"
	}
}

// StatusCode maps an error onto the HTTP status the API answers with
func StatusCode(err error) int {
	switch ErrorCode(err) {
	case "":
		return http.StatusOK
	case "unauthorized":
		return http.StatusUnauthorized
	case "validation_error":
		return http.StatusBadRequest
	case "migration_not_found":
		return http.StatusNotFound
	case "lock_unavailable", "conflict", "irreversible":
		return http.StatusConflict
	case "circular_dependency", "dependency_error", "invalid_migration":
		return http.StatusUnprocessableEntity
	case "database_error":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
