package migrations

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds
var (
	// ErrNotFound is returned when a migration or target does not exist
	ErrNotFound = errors.New("migration not found")

	// ErrDependency is returned when dependencies cannot be satisfied or are ambiguous
	ErrDependency = errors.New("dependency error")

	// ErrCircularDependency is returned when the migration graph has a cycle
	ErrCircularDependency = errors.New("circular dependency")

	// ErrInvalidMigration is returned for malformed definitions and operations
	// that do not apply to the current state
	ErrInvalidMigration = errors.New("invalid migration")

	// ErrIrreversible is returned when a backward plan crosses an operation
	// without a reverse
	ErrIrreversible = errors.New("irreversible operation")

	// ErrDatabase is returned when the backend rejects a statement
	ErrDatabase = errors.New("database error")

	// ErrNodeNotFound is returned when a dependency edge points at an unknown node
	ErrNodeNotFound = errors.New("node not found")

	// ErrLockUnavailable is returned when another run holds the migration lock
	ErrLockUnavailable = errors.New("migration lock unavailable")
)

// Location pins an error to a migration and, when known, an operation index.
// Operation is -1 when the error is not tied to one operation.
type Location struct {
	App       string
	Migration string
	Operation int
}

// At builds a location for a whole migration
func At(key Key) Location {
	return Location{App: key.App, Migration: key.Name, Operation: -1}
}

// AtOperation builds a location for one operation of a migration
func AtOperation(key Key, index int) Location {
	return Location{App: key.App, Migration: key.Name, Operation: index}
}

func (l Location) String() string {
	if l.App == "" && l.Migration == "" {
		return ""
	}
	s := l.App + "." + l.Migration
	if l.Operation >= 0 {
		s += fmt.Sprintf("[op %d]", l.Operation)
	}
	return s
}

func prefix(l Location) string {
	if s := l.String(); s != "" {
		return s + ": "
	}
	return ""
}

// NotFoundError reports a reference to a migration that is not loaded
type NotFoundError struct {
	Location Location
	Key      Key
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%smigration %s not found", prefix(e.Location), e.Key)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// DependencyError reports unsatisfiable or ambiguous dependencies
type DependencyError struct {
	Location Location
	Message  string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%sdependency error: %s", prefix(e.Location), e.Message)
}

func (e *DependencyError) Unwrap() error {
	return ErrDependency
}

// CircularDependencyError carries the offending cycle
type CircularDependencyError struct {
	Path []Key
}

func (e *CircularDependencyError) Error() string {
	parts := make([]string, len(e.Path))
	for i, k := range e.Path {
		parts[i] = k.String()
	}
	return "circular dependency: " + strings.Join(parts, " -> ")
}

func (e *CircularDependencyError) Unwrap() error {
	return ErrCircularDependency
}

// InvalidMigrationError reports a malformed migration or an operation that
// does not apply to the replayed state
type InvalidMigrationError struct {
	Location Location
	Message  string
	Cause    error
}

func (e *InvalidMigrationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%sinvalid migration: %s: %v", prefix(e.Location), e.Message, e.Cause)
	}
	return fmt.Sprintf("%sinvalid migration: %s", prefix(e.Location), e.Message)
}

func (e *InvalidMigrationError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrInvalidMigration, e.Cause}
	}
	return []error{ErrInvalidMigration}
}

// IrreversibleError names the operation that blocks a backward plan
type IrreversibleError struct {
	Location  Location
	Operation string
}

func (e *IrreversibleError) Error() string {
	return fmt.Sprintf("%soperation %q cannot be reversed", prefix(e.Location), e.Operation)
}

func (e *IrreversibleError) Unwrap() error {
	return ErrIrreversible
}

// DatabaseError wraps a backend failure with the statement that caused it
type DatabaseError struct {
	Location  Location
	Statement string
	SQLState  string
	Cause     error
}

func (e *DatabaseError) Error() string {
	msg := fmt.Sprintf("%sdatabase error", prefix(e.Location))
	if e.SQLState != "" {
		msg += " [" + e.SQLState + "]"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *DatabaseError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrDatabase, e.Cause}
	}
	return []error{ErrDatabase}
}

// NodeNotFoundError reports a dependency edge to a node that was never added
type NodeNotFoundError struct {
	From    Key
	Missing Key
}

func (e *NodeNotFoundError) Error() string {
	return fmt.Sprintf("migration %s depends on unknown migration %s", e.From, e.Missing)
}

func (e *NodeNotFoundError) Unwrap() error {
	return ErrNodeNotFound
}

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDependencyError checks if an error is a dependency error
func IsDependencyError(err error) bool {
	return errors.Is(err, ErrDependency)
}

// IsCircularDependencyError checks if an error is a cycle in the graph
func IsCircularDependencyError(err error) bool {
	return errors.Is(err, ErrCircularDependency)
}

// IsInvalidMigrationError checks if an error is an invalid migration error
func IsInvalidMigrationError(err error) bool {
	return errors.Is(err, ErrInvalidMigration)
}

// IsIrreversibleError checks if an error is an irreversible operation error
func IsIrreversibleError(err error) bool {
	return errors.Is(err, ErrIrreversible)
}

// IsDatabaseError checks if an error is a database error
func IsDatabaseError(err error) bool {
	return errors.Is(err, ErrDatabase)
}

// IsNodeNotFoundError checks if an error is a dangling graph edge
func IsNodeNotFoundError(err error) bool {
	return errors.Is(err, ErrNodeNotFound)
}

func invalid(loc Location, cause error, format string, args ...interface{}) error {
	return &InvalidMigrationError{Location: loc, Message: fmt.Sprintf(format, args...), Cause: cause}
}
