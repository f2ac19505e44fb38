// Package errors provides custom error types for the ordersync system.
// These errors enable programmatic error checking across the registry,
// the transports and the client session, and map cleanly onto HTTP responses.
package errors

import (
	"errors"
	"fmt"
)

// New returns an error that formats as the given text.
// It's an alias for the standard library errors.New for convenience.
var New = errors.New

// Is and As are the standard library helpers, re-exported so callers that
// import this package under the name errors keep access to them.
var (
	Is = errors.Is
	As = errors.As
)

// Common sentinel errors for the ordersync system
var (
	// ErrNotFound indicates that a requested resource was not found
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates that provided input was invalid
	ErrInvalidInput = errors.New("invalid input")

	// ErrRoomMismatch indicates an envelope addressed to a different restaurant than the room
	ErrRoomMismatch = errors.New("room mismatch")

	// ErrFatalSubscription indicates a subscription that must not be retried
	ErrFatalSubscription = errors.New("fatal subscription error")

	// ErrQueueFull indicates a member could not keep up with its room
	ErrQueueFull = errors.New("queue full")

	// ErrClosed indicates an operation on a closed session or member
	ErrClosed = errors.New("closed")

	// ErrUnauthorized indicates a rejected credential
	ErrUnauthorized = errors.New("unauthorized")
)

// NotFoundError represents an error when a resource is not found
type NotFoundError struct {
	Resource string
	ID       string
}

// Error implements the error interface
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %s not found", e.Resource, e.ID)
}

// Is implements errors.Is support
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NewNotFoundError creates a new NotFoundError
func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// ValidationError represents a validation failure
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// Is implements errors.Is support
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// NewValidationError creates a new ValidationError
func NewValidationError(field string, value any, message string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Message: message}
}

// RoomMismatchError is returned when an envelope for one restaurant reaches
// a consumer scoped to another.
type RoomMismatchError struct {
	Expected string
	Got      string
}

// Error implements the error interface
func (e *RoomMismatchError) Error() string {
	return fmt.Sprintf("envelope for restaurant %s delivered to room of restaurant %s", e.Got, e.Expected)
}

// Is implements errors.Is support
func (e *RoomMismatchError) Is(target error) bool {
	return target == ErrRoomMismatch
}

// NewRoomMismatchError creates a new RoomMismatchError
func NewRoomMismatchError(expected, got string) *RoomMismatchError {
	return &RoomMismatchError{Expected: expected, Got: got}
}

// SubscriptionError is a fatal error reported by the server for a subscription.
// The session stops retrying when it receives one.
type SubscriptionError struct {
	Restaurant string
	Role       string
	Code       string
	Message    string
	Err        error
}

// Error implements the error interface
func (e *SubscriptionError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("subscription to %s/%s rejected (%s): %s", e.Restaurant, e.Role, e.Code, e.Message)
	}
	return fmt.Sprintf("subscription to %s/%s rejected: %s", e.Restaurant, e.Role, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *SubscriptionError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is support
func (e *SubscriptionError) Is(target error) bool {
	return target == ErrFatalSubscription
}

// NewSubscriptionError creates a new SubscriptionError
func NewSubscriptionError(restaurant, role, code, message string) *SubscriptionError {
	return &SubscriptionError{
		Restaurant: restaurant,
		Role:       role,
		Code:       code,
		Message:    message,
	}
}

// TransportError represents a recoverable connection failure
type TransportError struct {
	Operation string // "dial", "read", "write", "handshake"
	Endpoint  string
	Err       error
}

// Error implements the error interface
func (e *TransportError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("transport error during %s of %s: %v", e.Operation, e.Endpoint, e.Err)
	}
	return fmt.Sprintf("transport error during %s: %v", e.Operation, e.Err)
}

// Unwrap implements errors.Unwrap
func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError creates a new TransportError
func NewTransportError(operation, endpoint string, err error) *TransportError {
	return &TransportError{
		Operation: operation,
		Endpoint:  endpoint,
		Err:       err,
	}
}

// ConfigError represents a configuration error
type ConfigError struct {
	Component string
	Message   string
	Err       error
}

// Error implements the error interface
func (e *ConfigError) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("configuration error in %s: %s", e.Component, e.Message)
	}
	return fmt.Sprintf("configuration error: %s", e.Message)
}

// Unwrap implements errors.Unwrap
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new ConfigError
func NewConfigError(component, message string, err error) *ConfigError {
	return &ConfigError{
		Component: component,
		Message:   message,
		Err:       err,
	}
}

// ParseError represents an error when parsing data formats
type ParseError struct {
	Format  string // "json", "yaml"
	File    string
	Message string
	Err     error
}

// Error implements the error interface
func (e *ParseError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("parse error in %s file %s: %s", e.Format, e.File, e.Message)
	}
	return fmt.Sprintf("%s parse error: %s", e.Format, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *ParseError) Unwrap() error {
	return e.Err
}

// NewParseError creates a new ParseError
func NewParseError(format, file, message string, err error) *ParseError {
	return &ParseError{
		Format:  format,
		File:    file,
		Message: message,
		Err:     err,
	}
}

// Helper functions for error checking

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsRoomMismatch checks if an error is a room mismatch
func IsRoomMismatch(err error) bool {
	return errors.Is(err, ErrRoomMismatch)
}

// IsFatal checks if an error must stop a subscription from retrying
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatalSubscription)
}

// WrapValidation wraps an error as a ValidationError
func WrapValidation(field string, err error) error {
	if err == nil {
		return nil
	}
	return &ValidationError{Field: field, Message: err.Error()}
}

// WrapTransport wraps an error as a TransportError
func WrapTransport(operation, endpoint string, err error) error {
	if err == nil {
		return nil
	}
	return NewTransportError(operation, endpoint, err)
}
