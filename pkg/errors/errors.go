package errors

import (
	"errors"
	"fmt"
)

// AppError provides a structured error that can be rendered to connected clients.
// Code groups errors by domain: 1xxx authentication, 2xxx races, 3xxx tests,
// 4xxx quota and validation, 5xxx server.
type AppError struct {
	Code     int    `json:"code"`
	Kind     string `json:"kind"`
	Message  string `json:"message"`
	Details  any    `json:"details,omitempty"`
	Internal error  `json:"-"`
}

func (e *AppError) Error() string {
	if e == nil {
		return "<nil>"
	}

	if e.Internal != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Internal)
	}

	return e.Message
}

// Unwrap exposes the internal error for errors.Is / errors.As compatibility.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Internal
}

// WithInternal returns a copy of the AppError with an attached internal error.
func (e *AppError) WithInternal(err error) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Internal = err
	return &cpy
}

// WithDetails returns a copy of the AppError carrying extra client-safe context.
func (e *AppError) WithDetails(details any) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Details = details
	return &cpy
}

// Common errors exposed to the rest of the engine.
var (
	ErrAuthRequired = &AppError{
		Code:    1001,
		Kind:    "AUTH_REQUIRED",
		Message: "Authentication required",
	}

	ErrAuthInvalid = &AppError{
		Code:    1002,
		Kind:    "AUTH_INVALID",
		Message: "Invalid or expired credentials",
	}

	ErrAuthForbidden = &AppError{
		Code:    1003,
		Kind:    "AUTH_FORBIDDEN",
		Message: "Permission denied",
	}

	ErrTooManyConnections = &AppError{
		Code:    1004,
		Kind:    "TOO_MANY_CONNECTIONS",
		Message: "Connection limit reached for this account",
	}

	ErrRaceNotFound = &AppError{
		Code:    2001,
		Kind:    "RACE_NOT_FOUND",
		Message: "Race not found",
	}

	ErrRaceFull = &AppError{
		Code:    2002,
		Kind:    "RACE_FULL",
		Message: "Race is full",
	}

	ErrRaceStarted = &AppError{
		Code:    2003,
		Kind:    "RACE_STARTED",
		Message: "Race has already started",
	}

	ErrRaceFinished = &AppError{
		Code:    2004,
		Kind:    "RACE_FINISHED",
		Message: "Race has already finished",
	}

	ErrNotInRace = &AppError{
		Code:    2005,
		Kind:    "NOT_IN_RACE",
		Message: "You are not part of this race",
	}

	ErrTestNotFound = &AppError{
		Code:    3001,
		Kind:    "TEST_NOT_FOUND",
		Message: "Typing test not found",
	}

	ErrTestExpired = &AppError{
		Code:    3002,
		Kind:    "TEST_EXPIRED",
		Message: "Typing test has expired",
	}

	ErrTestCompleted = &AppError{
		Code:    3003,
		Kind:    "TEST_COMPLETED",
		Message: "Typing test is already completed",
	}

	ErrNoWordlists = &AppError{
		Code:    3004,
		Kind:    "NO_WORDLISTS_AVAILABLE",
		Message: "No word lists available",
	}

	ErrRateLimited = &AppError{
		Code:    4001,
		Kind:    "RATE_LIMITED",
		Message: "Too many requests, please slow down",
	}

	ErrValidation = &AppError{
		Code:    4002,
		Kind:    "VALIDATION_ERROR",
		Message: "Invalid request payload",
	}

	ErrInternalServer = &AppError{
		Code:    5001,
		Kind:    "SERVER_ERROR",
		Message: "Internal server error",
	}

	ErrSlowConsumer = &AppError{
		Code:    5002,
		Kind:    "SLOW_CONSUMER",
		Message: "Connection closed due to backpressure",
	}
)

// New builds a new application error with the provided metadata.
func New(code int, kind, message string) *AppError {
	return &AppError{
		Code:    code,
		Kind:    kind,
		Message: message,
	}
}

// Wrap turns any error into an AppError while keeping the original error for logging.
func Wrap(err error, message string) *AppError {
	return &AppError{
		Code:     ErrInternalServer.Code,
		Kind:     ErrInternalServer.Kind,
		Message:  message,
		Internal: err,
	}
}

// FromError converts a generic error into an AppError, defaulting to ErrInternalServer.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	return ErrInternalServer.WithInternal(err)
}
