package services

import "errors"

type ErrorCode string

const (
	ErrorInvalid      ErrorCode = "invalid"
	ErrorNotFound     ErrorCode = "not_found"
	ErrorConflict     ErrorCode = "conflict"
	ErrorUnauthorized ErrorCode = "unauthorized"
	// ErrorConfig marks a configuration gap (missing media reference for a
	// condition/scenario pair). Fatal at startup or assignment time, never
	// recoverable per participant.
	ErrorConfig ErrorCode = "config"
	// ErrorInconsistent marks durable state the resolver cannot classify,
	// such as a fully answered position that was never advanced past.
	ErrorInconsistent ErrorCode = "inconsistent"
)

type ServiceError struct {
	Code    ErrorCode
	Message string
}

func (e *ServiceError) Error() string { return e.Message }

func NewInvalidError(msg string) error      { return &ServiceError{Code: ErrorInvalid, Message: msg} }
func NewNotFoundError(msg string) error     { return &ServiceError{Code: ErrorNotFound, Message: msg} }
func NewConflictError(msg string) error     { return &ServiceError{Code: ErrorConflict, Message: msg} }
func NewUnauthorizedError(msg string) error { return &ServiceError{Code: ErrorUnauthorized, Message: msg} }
func NewConfigError(msg string) error       { return &ServiceError{Code: ErrorConfig, Message: msg} }
func NewInconsistentError(msg string) error { return &ServiceError{Code: ErrorInconsistent, Message: msg} }

func AsServiceError(err error) (*ServiceError, bool) {
	var se *ServiceError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
