// Package apperrors defines the typed errors surfaced by the task service.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindInvalidTransition
	KindInvalidOperation
	KindNotFound
	KindEngine
	KindTimeout
	KindResourceExhausted
	KindConflict
)

// Code is the stable, user-visible error code
type Code string

const (
	CodeInternal          Code = "INTERNAL_ERROR"
	CodeValidation        Code = "VALIDATION_ERROR"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeInvalidOperation  Code = "INVALID_OPERATION"
	CodeNotFound          Code = "NOT_FOUND"
	CodeEngine            Code = "ENGINE_ERROR"
	CodeTimeout           Code = "TIMEOUT"
	CodeResourceExhausted Code = "RESOURCE_EXHAUSTED"
	CodeConflict          Code = "CONFLICT"
)

var kindCodes = map[Kind]Code{
	KindInternal:          CodeInternal,
	KindValidation:        CodeValidation,
	KindInvalidTransition: CodeInvalidTransition,
	KindInvalidOperation:  CodeInvalidOperation,
	KindNotFound:          CodeNotFound,
	KindEngine:            CodeEngine,
	KindTimeout:           CodeTimeout,
	KindResourceExhausted: CodeResourceExhausted,
	KindConflict:          CodeConflict,
}

// Code returns the stable code of the kind
func (k Kind) Code() Code {
	if c, ok := kindCodes[k]; ok {
		return c
	}
	return CodeInternal
}

func (k Kind) String() string {
	return string(k.Code())
}

// Error is the typed error carried through the service
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Cause != nil {
		if msg == "" {
			msg = e.Cause.Error()
		} else {
			msg = msg + ": " + e.Cause.Error()
		}
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: [%s] %s", e.Op, e.Kind.Code(), msg)
	}
	return fmt.Sprintf("[%s] %s", e.Kind.Code(), msg)
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Cause
}

// Code returns the stable error code
func (e *Error) Code() Code {
	return e.Kind.Code()
}

// HTTPStatus maps the error kind to an HTTP status
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidTransition, KindInvalidOperation, KindConflict:
		return http.StatusConflict
	case KindResourceExhausted:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindEngine:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// New creates an error of the given kind
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Cause: err}
}

// Validation creates a validation error
func Validation(op, format string, args ...any) *Error {
	return New(KindValidation, op, format, args...)
}

// NotFound creates a not-found error for an entity id
func NotFound(op, entity, id string) *Error {
	return New(KindNotFound, op, "%s %s not found", entity, id)
}

// InvalidTransition names the attempted operation and the current status
func InvalidTransition(op, operation, status string) *Error {
	return New(KindInvalidTransition, op, "cannot %s task in status %s", operation, status)
}

// InvalidOperation creates an invalid-operation error
func InvalidOperation(op, format string, args ...any) *Error {
	return New(KindInvalidOperation, op, format, args...)
}

// Conflict reports a lost optimistic concurrency check
func Conflict(op, id string, version int64) *Error {
	return New(KindConflict, op, "task %s changed concurrently (expected version %d)", id, version)
}

// ResourceExhausted reports a capacity limit
func ResourceExhausted(op, format string, args ...any) *Error {
	return New(KindResourceExhausted, op, format, args...)
}

// KindOf returns the kind of the first *Error in the chain, KindInternal otherwise
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// HTTPStatus maps any error to an HTTP status
func HTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// CodeOf returns the stable code for any error
func CodeOf(err error) Code {
	return KindOf(err).Code()
}
