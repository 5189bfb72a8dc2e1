// Package apperr implements the gateway's error taxonomy: a small set of
// domain codes with severity and retryability, wrapping the underlying
// cause rather than discarding it.
package apperr

import (
	"errors"
	"fmt"
)

// Code is one of the gateway's domain error codes.
type Code string

const (
	ConnectionFailed    Code = "CONNECTION_FAILED"
	AuthFailed          Code = "AUTH_FAILED"
	SessionNotFound     Code = "SESSION_NOT_FOUND"
	InvalidConfig       Code = "INVALID_CONFIG"
	FileOperationFailed Code = "FILE_OPERATION_FAILED"
	WebSocketError      Code = "WEBSOCKET_ERROR"
	TransferError       Code = "TRANSFER_ERROR"
	ResourceExhausted   Code = "RESOURCE_EXHAUSTED"
	TimeoutError        Code = "TIMEOUT_ERROR"
	ValidationError     Code = "VALIDATION_ERROR"
	NotFound            Code = "NOT_FOUND"
	InternalError       Code = "INTERNAL_ERROR"
)

// Severity ranks how serious an error is, independent of whether it can
// be retried.
type Severity string

const (
	Low      Severity = "low"
	Medium   Severity = "medium"
	High     Severity = "high"
	Critical Severity = "critical"
)

var meta = map[Code]struct {
	severity  Severity
	retryable bool
}{
	ConnectionFailed:    {High, true},
	AuthFailed:          {High, false},
	SessionNotFound:     {Medium, false},
	InvalidConfig:       {Medium, false},
	FileOperationFailed: {Medium, false},
	WebSocketError:      {High, false},
	TransferError:       {Medium, false},
	ResourceExhausted:   {Medium, true},
	TimeoutError:        {Medium, true},
	ValidationError:     {Low, false},
	NotFound:            {Low, false},
	InternalError:       {Critical, false},
}

// Error is the gateway's domain error type. It always carries a Code and
// preserves any underlying cause for errors.As/errors.Unwrap chains.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Severity returns this error's severity per the taxonomy.
func (e *Error) Severity() Severity {
	return meta[e.Code].severity
}

// Retryable reports whether a caller may reasonably retry the operation
// that produced this error.
func (e *Error) Retryable() bool {
	return meta[e.Code].retryable
}

// New builds a domain error with no underlying cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds a domain error around an underlying cause. The new error
// always carries code, even when cause is itself an *Error with another
// code; CodeOf reports the outermost code in the chain, so callers pass
// the code that applies at this layer.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the domain code from err, defaulting to InternalError
// when err is not (or does not wrap) an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return InternalError
}
