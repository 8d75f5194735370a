package model

import (
	"errors"
	"fmt"
	"time"
)

// Code classifies a domain failure. Domain faults are result values, not
// programming errors; they carry exactly one code and surface to callers
// per the propagation rules of the engine.
type Code string

const (
	CodeValidation   Code = "VALIDATION"
	CodeNotFound     Code = "NOT_FOUND"
	CodeStale        Code = "STALE"
	CodeForbidden    Code = "FORBIDDEN"
	CodeRateLimited  Code = "RATE_LIMITED"
	CodePrecondition Code = "PRECONDITION"
	CodeTransient    Code = "TRANSIENT"
	CodeOverloaded   Code = "OVERLOADED"
	CodeInternal     Code = "INTERNAL"
)

// Fault is a classified domain error.
type Fault struct {
	Code       Code
	Message    string
	RetryAfter time.Duration // set on RATE_LIMITED
	cause      error
}

func (f *Fault) Error() string {
	if f.cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Message, f.cause)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func (f *Fault) Unwrap() error { return f.cause }

// New builds a fault with the given code and message.
func New(code Code, msg string) *Fault {
	return &Fault{Code: code, Message: msg}
}

// Newf builds a fault with a formatted message.
func Newf(code Code, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(code Code, err error, msg string) *Fault {
	return &Fault{Code: code, Message: msg, cause: err}
}

// RateLimited builds a RATE_LIMITED fault with a retry-after hint.
func RateLimited(retryAfter time.Duration) *Fault {
	return &Fault{
		Code:       CodeRateLimited,
		Message:    fmt.Sprintf("rate limit exceeded, retry in %s", retryAfter.Round(time.Second)),
		RetryAfter: retryAfter,
	}
}

// CodeOf extracts the fault code from an error chain, defaulting to
// INTERNAL for unclassified errors.
func CodeOf(err error) Code {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return CodeInternal
}

// IsCode reports whether the error chain carries the given code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
