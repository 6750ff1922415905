package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies ingestion failures.
type ErrorKind string

const (
	// KindConfiguration covers missing credentials and malformed repository URLs. Fatal.
	KindConfiguration ErrorKind = "configuration_error"
	// KindRateLimited is an upstream rate-limit response. Retried, then fatal.
	KindRateLimited ErrorKind = "upstream_rate_limited"
	// KindUnavailable is an upstream transport or 5xx failure. Retried, then fatal.
	KindUnavailable ErrorKind = "upstream_unavailable"
	// KindMalformedResponse is a GraphQL error payload or an undecodable body. Fatal.
	KindMalformedResponse ErrorKind = "malformed_response"
	// KindNotFound is a GraphQL NOT_FOUND error. Recoverable with one corrective re-query.
	KindNotFound ErrorKind = "not_found"
	// KindRepositoryNotRegistered is a webhook event for an untracked repository. Reported as a skip.
	KindRepositoryNotRegistered ErrorKind = "repository_not_registered"
)

// Error is a classified ingestion error.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// ConfigurationError builds a KindConfiguration error.
func ConfigurationError(format string, args ...any) error {
	return newError(KindConfiguration, nil, format, args...)
}

// RateLimitedError builds a KindRateLimited error.
func RateLimitedError(err error, format string, args ...any) error {
	return newError(KindRateLimited, err, format, args...)
}

// UnavailableError builds a KindUnavailable error.
func UnavailableError(err error, format string, args ...any) error {
	return newError(KindUnavailable, err, format, args...)
}

// MalformedResponseError builds a KindMalformedResponse error.
func MalformedResponseError(err error, format string, args ...any) error {
	return newError(KindMalformedResponse, err, format, args...)
}

// NotFoundError builds a KindNotFound error.
func NotFoundError(format string, args ...any) error {
	return newError(KindNotFound, nil, format, args...)
}

// NotRegisteredError builds a KindRepositoryNotRegistered error.
func NotRegisteredError(repoURL, branch string) error {
	return newError(KindRepositoryNotRegistered, nil, "no registration for %s branch %s", repoURL, branch)
}

// KindOf returns the classified kind of err, or "" when err is not classified.
func KindOf(err error) ErrorKind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return ""
}

// IsRetryable reports whether err may succeed when retried.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindUnavailable:
		return true
	}
	return false
}

// IsNotFound reports whether err is a recoverable NOT_FOUND.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsNotRegistered reports whether err is a skip for an untracked repository.
func IsNotRegistered(err error) bool {
	return KindOf(err) == KindRepositoryNotRegistered
}

// CollectorErrorFrom converts err into the structured entry stored on a registration.
func CollectorErrorFrom(err error, now time.Time) CollectorError {
	code := string(KindOf(err))
	if code == "" {
		code = "internal_error"
	}
	message := ""
	if err != nil {
		message = err.Error()
	}
	return CollectorError{
		Code:      code,
		Message:   message,
		Timestamp: now.UTC(),
	}
}
