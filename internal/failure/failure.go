package failure

import (
	"context"
	"errors"
	"fmt"
)

// AuthKind distinguishes authentication failures
type AuthKind string

const (
	Unauthenticated AuthKind = "unauthenticated"
	RefreshFailed   AuthKind = "refresh_failed"
)

// AuthError is fatal for a reconciliation run and is never retried
type AuthError struct {
	Kind AuthKind
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("auth error: %s", e.Kind)
	}
	return fmt.Sprintf("auth error: %s: %v", e.Kind, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ServiceKind distinguishes failures of an external collaborator
type ServiceKind string

const (
	RateLimited ServiceKind = "rate_limited"
	Timeout     ServiceKind = "timeout"
	Unavailable ServiceKind = "unavailable"
	NotFound    ServiceKind = "not_found"
)

// ExternalServiceError wraps a failed call to the storage or extraction service
type ExternalServiceError struct {
	Service string
	Kind    ServiceKind
	Err     error
}

func (e *ExternalServiceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Service, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Service, e.Kind, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// ParseError means the extraction output was malformed or ambiguous.
// It is recorded on the receipt and surfaced for manual entry.
type ParseError struct {
	Field  string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return "parse error: " + e.Reason
	}
	return fmt.Sprintf("parse error: %s: %s", e.Field, e.Reason)
}

// NewAuth returns an AuthError of the given kind
func NewAuth(kind AuthKind, err error) error {
	return &AuthError{Kind: kind, Err: err}
}

// NewService returns an ExternalServiceError of the given kind
func NewService(service string, kind ServiceKind, err error) error {
	return &ExternalServiceError{Service: service, Kind: kind, Err: err}
}

// NewParse returns a ParseError for a field
func NewParse(field, reason string) error {
	return &ParseError{Field: field, Reason: reason}
}

// Retryable reports whether err is a transient external failure
func Retryable(err error) bool {
	var svc *ExternalServiceError
	if !errors.As(err, &svc) {
		return false
	}
	switch svc.Kind {
	case RateLimited, Timeout, Unavailable:
		return true
	default:
		return false
	}
}

// IsAuth reports whether err is an AuthError
func IsAuth(err error) bool {
	var auth *AuthError
	return errors.As(err, &auth)
}

// IsParse reports whether err is a ParseError
func IsParse(err error) bool {
	var parse *ParseError
	return errors.As(err, &parse)
}

// Kind is the label used when counting failures in a run summary
type Kind string

const (
	KindAuth        Kind = "auth"
	KindRateLimited Kind = "rate_limited"
	KindTimeout     Kind = "timeout"
	KindUnavailable Kind = "unavailable"
	KindNotFound    Kind = "not_found"
	KindParse       Kind = "parse"
	KindCancelled   Kind = "cancelled"
	KindOther       Kind = "other"
)

// KindOf classifies err for reporting
func KindOf(err error) Kind {
	var (
		auth  *AuthError
		svc   *ExternalServiceError
		parse *ParseError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &auth):
		return KindAuth
	case errors.As(err, &parse):
		return KindParse
	case errors.As(err, &svc):
		switch svc.Kind {
		case RateLimited:
			return KindRateLimited
		case Timeout:
			return KindTimeout
		case Unavailable:
			return KindUnavailable
		case NotFound:
			return KindNotFound
		}
		return KindOther
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindOther
	}
}

// Category returns the operator-facing action for a failure kind
func Category(k Kind) string {
	switch k {
	case KindAuth:
		return "reconnect account"
	case KindRateLimited, KindTimeout, KindUnavailable, KindCancelled:
		return "retry later"
	case KindParse:
		return "needs manual review"
	case KindNotFound:
		return "check configuration"
	default:
		return "investigate"
	}
}

// FromHTTPStatus maps an HTTP status code returned by an external service
func FromHTTPStatus(service string, code int, err error) error {
	switch {
	case code == 401:
		return NewAuth(Unauthenticated, err)
	case code == 404:
		return NewService(service, NotFound, err)
	case code == 408:
		return NewService(service, Timeout, err)
	case code == 429:
		return NewService(service, RateLimited, err)
	case code >= 500:
		return NewService(service, Unavailable, err)
	default:
		return err
	}
}
