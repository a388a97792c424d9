// Package ingesterr carries the ingestion error taxonomy. Components
// classify errors at their boundary; the SourceManager is the only place
// that turns a classification into a retry, abort, or circuit-break
// decision.
package ingesterr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies an ingestion error for the retry policy
type Kind string

const (
	KindUnknown           Kind = "unknown"
	KindTransient         Kind = "transient"          // Network timeout, 429, 5xx: retried with backoff
	KindPermanent         Kind = "permanent"          // Other 4xx, parse/schema mismatch: aborts the run
	KindResourceExhausted Kind = "resource_exhausted" // Limiter deadline, concurrency saturation
	KindDataIntegrityRisk Kind = "data_integrity"     // Dedup store unavailable: halt the source
)

// Error wraps a cause with its classification and the failing operation
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient marks err as retryable
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Permanent marks err as non-retryable within the run
func Permanent(op string, err error) error {
	return &Error{Kind: KindPermanent, Op: op, Err: err}
}

// ResourceExhausted marks err as a saturation condition
func ResourceExhausted(op string, err error) error {
	return &Error{Kind: KindResourceExhausted, Op: op, Err: err}
}

// DataIntegrityRisk marks err as a dedup-store availability failure
func DataIntegrityRisk(op string, err error) error {
	return &Error{Kind: KindDataIntegrityRisk, Op: op, Err: err}
}

// KindOf extracts the classification from an error chain. Deadline and
// plain network errors classify as transient even when unwrapped.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransient
	}
	return KindUnknown
}

// Retryable reports whether the retry policy may re-attempt after err
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}

// FromStatusCode classifies an HTTP response status
func FromStatusCode(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindTransient
	case code >= 500:
		return KindTransient
	case code >= 400:
		return KindPermanent
	default:
		return KindUnknown
	}
}
