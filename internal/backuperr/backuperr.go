// Package backuperr classifies the failures a backup run can meet so the
// orchestrator can decide between retrying, skipping an item and aborting.
package backuperr

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the broad failure category.
type Kind string

const (
	KindAuth       Kind = "auth"
	KindTransient  Kind = "transient"
	KindThrottled  Kind = "throttled"
	KindValidation Kind = "validation"
	KindGone       Kind = "gone"
	KindStoreIO    Kind = "store_io"
)

// Error is a classified failure. Op names the operation (list, fetch, put...)
// and Key the item it concerned, when there is one.
type Error struct {
	Kind       Kind
	Op         string
	Key        string
	RetryAfter time.Duration // throttling hint from the remote, 0 if none
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Key != "" {
		msg += " [" + e.Key + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure may succeed on a later attempt
// within the same run. Auth is retryable once, after a credential refresh.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindAuth, KindTransient, KindThrottled:
		return true
	}
	return false
}

// Fatal reports whether the failure must abort the whole run.
func (e *Error) Fatal() bool {
	return e.Kind == KindStoreIO
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Auth wraps a credential rejection (401-equivalent).
func Auth(op string, err error) *Error { return newError(KindAuth, op, err) }

// Transient wraps a network failure worth retrying with backoff.
func Transient(op string, err error) *Error { return newError(KindTransient, op, err) }

// Throttled wraps a rate-limit response. retryAfter may be zero.
func Throttled(op string, retryAfter time.Duration, err error) *Error {
	e := newError(KindThrottled, op, err)
	e.RetryAfter = retryAfter
	return e
}

// Validation wraps content that failed post-fetch validation.
func Validation(op string, err error) *Error { return newError(KindValidation, op, err) }

// Gone reports an item that vanished from the remote after enumeration.
func Gone(op string, err error) *Error { return newError(KindGone, op, err) }

// StoreIO wraps a state store medium failure.
func StoreIO(op string, err error) *Error { return newError(KindStoreIO, op, err) }

// WithKey returns a copy of e annotated with the item key.
func (e *Error) WithKey(key fmt.Stringer) *Error {
	c := *e
	c.Key = key.String()
	return &c
}

// KindOf returns the kind of the first classified error in the chain, or ""
// when err carries no classification.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err is classified with kind k.
func Is(err error, k Kind) bool { return err != nil && KindOf(err) == k }

func IsAuth(err error) bool       { return Is(err, KindAuth) }
func IsTransient(err error) bool  { return Is(err, KindTransient) }
func IsThrottled(err error) bool  { return Is(err, KindThrottled) }
func IsValidation(err error) bool { return Is(err, KindValidation) }
func IsGone(err error) bool       { return Is(err, KindGone) }
func IsStoreIO(err error) bool    { return Is(err, KindStoreIO) }

// RetryAfter extracts a throttling hint from err, if any.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
