// Package errs carries the pipeline-wide error taxonomy. Components wrap
// failures with the originating operation and entity reference so callers can
// pick a retry policy from the kind alone: transient failures are retried with
// backoff, configuration failures are surfaced once and need operator action,
// validation failures are rejected before any side effect, and exhausted
// failures are terminal.
package errs

import (
	"errors"
	"fmt"
)

type Kind uint8

const (
	KindTransient Kind = iota + 1
	KindConfiguration
	KindValidation
	KindExhausted
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindConfiguration:
		return "configuration"
	case KindValidation:
		return "validation"
	case KindExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind Kind
	Op   string // originating operation, e.g. "stock.decrement"
	Ref  string // entity context, e.g. product or order id
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Ref != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s [%s]: %v", e.Op, e.Kind, e.Ref, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Ref != "":
		return fmt.Sprintf("%s: %s [%s]", e.Op, e.Kind, e.Ref)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Transient marks a network/availability failure that is safe to retry.
func Transient(op, ref string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Ref: ref, Err: err}
}

// Configuration marks a failure that requires operator action (e.g. a missing
// index); retrying without a deploy cannot fix it.
func Configuration(op, ref string, err error) error {
	return &Error{Kind: KindConfiguration, Op: op, Ref: ref, Err: err}
}

// Validation marks malformed input rejected before any side effect.
func Validation(op, msg string) error {
	return &Error{Kind: KindValidation, Op: op, Err: errors.New(msg)}
}

// Exhausted marks a terminal failure after bounded retries.
func Exhausted(op, ref string, err error) error {
	return &Error{Kind: KindExhausted, Op: op, Ref: ref, Err: err}
}

func isKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

func IsTransient(err error) bool     { return isKind(err, KindTransient) }
func IsConfiguration(err error) bool { return isKind(err, KindConfiguration) }
func IsValidation(err error) bool    { return isKind(err, KindValidation) }
func IsExhausted(err error) bool     { return isKind(err, KindExhausted) }

// KindOf reports the taxonomy kind of err, or zero when err is untyped.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
