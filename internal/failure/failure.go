// Package failure defines the kind-tagged error taxonomy shared by every component.
// Call sites wrap boundary errors with a Kind so callers can branch with errors.Is
// or KindOf instead of matching strings.
package failure

import (
	"context"
	"errors"
	"fmt"
)

type Kind string

const (
	ConfigInvalid       Kind = "config_invalid"
	Network             Kind = "network"
	AuthMissing         Kind = "auth_missing"
	RateLimited         Kind = "rate_limited"
	Malformed           Kind = "malformed"
	RangeUnsupported    Kind = "range_unsupported"
	ValidationRejected  Kind = "validation_rejected"
	RangeViolation      Kind = "range_violation"
	IngestionEmpty      Kind = "ingestion_empty"
	ModelBelowThreshold Kind = "model_below_threshold"
	InsufficientData    Kind = "insufficient_data"
	StoreConflict       Kind = "store_conflict"
	ChannelFailure      Kind = "channel_failure"
	Throttled           Kind = "throttled"
	Cancelled           Kind = "cancelled"
	Timeout             Kind = "timeout"
	NotFound            Kind = "not_found"
	Internal            Kind = "internal"
)

// Error is a kind-tagged error. Op names the operation that failed.
type Error struct {
	Kind     Kind
	Op       string
	Err      error
	terminal bool
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same kind, so errors.Is(err, failure.Of(failure.Network)) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind && t.Op == "" && t.Err == nil
	}
	return false
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// NewTerminal marks a ChannelFailure (or any kind) as not worth retrying.
func NewTerminal(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err, terminal: true}
}

// Of returns a sentinel for comparisons with errors.Is.
func Of(kind Kind) error { return &Error{Kind: kind} }

// KindOf returns the outermost kind in err's chain. Context errors map to Cancelled and Timeout.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Cancelled
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	}
	return Internal
}

// Terminal reports whether err was marked non-retryable.
func Terminal(err error) bool {
	var fe *Error
	for err != nil {
		if errors.As(err, &fe) {
			if fe.terminal {
				return true
			}
			err = fe.Err
			continue
		}
		return false
	}
	return false
}

// FromContext converts a done context into a Cancelled or Timeout error.
func FromContext(ctx context.Context, op string) error {
	switch ctx.Err() {
	case nil:
		return nil
	case context.DeadlineExceeded:
		return New(Timeout, op, ctx.Err())
	default:
		return New(Cancelled, op, ctx.Err())
	}
}

// ExitCode maps an error onto the CLI exit code contract.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case ConfigInvalid:
		return 2
	case IngestionEmpty:
		return 3
	case ModelBelowThreshold:
		return 4
	case Network, AuthMissing, RateLimited, Malformed, RangeUnsupported, ChannelFailure, Timeout:
		return 5
	}
	return 1
}

// Provider reports whether the kind is a provider-boundary failure that the
// ingestion coordinator recovers from by trying the next provider.
func (k Kind) Provider() bool {
	switch k {
	case Network, AuthMissing, RateLimited, Malformed, RangeUnsupported, Timeout:
		return true
	}
	return false
}
