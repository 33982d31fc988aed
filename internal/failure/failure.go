// Package failure classifies errors raised while running pipeline steps.
//
// Every error that crosses the retry or executor boundary is either a
// transient dependency error, a circuit-open rejection, or an abort. The
// retry layer and the executor switch on Kind instead of matching error text.
package failure

import (
	"errors"
	"fmt"
)

// Kind discriminates step failures.
type Kind int

const (
	// KindTransient is a recoverable failure; retried per policy.
	KindTransient Kind = iota
	// KindCircuitOpen means a breaker rejected the call without invoking it.
	KindCircuitOpen
	// KindAbort means recovery options are exhausted and the run must stop.
	KindAbort
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindCircuitOpen:
		return "circuit_open"
	case KindAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	// Op names the dependency or step that failed.
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as a recoverable failure of op.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// CircuitOpen builds a rejection for the breaker guarding op.
func CircuitOpen(op string, err error) error {
	return &Error{Kind: KindCircuitOpen, Op: op, Err: err}
}

// Abort wraps err as a terminal failure of op.
func Abort(op string, err error) error {
	return &Error{Kind: KindAbort, Op: op, Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain.
// Unclassified errors are transient.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindTransient
}

// IsCircuitOpen reports whether err is a circuit-open rejection.
func IsCircuitOpen(err error) bool {
	return err != nil && KindOf(err) == KindCircuitOpen
}
