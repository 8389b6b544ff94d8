package types

import (
	"errors"
	"fmt"
)

var (
	// ErrConfirmationTimeout is returned by the confirmation waiter when a
	// transaction did not produce a receipt within the attempt budget. The
	// caller's records stay in their pre-confirmation state.
	ErrConfirmationTimeout = errors.New("transaction confirmation timed out")

	// ErrInsufficientBalance fails one operation only; the address claim is
	// released and the affected records stay retryable.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvariantViolation marks a state transition that must never happen,
	// e.g. a second sweep for an already swept deposit. It is fatal to that
	// unit of work and logged loudly, never swallowed.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrAddressPoolExhausted signals the unused address pool ran dry while
	// fulfilling an assignment request.
	ErrAddressPoolExhausted = errors.New("address pool exhausted")
)

// ChainQueryError wraps a persistent RPC failure from the chain client. It is
// transient from the engine's point of view: the work is deferred to the next
// scheduled cycle.
type ChainQueryError struct {
	Op  string
	Err error
}

func (e *ChainQueryError) Error() string {
	return fmt.Sprintf("chain query %s: %v", e.Op, e.Err)
}

func (e *ChainQueryError) Unwrap() error { return e.Err }
