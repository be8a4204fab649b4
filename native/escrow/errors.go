package escrow

import "errors"

// The five error kinds surfaced by the engine. Callers classify failures with
// errors.Is; everything wrapped around them is context only.
var (
	// ErrInvalidInput marks malformed creation parameters: a non-positive
	// amount, a null identity, or duplicate parties.
	ErrInvalidInput = errors.New("escrow: invalid input")

	// ErrNotFound marks a lookup for an escrow id that was never allocated.
	ErrNotFound = errors.New("escrow: not found")

	// ErrUnauthorized marks a caller that is not the identity registered for
	// the role an operation requires.
	ErrUnauthorized = errors.New("escrow: unauthorized")

	// ErrInvalidState marks an operation attempted outside its legal source
	// state.
	ErrInvalidState = errors.New("escrow: invalid state")

	// ErrTransfer marks a ledger adapter failure while moving value.
	ErrTransfer = errors.New("escrow: transfer failed")
)
