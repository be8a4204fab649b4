package escrow

import (
	"fmt"
	"math/big"
)

// State represents the lifecycle states of an escrow agreement.
type State uint8

const (
	// StateAwaitingPayment is reserved for a future deferred-funding flow.
	// Creation and deposit are currently one atomic call, so no escrow is
	// ever observed in this state.
	StateAwaitingPayment State = iota
	// StateAwaitingDelivery is the initial state: funds are in custody and
	// the parties have not yet both approved.
	StateAwaitingDelivery
	// StateDisputed is entered when the buyer or seller raises a dispute.
	// Only the arbiter can move the escrow out of it.
	StateDisputed
	// StateComplete is terminal: funds were released to the seller.
	StateComplete
	// StateRefunded is terminal: funds were returned to the buyer after a
	// dispute resolved in their favour.
	StateRefunded
)

// Valid reports whether the state value is within the supported range.
func (s State) Valid() bool {
	switch s {
	case StateAwaitingPayment, StateAwaitingDelivery, StateDisputed, StateComplete, StateRefunded:
		return true
	default:
		return false
	}
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateRefunded
}

func (s State) String() string {
	switch s {
	case StateAwaitingPayment:
		return "awaiting_payment"
	case StateAwaitingDelivery:
		return "awaiting_delivery"
	case StateDisputed:
		return "disputed"
	case StateComplete:
		return "complete"
	case StateRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Role identifies which of the three registered parties a caller claims to be.
type Role uint8

const (
	RoleBuyer Role = iota
	RoleSeller
	RoleArbiter
)

func (r Role) String() string {
	switch r {
	case RoleBuyer:
		return "buyer"
	case RoleSeller:
		return "seller"
	case RoleArbiter:
		return "arbiter"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(r))
	}
}

const maxDescriptionSize = 256

// Escrow is the record for a single custody-and-conditional-release agreement.
// Everything except State and the two approval flags is fixed at creation.
type Escrow struct {
	ID             uint64
	Buyer          [20]byte
	Seller         [20]byte
	Arbiter        [20]byte
	Amount         *big.Int
	State          State
	BuyerApproved  bool
	SellerApproved bool
	CreatedAt      int64
	Description    string
}

// Clone returns a deep copy of the escrow so callers can safely mutate the
// copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Amount != nil {
		clone.Amount = new(big.Int).Set(e.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// Party returns the identity registered for the given role.
func (e *Escrow) Party(role Role) [20]byte {
	switch role {
	case RoleBuyer:
		return e.Buyer
	case RoleSeller:
		return e.Seller
	case RoleArbiter:
		return e.Arbiter
	default:
		return [20]byte{}
	}
}

// Sanitize validates the record invariants and returns a cloned instance with
// a non-nil amount. The original value is not mutated. Violations are reported
// as ErrInvalidInput.
func Sanitize(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: nil escrow", ErrInvalidInput)
	}
	clone := e.Clone()
	if clone.Buyer == ([20]byte{}) {
		return nil, fmt.Errorf("%w: buyer is the null identity", ErrInvalidInput)
	}
	if clone.Seller == ([20]byte{}) {
		return nil, fmt.Errorf("%w: seller is the null identity", ErrInvalidInput)
	}
	if clone.Arbiter == ([20]byte{}) {
		return nil, fmt.Errorf("%w: arbiter is the null identity", ErrInvalidInput)
	}
	if clone.Seller == clone.Buyer {
		return nil, fmt.Errorf("%w: seller must differ from buyer", ErrInvalidInput)
	}
	if clone.Arbiter == clone.Buyer || clone.Arbiter == clone.Seller {
		return nil, fmt.Errorf("%w: arbiter must differ from buyer and seller", ErrInvalidInput)
	}
	if clone.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	if len(clone.Description) > maxDescriptionSize {
		return nil, fmt.Errorf("%w: description exceeds %d bytes", ErrInvalidInput, maxDescriptionSize)
	}
	if !clone.State.Valid() {
		return nil, fmt.Errorf("%w: invalid state %d", ErrInvalidInput, clone.State)
	}
	return clone, nil
}
