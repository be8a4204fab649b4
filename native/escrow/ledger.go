package escrow

import (
	"math/big"

	"escrowcore/storage"
)

// CustodyReceipt proves that value was captured from an account into the
// engine's custody. The engine keeps it alongside the escrow record and
// presents it back to the ledger when instructing payouts.
type CustodyReceipt struct {
	From   [20]byte
	Amount *big.Int
}

// PayoutLeg is one recipient of a payout instruction.
type PayoutLeg struct {
	To     [20]byte
	Amount *big.Int
}

// Ledger abstracts the value-transfer substrate. The engine never moves value
// itself; it issues instructions that the ledger executes atomically, or not
// at all.
type Ledger interface {
	// CaptureCustody irrevocably moves amount from the account into the
	// engine's custody. Fails without side effects when the account cannot
	// cover the amount.
	CaptureCustody(from [20]byte, amount *big.Int) (*CustodyReceipt, error)

	// ReleaseCustody returns a full capture to its source. Used to unwind a
	// capture whose operation could not commit.
	ReleaseCustody(receipt *CustodyReceipt) error

	// Payout releases captured value to the listed recipients. The call is
	// atomic across all legs: either every transfer commits or none does.
	// The legs must not exceed the receipt's amount.
	Payout(receipt *CustodyReceipt, legs []PayoutLeg) error
}

// BatchLedger is implemented by ledgers that share the engine's storage
// backend. The staged forms validate and stage account updates into the
// caller's batch without committing, so the engine can write value movement
// and the escrow record as one atomic batch. Callers serialize staged
// commits; the engine's mutex provides that.
type BatchLedger interface {
	Ledger

	// StageCapture stages the custody debit and vault credit into batch.
	StageCapture(batch storage.Batch, from [20]byte, amount *big.Int) (*CustodyReceipt, error)

	// StagePayout stages all payout legs into batch.
	StagePayout(batch storage.Batch, receipt *CustodyReceipt, legs []PayoutLeg) error
}
