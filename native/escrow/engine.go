package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"escrowcore/core/events"
	"escrowcore/core/types"
)

// Arbiter compensation on the dispute path: 2% of the escrowed amount,
// floor-divided. The remainder goes to whichever party the arbiter rules for,
// so both legs always sum exactly to the amount.
const (
	arbiterFeeBps  = 200
	feeDenominator = 10_000
)

var (
	errNilStore  = errors.New("escrow engine: store not configured")
	errNilLedger = errors.New("escrow engine: ledger not configured")
)

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine enforces the escrow state machine: legal transitions, role checks and
// dual-approval completion. Value movement is delegated to the Ledger and is
// committed together with the state transition, or not at all. All mutating
// operations are serialized behind one mutex; reads go straight to the store
// and only ever observe committed records.
type Engine struct {
	mu      sync.Mutex
	store   *Store
	ledger  Ledger
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine creates an engine with a no-op emitter. Callers can override the
// emitter via SetEmitter.
func NewEngine(store *Store, ledger Ledger) *Engine {
	return &Engine{
		store:   store,
		ledger:  ledger,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used for creation timestamps.
// Primarily intended for tests to provide deterministic values.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) checkWiring() error {
	if e == nil || e.store == nil {
		return errNilStore
	}
	if e.ledger == nil {
		return errNilLedger
	}
	return nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// ArbiterFee returns the fee withheld for the arbiter when a dispute is
// resolved: floor(amount * 2%). Zero for amounts under 50.
func ArbiterFee(amount *big.Int) *big.Int {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0)
	}
	fee := new(big.Int).Mul(amount, big.NewInt(arbiterFeeBps))
	return fee.Div(fee, big.NewInt(feeDenominator))
}

// Create captures custody of amount from the buyer and inserts a new escrow in
// AwaitingDelivery with both approvals unset. Custody capture is a
// precondition of record creation: if it fails, no id is consumed and nothing
// is emitted. Returns a snapshot of the new record.
func (e *Engine) Create(buyer, seller, arbiter [20]byte, amount *big.Int, description string) (*Escrow, error) {
	if err := e.checkWiring(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	esc := &Escrow{
		Buyer:       buyer,
		Seller:      seller,
		Arbiter:     arbiter,
		Amount:      cloneBigInt(amount),
		State:       StateAwaitingDelivery,
		CreatedAt:   e.now(),
		Description: description,
	}
	// Validate before touching the ledger or the id sequence: a rejected
	// attempt must leave both untouched.
	if _, err := Sanitize(esc); err != nil {
		return nil, err
	}

	if staged, ok := e.ledger.(BatchLedger); ok {
		// The ledger shares the store's backend: capture, record and
		// sequence advance commit as one batch.
		batch := e.store.db.NewBatch()
		if _, err := staged.StageCapture(batch, buyer, esc.Amount); err != nil {
			return nil, fmt.Errorf("%w: capture custody: %v", ErrTransfer, err)
		}
		id, err := e.store.stageCreate(batch, esc)
		if err != nil {
			return nil, err
		}
		if err := e.store.db.Write(batch); err != nil {
			return nil, fmt.Errorf("%w: commit: %v", ErrTransfer, err)
		}
		esc.ID = id
	} else {
		receipt, err := e.ledger.CaptureCustody(buyer, esc.Amount)
		if err != nil {
			return nil, fmt.Errorf("%w: capture custody: %v", ErrTransfer, err)
		}
		id, err := e.store.Create(esc)
		if err != nil {
			// The record never existed; hand custody back to the buyer.
			if relErr := e.ledger.ReleaseCustody(receipt); relErr != nil {
				return nil, fmt.Errorf("%w: record write failed: %v; custody release failed: %v", ErrTransfer, err, relErr)
			}
			return nil, err
		}
		esc.ID = id
	}
	e.emit(NewCreatedEvent(esc))
	e.emit(NewPaymentDepositedEvent(esc))
	return esc.Clone(), nil
}

// ConfirmDelivery records the buyer's approval. When the seller has already
// approved, the escrow completes synchronously in the same step: the approval
// is never observable without the completion.
func (e *Engine) ConfirmDelivery(id uint64, caller [20]byte) error {
	if err := e.checkWiring(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	esc, err := e.store.RequireRole(id, RoleBuyer, caller)
	if err != nil {
		return err
	}
	if esc.State != StateAwaitingDelivery {
		return fmt.Errorf("%w: escrow %d is %s, want %s", ErrInvalidState, id, esc.State, StateAwaitingDelivery)
	}
	if esc.BuyerApproved {
		return nil
	}
	esc.BuyerApproved = true
	if esc.SellerApproved {
		return e.complete(esc, NewDeliveryConfirmedEvent)
	}
	if err := e.store.Put(esc); err != nil {
		return err
	}
	e.emit(NewDeliveryConfirmedEvent(esc))
	return nil
}

// ConfirmReadyForPayment records the seller's approval, completing the escrow
// synchronously when the buyer has already approved.
func (e *Engine) ConfirmReadyForPayment(id uint64, caller [20]byte) error {
	if err := e.checkWiring(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	esc, err := e.store.RequireRole(id, RoleSeller, caller)
	if err != nil {
		return err
	}
	if esc.State != StateAwaitingDelivery {
		return fmt.Errorf("%w: escrow %d is %s, want %s", ErrInvalidState, id, esc.State, StateAwaitingDelivery)
	}
	if esc.SellerApproved {
		return nil
	}
	esc.SellerApproved = true
	if esc.BuyerApproved {
		return e.complete(esc, NewReadyConfirmedEvent)
	}
	if err := e.store.Put(esc); err != nil {
		return err
	}
	e.emit(NewReadyConfirmedEvent(esc))
	return nil
}

// RaiseDispute moves the escrow to Disputed. Only the buyer or the seller may
// dispute, and only while the escrow is still awaiting delivery.
func (e *Engine) RaiseDispute(id uint64, caller [20]byte) error {
	if err := e.checkWiring(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	esc, err := e.store.Get(id)
	if err != nil {
		return err
	}
	if caller != esc.Buyer && caller != esc.Seller {
		return fmt.Errorf("%w: only buyer or seller may dispute escrow %d", ErrUnauthorized, id)
	}
	if esc.State != StateAwaitingDelivery {
		return fmt.Errorf("%w: escrow %d is %s, want %s", ErrInvalidState, id, esc.State, StateAwaitingDelivery)
	}
	esc.State = StateDisputed
	if err := e.store.Put(esc); err != nil {
		return err
	}
	e.emit(NewDisputedEvent(esc))
	return nil
}

// ResolveDispute settles a disputed escrow by arbiter decision. The arbiter
// fee is withheld identically in both directions; the remainder goes to the
// buyer (Refunded) or the seller (Complete) as a single atomic payout set.
func (e *Engine) ResolveDispute(id uint64, caller [20]byte, releaseToBuyer bool) error {
	if err := e.checkWiring(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	esc, err := e.store.RequireRole(id, RoleArbiter, caller)
	if err != nil {
		return err
	}
	if esc.State != StateDisputed {
		return fmt.Errorf("%w: escrow %d is %s, want %s", ErrInvalidState, id, esc.State, StateDisputed)
	}

	fee := ArbiterFee(esc.Amount)
	remaining := new(big.Int).Sub(esc.Amount, fee)

	recipient := esc.Seller
	next := StateComplete
	eventFn := NewCompletedEvent
	if releaseToBuyer {
		recipient = esc.Buyer
		next = StateRefunded
		eventFn = NewRefundedEvent
	}
	legs := []PayoutLeg{{To: recipient, Amount: remaining}}
	if fee.Sign() > 0 {
		legs = append(legs, PayoutLeg{To: esc.Arbiter, Amount: fee})
	}
	esc.State = next
	return e.settle(esc, legs, eventFn)
}

// complete is the dual-approval completion path. It is only ever triggered by
// the second approval, never invoked directly, and charges no fee: the full
// amount goes to the seller.
func (e *Engine) complete(esc *Escrow, approvalEvent func(*Escrow) *types.Event) error {
	esc.State = StateComplete
	legs := []PayoutLeg{{To: esc.Seller, Amount: cloneBigInt(esc.Amount)}}
	return e.settle(esc, legs, func(done *Escrow) *types.Event {
		// The triggering approval commits with the completion; both events
		// surface only after the single commit point.
		e.emit(approvalEvent(done))
		return NewCompletedEvent(done)
	})
}

// settle executes the terminal payout and commits the state transition. With a
// BatchLedger the legs and the record write are staged into one batch and
// commit atomically. Other ledgers pay out first; if the record write then
// fails, the legs are clawed back and any clawback failure is surfaced rather
// than swallowed.
func (e *Engine) settle(esc *Escrow, legs []PayoutLeg, eventFn func(*Escrow) *types.Event) error {
	receipt := &CustodyReceipt{From: esc.Buyer, Amount: cloneBigInt(esc.Amount)}
	if staged, ok := e.ledger.(BatchLedger); ok {
		batch := e.store.db.NewBatch()
		if err := staged.StagePayout(batch, receipt, legs); err != nil {
			return fmt.Errorf("%w: payout: %v", ErrTransfer, err)
		}
		if err := e.store.stagePut(batch, esc); err != nil {
			return err
		}
		if err := e.store.db.Write(batch); err != nil {
			return fmt.Errorf("%w: commit: %v", ErrTransfer, err)
		}
	} else {
		if err := e.ledger.Payout(receipt, legs); err != nil {
			return fmt.Errorf("%w: payout: %v", ErrTransfer, err)
		}
		if err := e.store.Put(esc); err != nil {
			for _, leg := range legs {
				if _, cbErr := e.ledger.CaptureCustody(leg.To, leg.Amount); cbErr != nil {
					return fmt.Errorf("%w: state commit failed: %v; clawback failed: %v", ErrTransfer, err, cbErr)
				}
			}
			return err
		}
	}
	e.emit(eventFn(esc))
	return nil
}

// GetEscrow returns a committed snapshot of the record. Terminal escrows are
// never deleted and remain readable as an audit record.
func (e *Engine) GetEscrow(id uint64) (*Escrow, error) {
	if e == nil || e.store == nil {
		return nil, errNilStore
	}
	return e.store.Get(id)
}

// ContractBalance reports the total value currently held in custody across
// all non-terminal escrows.
func (e *Engine) ContractBalance() (*big.Int, error) {
	if e == nil || e.store == nil {
		return nil, errNilStore
	}
	return e.store.OpenAmount()
}
