package escrow

import (
	"strconv"

	"escrowcore/core/types"
	"escrowcore/crypto"
)

const (
	EventTypeCreated           = "escrow.created"
	EventTypePaymentDeposited  = "escrow.payment_deposited"
	EventTypeDeliveryConfirmed = "escrow.delivery_confirmed"
	EventTypeReadyConfirmed    = "escrow.ready_confirmed"
	EventTypeDisputed          = "escrow.disputed"
	EventTypeCompleted         = "escrow.completed"
	EventTypeRefunded          = "escrow.refunded"
)

// NewCreatedEvent returns the canonical payload for a newly created escrow.
func NewCreatedEvent(e *Escrow) *types.Event {
	evt := newEscrowEvent(EventTypeCreated, e)
	if e == nil {
		return evt
	}
	evt.Attributes["buyer"] = crypto.MustNewAddress(e.Buyer[:]).String()
	evt.Attributes["seller"] = crypto.MustNewAddress(e.Seller[:]).String()
	evt.Attributes["arbiter"] = crypto.MustNewAddress(e.Arbiter[:]).String()
	evt.Attributes["amount"] = formatAmount(e)
	evt.Attributes["description"] = e.Description
	evt.Attributes["createdAt"] = strconv.FormatInt(e.CreatedAt, 10)
	return evt
}

// NewPaymentDepositedEvent returns the payload emitted once custody of the
// amount has been captured, immediately after creation.
func NewPaymentDepositedEvent(e *Escrow) *types.Event {
	evt := newEscrowEvent(EventTypePaymentDeposited, e)
	if e != nil {
		evt.Attributes["amount"] = formatAmount(e)
	}
	return evt
}

// NewDeliveryConfirmedEvent returns the payload emitted when the buyer
// confirms delivery.
func NewDeliveryConfirmedEvent(e *Escrow) *types.Event {
	return newEscrowEvent(EventTypeDeliveryConfirmed, e)
}

// NewReadyConfirmedEvent returns the payload emitted when the seller confirms
// readiness for payment, mirroring the buyer-side DeliveryConfirmed event.
func NewReadyConfirmedEvent(e *Escrow) *types.Event {
	return newEscrowEvent(EventTypeReadyConfirmed, e)
}

// NewDisputedEvent returns the payload emitted when a party raises a dispute.
func NewDisputedEvent(e *Escrow) *types.Event {
	return newEscrowEvent(EventTypeDisputed, e)
}

// NewCompletedEvent returns the payload emitted when funds are released to the
// seller, on either the cooperative or the arbitrated path.
func NewCompletedEvent(e *Escrow) *types.Event {
	return newEscrowEvent(EventTypeCompleted, e)
}

// NewRefundedEvent returns the payload emitted when a dispute resolves in the
// buyer's favour.
func NewRefundedEvent(e *Escrow) *types.Event {
	return newEscrowEvent(EventTypeRefunded, e)
}

func newEscrowEvent(eventType string, e *Escrow) *types.Event {
	attrs := make(map[string]string)
	if e != nil {
		attrs["id"] = strconv.FormatUint(e.ID, 10)
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

func formatAmount(e *Escrow) string {
	if e == nil || e.Amount == nil {
		return "0"
	}
	return e.Amount.String()
}
