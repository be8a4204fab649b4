package escrow

import (
	"errors"
	"math/big"
	"strings"
	"testing"
)

func TestStateStrings(t *testing.T) {
	cases := map[State]string{
		StateAwaitingPayment:  "awaiting_payment",
		StateAwaitingDelivery: "awaiting_delivery",
		StateDisputed:         "disputed",
		StateComplete:         "complete",
		StateRefunded:         "refunded",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("state %d: expected %q, got %q", state, want, got)
		}
	}
	if !strings.HasPrefix(State(99).String(), "unknown") {
		t.Fatalf("out-of-range state must render as unknown")
	}
}

func TestStateTerminal(t *testing.T) {
	for _, state := range []State{StateAwaitingPayment, StateAwaitingDelivery, StateDisputed} {
		if state.Terminal() {
			t.Fatalf("%s must not be terminal", state)
		}
	}
	for _, state := range []State{StateComplete, StateRefunded} {
		if !state.Terminal() {
			t.Fatalf("%s must be terminal", state)
		}
	}
}

func TestStateValid(t *testing.T) {
	for _, state := range []State{StateAwaitingPayment, StateAwaitingDelivery, StateDisputed, StateComplete, StateRefunded} {
		if !state.Valid() {
			t.Fatalf("%s must be valid", state)
		}
	}
	if State(99).Valid() {
		t.Fatalf("out-of-range state must be invalid")
	}
}

func TestSanitizeAcceptsValidRecord(t *testing.T) {
	sanitized, err := Sanitize(testEscrow(10))
	if err != nil {
		t.Fatalf("Sanitize: %v", err)
	}
	if sanitized.Amount.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("amount altered: %s", sanitized.Amount)
	}
}

func TestSanitizeDescriptionBound(t *testing.T) {
	esc := testEscrow(10)
	esc.Description = strings.Repeat("x", maxDescriptionSize)
	if _, err := Sanitize(esc); err != nil {
		t.Fatalf("description at the bound must be accepted: %v", err)
	}
	esc.Description = strings.Repeat("x", maxDescriptionSize+1)
	if _, err := Sanitize(esc); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("description over the bound: expected ErrInvalidInput, got %v", err)
	}
}

func TestSanitizeRejectsInvalidRecords(t *testing.T) {
	mutations := map[string]func(*Escrow){
		"nil amount":            func(e *Escrow) { e.Amount = nil },
		"zero amount":           func(e *Escrow) { e.Amount = big.NewInt(0) },
		"negative amount":       func(e *Escrow) { e.Amount = big.NewInt(-1) },
		"null buyer":            func(e *Escrow) { e.Buyer = [20]byte{} },
		"null seller":           func(e *Escrow) { e.Seller = [20]byte{} },
		"null arbiter":          func(e *Escrow) { e.Arbiter = [20]byte{} },
		"seller equals buyer":   func(e *Escrow) { e.Seller = e.Buyer },
		"arbiter equals buyer":  func(e *Escrow) { e.Arbiter = e.Buyer },
		"arbiter equals seller": func(e *Escrow) { e.Arbiter = e.Seller },
		"oversized description": func(e *Escrow) { e.Description = strings.Repeat("x", maxDescriptionSize+1) },
		"invalid state":         func(e *Escrow) { e.State = State(42) },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			esc := testEscrow(10)
			mutate(esc)
			if _, err := Sanitize(esc); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
	if _, err := Sanitize(nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("nil escrow: expected ErrInvalidInput, got %v", err)
	}
}

func TestSanitizeDoesNotMutateOriginal(t *testing.T) {
	original := testEscrow(10)
	sanitized, err := Sanitize(original)
	if err != nil {
		t.Fatalf("Sanitize: %v", err)
	}
	sanitized.Amount.SetInt64(500)
	if original.Amount.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("Sanitize must clone the amount")
	}
}

func TestCloneIsDeep(t *testing.T) {
	original := testEscrow(10)
	clone := original.Clone()
	clone.Amount.SetInt64(77)
	clone.State = StateDisputed
	if original.Amount.Cmp(big.NewInt(10)) != 0 || original.State != StateAwaitingDelivery {
		t.Fatalf("clone shares state with the original")
	}
	if (*Escrow)(nil).Clone() != nil {
		t.Fatalf("nil clone must be nil")
	}
}

func TestParty(t *testing.T) {
	esc := testEscrow(10)
	if esc.Party(RoleBuyer) != buyerAddr || esc.Party(RoleSeller) != sellerAddr || esc.Party(RoleArbiter) != arbiterAddr {
		t.Fatalf("role lookup mismatch")
	}
	if esc.Party(Role(9)) != ([20]byte{}) {
		t.Fatalf("unknown role must map to the null identity")
	}
}
