package rpc

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"escrowcore/core/events"
	"escrowcore/crypto"
	"escrowcore/native/escrow"
	"escrowcore/observability"
)

type escrowCreateParams struct {
	Buyer       string `json:"buyer"`
	Seller      string `json:"seller"`
	Arbiter     string `json:"arbiter"`
	Amount      string `json:"amount"`
	Description string `json:"description,omitempty"`
}

type escrowActorParams struct {
	ID     uint64 `json:"id"`
	Caller string `json:"caller"`
}

type escrowResolveParams struct {
	ID             uint64 `json:"id"`
	Caller         string `json:"caller"`
	ReleaseToBuyer bool   `json:"releaseToBuyer"`
}

type escrowIDParams struct {
	ID uint64 `json:"id"`
}

type escrowEventsParams struct {
	ID *uint64 `json:"id,omitempty"`
}

type escrowCreateResult struct {
	ID uint64 `json:"id"`
}

type escrowJSON struct {
	ID             uint64 `json:"id"`
	Buyer          string `json:"buyer"`
	Seller         string `json:"seller"`
	Arbiter        string `json:"arbiter"`
	Amount         string `json:"amount"`
	State          string `json:"state"`
	BuyerApproved  bool   `json:"buyerApproved"`
	SellerApproved bool   `json:"sellerApproved"`
	CreatedAt      int64  `json:"createdAt"`
	Description    string `json:"description"`
}

type balanceResult struct {
	TotalHeld string `json:"totalHeld"`
}

func escrowToJSON(esc *escrow.Escrow) *escrowJSON {
	return &escrowJSON{
		ID:             esc.ID,
		Buyer:          crypto.MustNewAddress(esc.Buyer[:]).String(),
		Seller:         crypto.MustNewAddress(esc.Seller[:]).String(),
		Arbiter:        crypto.MustNewAddress(esc.Arbiter[:]).String(),
		Amount:         esc.Amount.String(),
		State:          esc.State.String(),
		BuyerApproved:  esc.BuyerApproved,
		SellerApproved: esc.SellerApproved,
		CreatedAt:      esc.CreatedAt,
		Description:    esc.Description,
	}
}

func decodeSingleParam(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("exactly one parameter object expected")
	}
	return json.Unmarshal(req.Params[0], out)
}

func parseAddressParam(field, value string) ([20]byte, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(value))
	if err != nil {
		return [20]byte{}, fmt.Errorf("%s: %w", field, err)
	}
	return addr.Bytes(), nil
}

func parsePositiveAmount(value string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok {
		return nil, fmt.Errorf("amount must be a decimal integer")
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

func (s *Server) handleEscrowCreate(w http.ResponseWriter, _ *http.Request, req *RPCRequest, op string) {
	var params escrowCreateParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	buyer, err := parseAddressParam("buyer", params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	seller, err := parseAddressParam("seller", params.Seller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	arbiter, err := parseAddressParam("arbiter", params.Arbiter)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parsePositiveAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}

	start := time.Now()
	esc, err := s.engine.Create(buyer, seller, arbiter, amount, params.Description)
	observability.Metrics().ObserveOperation(op, err, time.Since(start))
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, escrowCreateResult{ID: esc.ID})
}

func (s *Server) handleEscrowConfirmDelivery(w http.ResponseWriter, _ *http.Request, req *RPCRequest, op string) {
	s.handleActorOp(w, req, op, s.engine.ConfirmDelivery)
}

func (s *Server) handleEscrowConfirmReady(w http.ResponseWriter, _ *http.Request, req *RPCRequest, op string) {
	s.handleActorOp(w, req, op, s.engine.ConfirmReadyForPayment)
}

func (s *Server) handleEscrowDispute(w http.ResponseWriter, _ *http.Request, req *RPCRequest, op string) {
	s.handleActorOp(w, req, op, s.engine.RaiseDispute)
}

func (s *Server) handleActorOp(w http.ResponseWriter, req *RPCRequest, op string, apply func(uint64, [20]byte) error) {
	var params escrowActorParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddressParam("caller", params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}

	start := time.Now()
	err = apply(params.ID, caller)
	observability.Metrics().ObserveOperation(op, err, time.Since(start))
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	esc, err := s.engine.GetEscrow(params.ID)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, escrowToJSON(esc))
}

func (s *Server) handleEscrowResolve(w http.ResponseWriter, _ *http.Request, req *RPCRequest, op string) {
	var params escrowResolveParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddressParam("caller", params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}

	start := time.Now()
	err = s.engine.ResolveDispute(params.ID, caller, params.ReleaseToBuyer)
	observability.Metrics().ObserveOperation(op, err, time.Since(start))
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	esc, err := s.engine.GetEscrow(params.ID)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	observability.Metrics().CountPayoutLegs(payoutLegCount(esc))
	writeResult(w, req.ID, escrowToJSON(esc))
}

// payoutLegCount mirrors the engine's resolution split: always a remainder
// leg, plus a fee leg only when the fee is non-zero.
func payoutLegCount(esc *escrow.Escrow) int {
	if escrow.ArbiterFee(esc.Amount).Sign() > 0 {
		return 2
	}
	return 1
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowIDParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	esc, err := s.engine.GetEscrow(params.ID)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, escrowToJSON(esc))
}

func (s *Server) handleEscrowBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	total, err := s.engine.ContractBalance()
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, balanceResult{TotalHeld: total.String()})
}

func (s *Server) handleEscrowEvents(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if s.eventLog == nil {
		writeResult(w, req.ID, []events.Entry{})
		return
	}
	var params escrowEventsParams
	if len(req.Params) > 0 {
		if err := decodeSingleParam(req, &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	if params.ID == nil {
		writeResult(w, req.ID, s.eventLog.Entries())
		return
	}
	want := fmt.Sprintf("%d", *params.ID)
	entries := s.eventLog.EntriesWhere(func(entry events.Entry) bool {
		return entry.Attributes["id"] == want
	})
	if entries == nil {
		entries = []events.Entry{}
	}
	writeResult(w, req.ID, entries)
}
