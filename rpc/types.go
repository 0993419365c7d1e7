package rpc

import (
	"encoding/hex"
	"math/big"

	"escrowengine/crypto"
	"escrowengine/native/escrow"
)

// InitRequest is the body of POST /escrows. The signer becomes the
// depositor.
type InitRequest struct {
	ID              uint64 `json:"id"`
	Beneficiary     string `json:"beneficiary"`
	Arbiter         string `json:"arbiter"`
	Asset           string `json:"asset"`
	Amount          string `json:"amount"`
	AutoReleaseSlot uint64 `json:"autoReleaseSlot,omitempty"`
}

// DisputeRequest is the body of POST .../dispute.
type DisputeRequest struct {
	Reason string `json:"reason"`
}

// ResolveRequest is the body of POST .../resolve. Outcome is "beneficiary"
// or "depositor".
type ResolveRequest struct {
	Outcome string `json:"outcome"`
}

// FaucetRequest is the body of POST /faucet. Funds are minted to the signer.
type FaucetRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// EscrowView is the JSON rendering of an escrow record.
type EscrowView struct {
	Key             string `json:"key"`
	Ref             string `json:"ref"`
	ID              uint64 `json:"id"`
	Depositor       string `json:"depositor"`
	Beneficiary     string `json:"beneficiary"`
	Arbiter         string `json:"arbiter"`
	Vault           string `json:"vault"`
	Asset           string `json:"asset"`
	Amount          string `json:"amount"`
	Status          string `json:"status"`
	AutoReleaseSlot uint64 `json:"autoReleaseSlot,omitempty"`
	CreatedAt       uint64 `json:"createdAt"`
	UpdatedAt       uint64 `json:"updatedAt"`
	DisputeReason   string `json:"disputeReason,omitempty"`
	VaultBalance    string `json:"vaultBalance,omitempty"`
}

// BalanceView reports the balance of one account in one asset.
type BalanceView struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Balance string `json:"balance"`
}

// StatusView reports daemon state clients need to schedule auto-release.
type StatusView struct {
	Slot   uint64   `json:"slot"`
	Assets []string `json:"assets,omitempty"`
	Faucet bool     `json:"faucet"`
}

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

func newEscrowView(e *escrow.Escrow) EscrowView {
	view := EscrowView{
		Key:             "0x" + hex.EncodeToString(e.Key[:]),
		Ref:             e.Ref().String(),
		ID:              e.ID,
		Depositor:       crypto.FormatAddress(e.Depositor),
		Beneficiary:     crypto.FormatAddress(e.Beneficiary),
		Arbiter:         crypto.FormatAddress(e.Arbiter),
		Vault:           crypto.MustNewAddress(crypto.VaultPrefix, e.Vault[:]).String(),
		Asset:           e.Asset,
		Amount:          "0",
		Status:          e.Status.String(),
		AutoReleaseSlot: e.AutoReleaseSlot,
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
		DisputeReason:   e.DisputeReason,
	}
	if e.Amount != nil {
		view.Amount = e.Amount.String()
	}
	return view
}

func parseAmount(value string) (*big.Int, bool) {
	amount, ok := new(big.Int).SetString(value, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, false
	}
	return amount, true
}
