package events

import (
	"math/big"

	"escrowengine/core/types"
	"escrowengine/crypto"
)

const (
	// TypeTransfer is emitted for every committed ledger balance movement.
	TypeTransfer = "ledger.transfer"
	// TypeMint is emitted when the development faucet credits an account.
	TypeMint = "ledger.mint"
	// TypeCustodyOpened is emitted when a custody vault is provisioned.
	TypeCustodyOpened = "ledger.custody_opened"
)

type Transfer struct {
	Asset      string
	From       [20]byte
	To         [20]byte
	Authorizer [20]byte
	Amount     *big.Int
}

func (Transfer) EventType() string { return TypeTransfer }

func (e Transfer) Event() *types.Event {
	attrs := map[string]string{}
	if asset := normalizeAsset(e.Asset); asset != "" {
		attrs["asset"] = asset
	}
	attrs["from"] = crypto.FormatAddress(e.From)
	attrs["to"] = crypto.FormatAddress(e.To)
	if e.Authorizer != e.From {
		attrs["authorizer"] = crypto.FormatAddress(e.Authorizer)
	}
	attrs["amount"] = formatAmount(e.Amount)
	return &types.Event{Type: TypeTransfer, Attributes: attrs}
}

type Mint struct {
	Asset     string
	Recipient [20]byte
	Amount    *big.Int
}

func (Mint) EventType() string { return TypeMint }

func (e Mint) Event() *types.Event {
	return &types.Event{
		Type: TypeMint,
		Attributes: map[string]string{
			"asset":     normalizeAsset(e.Asset),
			"recipient": crypto.FormatAddress(e.Recipient),
			"amount":    formatAmount(e.Amount),
		},
	}
}

type CustodyOpened struct {
	Asset   string
	Account [20]byte
	Owner   [20]byte
}

func (CustodyOpened) EventType() string { return TypeCustodyOpened }

func (e CustodyOpened) Event() *types.Event {
	return &types.Event{
		Type: TypeCustodyOpened,
		Attributes: map[string]string{
			"asset":   normalizeAsset(e.Asset),
			"account": crypto.MustNewAddress(crypto.VaultPrefix, e.Account[:]).String(),
			"owner":   crypto.FormatAddress(e.Owner),
		},
	}
}
