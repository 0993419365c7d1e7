package bank

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"escrowengine/core/events"
)

// Transfer moves amount of asset from one account to another. Ordinary
// accounts authorise their own debits; custody accounts only accept their
// owner as authorizer and only hold their own asset.
func (l *Ledger) Transfer(from, to, authorizer [20]byte, asset string, amount *big.Int) error {
	asset = normalizeAsset(asset)
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if err := l.authorize(from, authorizer, asset); err != nil {
		return err
	}
	if err := l.acceptsAsset(to, asset); err != nil {
		return err
	}
	if from == to {
		return fmt.Errorf("bank: source and destination are the same account")
	}

	fromBalance, err := l.BalanceOf(from, asset)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, fromBalance, amount)
	}
	toBalance, err := l.BalanceOf(to, asset)
	if err != nil {
		return err
	}
	credited, err := addChecked(toBalance, amount)
	if err != nil {
		return err
	}
	if err := l.store.BalancePut(from, asset, new(big.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	if err := l.store.BalancePut(to, asset, credited); err != nil {
		return err
	}
	l.emit(events.Transfer{Asset: asset, From: from, To: to, Authorizer: authorizer, Amount: new(big.Int).Set(amount)})
	return nil
}

// Mint credits an ordinary account out of thin air. It backs the development
// faucet and is refused for custody accounts.
func (l *Ledger) Mint(account [20]byte, asset string, amount *big.Int) error {
	asset = normalizeAsset(asset)
	if asset == "" {
		return fmt.Errorf("bank: asset required")
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if _, custody, err := l.store.CustodyGet(account); err != nil {
		return err
	} else if custody {
		return ErrCustodyMint
	}
	balance, err := l.BalanceOf(account, asset)
	if err != nil {
		return err
	}
	credited, err := addChecked(balance, amount)
	if err != nil {
		return err
	}
	if err := l.store.BalancePut(account, asset, credited); err != nil {
		return err
	}
	l.emit(events.Mint{Asset: asset, Recipient: account, Amount: new(big.Int).Set(amount)})
	return nil
}

func (l *Ledger) authorize(from, authorizer [20]byte, asset string) error {
	custody, ok, err := l.store.CustodyGet(from)
	if err != nil {
		return err
	}
	if !ok {
		if authorizer != from {
			return ErrUnauthorizedTransfer
		}
		return nil
	}
	if authorizer != custody.Owner {
		return ErrUnauthorizedTransfer
	}
	if custody.Asset != asset {
		return ErrAssetMismatch
	}
	return nil
}

func (l *Ledger) acceptsAsset(to [20]byte, asset string) error {
	custody, ok, err := l.store.CustodyGet(to)
	if err != nil {
		return err
	}
	if ok && custody.Asset != asset {
		return ErrAssetMismatch
	}
	return nil
}

// addChecked adds two balances and fails if the result leaves the 256-bit
// range balances are stored in.
func addChecked(a, b *big.Int) (*big.Int, error) {
	x, overflow := uint256.FromBig(a)
	if overflow {
		return nil, ErrBalanceOverflow
	}
	y, overflow := uint256.FromBig(b)
	if overflow {
		return nil, ErrBalanceOverflow
	}
	sum, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, ErrBalanceOverflow
	}
	return sum.ToBig(), nil
}
