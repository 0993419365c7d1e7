// Package bank is the reference value-transfer ledger the escrow engine runs
// against. Balances are per (account, asset). Custody accounts are owned by a
// non-human authority and can only be debited with that authority's
// signature.
package bank

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"escrowengine/core/events"
)

var (
	ErrInvalidAmount        = errors.New("bank: amount must be positive")
	ErrInsufficientFunds    = errors.New("bank: insufficient funds")
	ErrUnauthorizedTransfer = errors.New("bank: authorizer does not control the source account")
	ErrAccountExists        = errors.New("bank: custody account already exists")
	ErrAssetMismatch        = errors.New("bank: custody account holds a different asset")
	ErrCustodyMint          = errors.New("bank: cannot mint into a custody account")
	ErrBalanceOverflow      = errors.New("bank: balance overflow")
)

var custodySeed = []byte("vault")

// Custody describes who controls a custody account and which asset it holds.
type Custody struct {
	Owner [20]byte
	Asset string
}

// Store is the persistence the ledger needs. core/state implements it inside
// each unit of work so ledger writes commit or roll back with the escrow
// record they accompany.
type Store interface {
	BalanceGet(account [20]byte, asset string) (*big.Int, error)
	BalancePut(account [20]byte, asset string, amount *big.Int) error
	CustodyGet(account [20]byte) (*Custody, bool, error)
	CustodyPut(account [20]byte, custody *Custody) error
}

// Ledger implements the escrow engine's ledger collaborator.
type Ledger struct {
	store Store
	emit  func(events.Event)
}

// NewLedger binds a ledger to store. emit receives an event for each
// successful mutation; the caller decides when those become visible.
func NewLedger(store Store, emit func(events.Event)) *Ledger {
	if emit == nil {
		emit = func(events.Event) {}
	}
	return &Ledger{store: store, emit: emit}
}

// CustodyAddress derives the custody account for owner and asset.
func CustodyAddress(owner [20]byte, asset string) [20]byte {
	var out [20]byte
	copy(out[:], ethcrypto.Keccak256(custodySeed, owner[:], []byte(normalizeAsset(asset)))[12:])
	return out
}

func normalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

// CreateCustodyAccount provisions the custody account controlled by owner.
func (l *Ledger) CreateCustodyAccount(owner [20]byte, asset string) ([20]byte, error) {
	asset = normalizeAsset(asset)
	if asset == "" {
		return [20]byte{}, fmt.Errorf("bank: asset required")
	}
	account := CustodyAddress(owner, asset)
	_, exists, err := l.store.CustodyGet(account)
	if err != nil {
		return [20]byte{}, err
	}
	if exists {
		return [20]byte{}, ErrAccountExists
	}
	if err := l.store.CustodyPut(account, &Custody{Owner: owner, Asset: asset}); err != nil {
		return [20]byte{}, err
	}
	l.emit(events.CustodyOpened{Asset: asset, Account: account, Owner: owner})
	return account, nil
}

// Custody returns the custody descriptor for account, if it is one.
func (l *Ledger) Custody(account [20]byte) (*Custody, bool, error) {
	return l.store.CustodyGet(account)
}

// BalanceOf returns the balance of account in asset.
func (l *Ledger) BalanceOf(account [20]byte, asset string) (*big.Int, error) {
	balance, err := l.store.BalanceGet(account, normalizeAsset(asset))
	if err != nil {
		return nil, err
	}
	if balance == nil {
		return big.NewInt(0), nil
	}
	return balance, nil
}
