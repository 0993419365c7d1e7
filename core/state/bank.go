package state

import (
	"math/big"

	"escrowengine/native/bank"
)

var (
	balancePrefix = []byte("bank/balance/")
	custodyPrefix = []byte("bank/custody/")
)

func balanceKey(addr [20]byte, asset string) []byte {
	buf := make([]byte, len(balancePrefix)+len(asset)+1+len(addr))
	copy(buf, balancePrefix)
	copy(buf[len(balancePrefix):], asset)
	buf[len(balancePrefix)+len(asset)] = ':'
	copy(buf[len(balancePrefix)+len(asset)+1:], addr[:])
	return buf
}

func custodyKey(addr [20]byte) []byte {
	buf := make([]byte, len(custodyPrefix)+len(addr))
	copy(buf, custodyPrefix)
	copy(buf[len(custodyPrefix):], addr[:])
	return buf
}

type storedCustody struct {
	Owner [20]byte
	Asset string
}

// BalanceGet implements bank.Store.
func (tx *Tx) BalanceGet(account [20]byte, asset string) (*big.Int, error) {
	balance := new(big.Int)
	ok, err := tx.KVGet(balanceKey(account, asset), balance)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return balance, nil
}

// BalancePut implements bank.Store.
func (tx *Tx) BalancePut(account [20]byte, asset string, amount *big.Int) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	return tx.KVPut(balanceKey(account, asset), amount)
}

// CustodyGet implements bank.Store.
func (tx *Tx) CustodyGet(account [20]byte) (*bank.Custody, bool, error) {
	var stored storedCustody
	ok, err := tx.KVGet(custodyKey(account), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return &bank.Custody{Owner: stored.Owner, Asset: stored.Asset}, true, nil
}

// CustodyPut implements bank.Store.
func (tx *Tx) CustodyPut(account [20]byte, custody *bank.Custody) error {
	return tx.KVPut(custodyKey(account), &storedCustody{Owner: custody.Owner, Asset: custody.Asset})
}
