package state

import (
	"fmt"
	"math/big"

	"escrowengine/native/escrow"
)

var (
	escrowRecordPrefix = []byte("escrow/record/")
	escrowIndexPrefix  = []byte("escrow/depositor/")
)

func escrowRecordKey(key [32]byte) []byte {
	buf := make([]byte, len(escrowRecordPrefix)+len(key))
	copy(buf, escrowRecordPrefix)
	copy(buf[len(escrowRecordPrefix):], key[:])
	return buf
}

func escrowIndexKey(depositor [20]byte) []byte {
	buf := make([]byte, len(escrowIndexPrefix)+len(depositor))
	copy(buf, escrowIndexPrefix)
	copy(buf[len(escrowIndexPrefix):], depositor[:])
	return buf
}

type storedEscrow struct {
	Key             [32]byte
	ID              uint64
	Depositor       [20]byte
	Beneficiary     [20]byte
	Arbiter         [20]byte
	Asset           string
	Vault           [20]byte
	Amount          *big.Int
	Status          uint8
	AutoReleaseSlot uint64
	CreatedAt       uint64
	UpdatedAt       uint64
	DisputeReason   string
}

func newStoredEscrow(e *escrow.Escrow) *storedEscrow {
	return &storedEscrow{
		Key:             e.Key,
		ID:              e.ID,
		Depositor:       e.Depositor,
		Beneficiary:     e.Beneficiary,
		Arbiter:         e.Arbiter,
		Asset:           e.Asset,
		Vault:           e.Vault,
		Amount:          new(big.Int).Set(e.Amount),
		Status:          uint8(e.Status),
		AutoReleaseSlot: e.AutoReleaseSlot,
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
		DisputeReason:   e.DisputeReason,
	}
}

func (s *storedEscrow) toEscrow() (*escrow.Escrow, error) {
	if s == nil {
		return nil, fmt.Errorf("escrow: nil stored record")
	}
	amount := big.NewInt(0)
	if s.Amount != nil {
		amount = new(big.Int).Set(s.Amount)
	}
	return escrow.SanitizeEscrow(&escrow.Escrow{
		Key:             s.Key,
		ID:              s.ID,
		Depositor:       s.Depositor,
		Beneficiary:     s.Beneficiary,
		Arbiter:         s.Arbiter,
		Asset:           s.Asset,
		Vault:           s.Vault,
		Amount:          amount,
		Status:          escrow.Status(s.Status),
		AutoReleaseSlot: s.AutoReleaseSlot,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
		DisputeReason:   s.DisputeReason,
	})
}

// EscrowPut validates and persists the supplied escrow definition.
func (tx *Tx) EscrowPut(e *escrow.Escrow) error {
	sanitized, err := escrow.SanitizeEscrow(e)
	if err != nil {
		return err
	}
	return tx.KVPut(escrowRecordKey(sanitized.Key), newStoredEscrow(sanitized))
}

// EscrowGet retrieves the escrow stored under key.
func (tx *Tx) EscrowGet(key [32]byte) (*escrow.Escrow, bool, error) {
	var stored storedEscrow
	ok, err := tx.KVGet(escrowRecordKey(key), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	esc, err := stored.toEscrow()
	if err != nil {
		return nil, false, err
	}
	return esc, true, nil
}

// EscrowIndex records key under the depositor's list.
func (tx *Tx) EscrowIndex(depositor [20]byte, key [32]byte) error {
	return tx.KVAppend(escrowIndexKey(depositor), key[:])
}

// EscrowList returns the depositor's record keys in creation order.
func (tx *Tx) EscrowList(depositor [20]byte) ([][32]byte, error) {
	var raw [][]byte
	if err := tx.KVGetList(escrowIndexKey(depositor), &raw); err != nil {
		return nil, err
	}
	out := make([][32]byte, 0, len(raw))
	for _, entry := range raw {
		if len(entry) != 32 {
			return nil, fmt.Errorf("escrow: corrupt index entry of %d bytes", len(entry))
		}
		var key [32]byte
		copy(key[:], entry)
		out = append(out, key)
	}
	return out, nil
}
