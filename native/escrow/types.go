package escrow

import (
	"fmt"
	"math/big"
	"strings"
	"unicode/utf8"
)

// MaxDisputeReasonLength bounds the free-text dispute reason, in characters.
const MaxDisputeReasonLength = 128

// maxAssetSymbolLength bounds asset identifiers accepted at creation.
const maxAssetSymbolLength = 16

// Status represents the lifecycle phase of an escrow record.
type Status uint8

const (
	StatusCreated Status = iota
	StatusFunded
	StatusDisputed
	StatusReleased
	StatusCancelled
)

var statusNames = map[Status]string{
	StatusCreated:   "created",
	StatusFunded:    "funded",
	StatusDisputed:  "disputed",
	StatusReleased:  "released",
	StatusCancelled: "cancelled",
}

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// Terminal reports whether no further transition can leave this status.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusCancelled
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// ParseStatus converts the canonical lowercase name back to a Status.
func ParseStatus(value string) (Status, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	for status, name := range statusNames {
		if name == normalized {
			return status, nil
		}
	}
	return 0, fmt.Errorf("escrow: unknown status %q", value)
}

// Escrow is the durable record of one custody agreement. Records are created
// once by Initialize, mutated only by the transition handlers and never
// deleted.
type Escrow struct {
	Key             [32]byte
	ID              uint64
	Depositor       [20]byte
	Beneficiary     [20]byte
	Arbiter         [20]byte
	Asset           string
	Vault           [20]byte
	Amount          *big.Int
	Status          Status
	AutoReleaseSlot uint64
	CreatedAt       uint64
	UpdatedAt       uint64
	DisputeReason   string
}

// Ref returns the composite (depositor, id) address of the record.
func (e *Escrow) Ref() Ref {
	return Ref{Depositor: e.Depositor, ID: e.ID}
}

// AutoReleaseEnabled reports whether a deadline slot was configured.
func (e *Escrow) AutoReleaseEnabled() bool {
	return e != nil && e.AutoReleaseSlot > 0
}

// Clone returns a deep copy of the escrow object so callers can safely mutate
// the copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Amount != nil {
		clone.Amount = new(big.Int).Set(e.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// NormalizeAsset trims and upper-cases an asset symbol and rejects values
// that are empty, too long or contain characters other than A-Z, 0-9, '-'
// and '_'.
func NormalizeAsset(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" {
		return "", fmt.Errorf("%w: asset symbol required", ErrUnsupportedAsset)
	}
	if len(trimmed) > maxAssetSymbolLength {
		return "", fmt.Errorf("%w: asset symbol exceeds %d characters", ErrUnsupportedAsset, maxAssetSymbolLength)
	}
	for _, r := range trimmed {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return "", fmt.Errorf("%w: invalid character %q in %s", ErrUnsupportedAsset, r, symbol)
		}
	}
	return trimmed, nil
}

// reasonLength counts characters rather than bytes so multi-byte text is not
// penalised.
func reasonLength(reason string) int {
	return utf8.RuneCountInString(reason)
}

// SanitizeEscrow validates and normalises the supplied record, returning a
// cloned instance with a canonical asset symbol. The original is not mutated.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("escrow: nil record")
	}
	clone := e.Clone()
	asset, err := NormalizeAsset(clone.Asset)
	if err != nil {
		return nil, err
	}
	clone.Asset = asset
	if clone.Amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("escrow: invalid status %d", clone.Status)
	}
	if reasonLength(clone.DisputeReason) > MaxDisputeReasonLength {
		return nil, ErrDisputeReasonTooLong
	}
	if clone.Key != clone.Ref().Key() {
		return nil, fmt.Errorf("escrow: record key does not match (depositor, id)")
	}
	return clone, nil
}
