package escrow

import (
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// vaultAuthority is the non-human signer that owns a record's custody vault.
// It is derived deterministically from the record key, so each record has
// exactly one and no two records share one. Values are only constructed by
// handlers after their guards passed; the type is never handed to callers.
type vaultAuthority struct {
	record  [32]byte
	address [20]byte
	vault   [20]byte
}

func deriveVaultAuthorityAddress(record [32]byte) [20]byte {
	buf := make([]byte, 0, len(vaultAuthoritySeed)+len(record))
	buf = append(buf, vaultAuthoritySeed...)
	buf = append(buf, record[:]...)
	var out [20]byte
	copy(out[:], ethcrypto.Keccak256(buf)[12:])
	return out
}

// newVaultAuthority binds the authority for record to its custody vault.
func newVaultAuthority(record [32]byte, vault [20]byte) vaultAuthority {
	return vaultAuthority{
		record:  record,
		address: deriveVaultAuthorityAddress(record),
		vault:   vault,
	}
}

// authorize returns the principal to present to the ledger for an outbound
// transfer. The capability only signs for the vault it was bound to.
func (a vaultAuthority) authorize(from [20]byte) ([20]byte, error) {
	if a.address == ([20]byte{}) {
		return [20]byte{}, fmt.Errorf("escrow: vault authority not initialised")
	}
	if from != a.vault {
		return [20]byte{}, fmt.Errorf("escrow: vault authority for %x cannot sign for account %x", a.record[:4], from[:4])
	}
	return a.address, nil
}
