package escrow

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	recordSeed         = []byte("escrow")
	vaultAuthoritySeed = []byte("vault_authority")
)

// Ref addresses an escrow record by its depositor-scoped identifier.
type Ref struct {
	Depositor [20]byte
	ID        uint64
}

// Key derives the record key keccak256("escrow" || depositor || le64(id)).
func (r Ref) Key() [32]byte {
	buf := make([]byte, 0, len(recordSeed)+len(r.Depositor)+8)
	buf = append(buf, recordSeed...)
	buf = append(buf, r.Depositor[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, r.ID)
	return ethcrypto.Keccak256Hash(buf)
}

func (r Ref) String() string {
	return "0x" + hex.EncodeToString(r.Depositor[:]) + "/" + strconv.FormatUint(r.ID, 10)
}

// ParseRef parses the "0x<depositor>/<id>" form produced by Ref.String.
func ParseRef(value string) (Ref, error) {
	var ref Ref
	addr, id, ok := strings.Cut(strings.TrimSpace(value), "/")
	if !ok {
		return ref, fmt.Errorf("escrow: ref must be <depositor>/<id>")
	}
	addr = strings.TrimPrefix(strings.TrimPrefix(addr, "0x"), "0X")
	decoded, err := hex.DecodeString(addr)
	if err != nil || len(decoded) != len(ref.Depositor) {
		return ref, fmt.Errorf("escrow: invalid depositor in ref %q", value)
	}
	copy(ref.Depositor[:], decoded)
	ref.ID, err = strconv.ParseUint(id, 10, 64)
	if err != nil {
		return ref, fmt.Errorf("escrow: invalid id in ref %q: %w", value, err)
	}
	return ref, nil
}
