package crypto

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is the size of a recoverable secp256k1 signature.
const SignatureLength = crypto.SignatureLength

// ErrInvalidSignature is returned when a signature cannot be recovered.
var ErrInvalidSignature = errors.New("crypto: invalid signature")

// Sign produces a recoverable signature over keccak256(payload).
func Sign(key *PrivateKey, payload []byte) ([]byte, error) {
	if key == nil || key.PrivateKey == nil {
		return nil, errors.New("crypto: nil private key")
	}
	digest := crypto.Keccak256(payload)
	return crypto.Sign(digest, key.PrivateKey)
}

// RecoverAddress returns the principal that signed keccak256(payload).
func RecoverAddress(payload, sig []byte) ([20]byte, error) {
	var out [20]byte
	if len(sig) != SignatureLength {
		return out, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSignature, SignatureLength, len(sig))
	}
	normalized := append([]byte(nil), sig...)
	// Accept Ethereum-style recovery ids (27/28) as well as raw (0/1).
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := crypto.SigToPub(crypto.Keccak256(payload), normalized)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
