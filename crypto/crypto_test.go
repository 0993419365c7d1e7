package crypto

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestAddressRoundTrip(t *testing.T) {
	var raw [20]byte
	copy(raw[:], bytes.Repeat([]byte{0x42}, 20))
	encoded := FormatAddress(raw)
	if !strings.HasPrefix(encoded, string(EscrowPrefix)+"1") {
		t.Fatalf("unexpected prefix: %s", encoded)
	}
	decoded, err := ParseAddress(encoded)
	if err != nil {
		t.Fatalf("parse bech32: %v", err)
	}
	if decoded != raw {
		t.Fatalf("round trip mismatch")
	}
	fromHex, err := ParseAddress("0x4242424242424242424242424242424242424242")
	if err != nil {
		t.Fatalf("parse hex: %v", err)
	}
	if fromHex != raw {
		t.Fatalf("hex parse mismatch")
	}
}

func TestParseAddressRejectsMalformed(t *testing.T) {
	cases := []string{"", "0x1234", "0xzz", "notanaddress"}
	for _, input := range cases {
		if _, err := ParseAddress(input); err == nil {
			t.Fatalf("expected %q to fail", input)
		}
	}
}

func TestNewAddressLength(t *testing.T) {
	if _, err := NewAddress(EscrowPrefix, []byte{1, 2, 3}); err == nil {
		t.Fatalf("expected short address to fail")
	}
}

func TestSignRecover(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	payload := []byte("POST\n/escrows\n1700000000\n{}")
	sig, err := Sign(key, payload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	signer, err := RecoverAddress(payload, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if signer != key.PubKey().Address().Raw() {
		t.Fatalf("recovered signer mismatch")
	}

	legacy := append([]byte(nil), sig...)
	legacy[64] += 27
	if again, err := RecoverAddress(payload, legacy); err != nil || again != signer {
		t.Fatalf("expected 27/28 recovery id to be accepted: %v", err)
	}

	tampered, err := RecoverAddress([]byte("other"), sig)
	if err == nil && tampered == signer {
		t.Fatalf("signature should not verify a different payload")
	}
	if _, err := RecoverAddress(payload, sig[:10]); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	path := filepath.Join(t.TempDir(), "keys", "depositor.json")
	if err := SaveToKeystore(path, key, "pass"); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadFromKeystore(path, "pass")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !bytes.Equal(loaded.Bytes(), key.Bytes()) {
		t.Fatalf("loaded key differs")
	}
	if _, err := LoadFromKeystore(path, "wrong"); err == nil {
		t.Fatalf("expected wrong passphrase to fail")
	}
}
