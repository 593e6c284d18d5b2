// Package cryptocore implements the registry's content-hash and signature
// envelope: a 256-bit hash over a record's canonical form, and an Ed25519
// signature over that hash. Both are deterministic given the same record.
package cryptocore

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/loglineos/core/internal/canon"
)

// HashSize is the width of the content hash in bytes (256 bits).
const HashSize = 32

// Hash returns the canonical 256-bit content hash of v. v must already have
// had its "signature" and "curr_hash" fields stripped by the caller (the
// ledger package's Record.hashableView does this) — Hash itself performs no
// field stripping.
func Hash(v any) ([HashSize]byte, error) {
	var out [HashSize]byte
	canonical, err := canon.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("cryptocore: canonicalize: %w", err)
	}
	sum := blake2b.Sum256(canonical)
	return sum, nil
}

// HashHex is Hash with a lower-case hex-encoded result, the form stored in
// curr_hash.
func HashHex(v any) (string, error) {
	sum, err := Hash(v)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum[:]), nil
}

// GenerateKey creates a fresh Ed25519 key pair. Returns hex-encoded seed
// (private) and public key, the form the configuration surface expects
// (signing_key_hex) and manifests store (override_pubkey_hex).
func GenerateKey() (privHex, pubHex string, err error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return "", "", fmt.Errorf("cryptocore: generate key: %w", err)
	}
	return hex.EncodeToString(priv.Seed()), hex.EncodeToString(pub), nil
}

// Sign signs hash (the 32-byte content hash) with the Ed25519 private key
// encoded as privHex (either a 32-byte seed or a 64-byte expanded key, both
// hex). Returns the lower-case hex signature.
func Sign(privHex string, hash [HashSize]byte) (string, error) {
	key, err := parsePrivateKey(privHex)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(key, hash[:])
	return hex.EncodeToString(sig), nil
}

// Verify checks that sigHex is a valid Ed25519 signature over hash under the
// public key pubHex. Returns false (never an error) on any malformed input
// so callers can treat verification failure uniformly.
func Verify(pubHex string, hash [HashSize]byte, sigHex string) bool {
	pub, err := hex.DecodeString(pubHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), hash[:], sig)
}

// DerivePublicKeyHex returns the hex-encoded Ed25519 public key paired with
// privHex, for callers (Stage-0, kernel-runner, manifestctl) that are
// configured with only a signing_key_hex (§6.4) and need the matching
// public_key to stamp onto signed records.
func DerivePublicKeyHex(privHex string) (string, error) {
	key, err := parsePrivateKey(privHex)
	if err != nil {
		return "", err
	}
	pub, ok := key.Public().(ed25519.PublicKey)
	if !ok {
		return "", fmt.Errorf("cryptocore: unexpected public key type")
	}
	return hex.EncodeToString(pub), nil
}

func parsePrivateKey(hexKey string) (ed25519.PrivateKey, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("cryptocore: decode signing key: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("cryptocore: signing key must be %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
}
