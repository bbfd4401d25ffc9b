// Package keys manages secp256k1 identities: an optional secret
// scalar and the x-only public key derived from it. A T constructed
// from a public key alone can compare and verify but never sign.
package keys

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

var (
	ErrInvalidSecretKey = errors.New("invalid secret key")
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrMissingSecretKey = errors.New("missing secret key")
)

// T is an immutable key pair. The public key is always present; the
// secret key only when the identity is able to sign.
type T struct {
	sec *btcec.PrivateKey
	pub *btcec.PublicKey
}

// Generate produces a fresh random key pair.
func Generate() *T {
	params := btcec.S256().Params()
	one := new(big.Int).SetInt64(1)

	// oversample well past the group order so the modular reduction
	// below is unbiased
	b := make([]byte, params.BitSize/8+8)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic(fmt.Errorf("keys: system randomness unavailable: %w", err))
	}

	k := new(big.Int).SetBytes(b)
	n := new(big.Int).Sub(params.N, one)
	k.Mod(k, n)
	k.Add(k, one)

	kb := make([]byte, 32)
	k.FillBytes(kb)
	sec, pub := btcec.PrivKeyFromBytes(kb)
	return &T{sec: sec, pub: pub}
}

// FromSecret builds a signing identity from a 32 byte secret scalar.
func FromSecret(b []byte) (*T, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: need 32 bytes, got %d",
			ErrInvalidSecretKey, len(b))
	}
	k := new(big.Int).SetBytes(b)
	if k.Sign() == 0 || k.Cmp(btcec.S256().Params().N) >= 0 {
		return nil, fmt.Errorf("%w: scalar out of group range",
			ErrInvalidSecretKey)
	}
	sec, pub := btcec.PrivKeyFromBytes(b)
	return &T{sec: sec, pub: pub}, nil
}

// FromSecretHex builds a signing identity from a 64 character hex
// secret key.
func FromSecretHex(s string) (*T, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: not valid hex: %s",
			ErrInvalidSecretKey, err)
	}
	return FromSecret(b)
}

// FromPublicHex builds a verify-only identity from a 64 character hex
// x-only public key.
func FromPublicHex(s string) (*T, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: not valid hex: %s",
			ErrInvalidPublicKey, err)
	}
	pub, err := schnorr.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPublicKey, err)
	}
	return &T{pub: pub}, nil
}

// CanSign reports whether the identity holds a secret key.
func (t *T) CanSign() bool { return t.sec != nil }

// PublicKey returns the 64 character hex x-only public key.
func (t *T) PublicKey() string {
	return hex.EncodeToString(schnorr.SerializePubKey(t.pub))
}

// SecretKey returns the 64 character hex secret key, or
// ErrMissingSecretKey for a verify-only identity.
func (t *T) SecretKey() (string, error) {
	if t.sec == nil {
		return "", ErrMissingSecretKey
	}
	return hex.EncodeToString(t.sec.Serialize()), nil
}

// Sign produces a 64 byte BIP-340 schnorr signature over the 32 byte
// message hash. Signing is deterministic for a given (secret, hash).
func (t *T) Sign(hash []byte) ([]byte, error) {
	if t.sec == nil {
		return nil, ErrMissingSecretKey
	}
	if len(hash) != 32 {
		return nil, fmt.Errorf("keys: message must be a 32 byte hash, got %d",
			len(hash))
	}
	sig, err := schnorr.Sign(t.sec, hash)
	if err != nil {
		return nil, fmt.Errorf("keys: signing failed: %w", err)
	}
	return sig.Serialize(), nil
}

// Verify checks a 64 byte schnorr signature over hash under the hex
// x-only public key pubkey.
func Verify(pubkey string, hash, sig []byte) (bool, error) {
	pb, err := hex.DecodeString(pubkey)
	if err != nil {
		return false, fmt.Errorf("%w: not valid hex: %s",
			ErrInvalidPublicKey, err)
	}
	pub, err := schnorr.ParsePubKey(pb)
	if err != nil {
		return false, fmt.Errorf("%w: %s", ErrInvalidPublicKey, err)
	}
	s, err := schnorr.ParseSignature(sig)
	if err != nil {
		return false, fmt.Errorf("keys: malformed signature: %w", err)
	}
	return s.Verify(hash, pub), nil
}

// IsValidPublicKeyHex does a cheap syntactic check without the curve
// point validation Verify performs.
func IsValidPublicKeyHex(pk string) bool {
	if len(pk) != 64 || strings.ToLower(pk) != pk {
		return false
	}
	dec, err := hex.DecodeString(pk)
	return err == nil && len(dec) == 32
}
