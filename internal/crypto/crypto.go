// Package crypto wraps the secp256k1/ECDSA primitives the rest of chaind
// treats as an external collaborator: signing, verification and address
// derivation. No curve math lives here, only go-ethereum's implementation.
package crypto

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// Digest is a 32-byte opaque identifier, the node's Digest type at the
// crypto boundary (internal/chain re-exports its own alias).
type Digest [32]byte

// Address is a 20-byte identifier derived from a public key.
type Address [20]byte

func (a Address) String() string {
	return fmt.Sprintf("0x%x", a[:])
}

// GenerateKey produces a new secp256k1 keypair.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("crypto: generate key: %w", err)
	}
	return priv, nil
}

// PublicKeyToAddress derives the 20-byte address for a public key.
func PublicKeyToAddress(pub *ecdsa.PublicKey) Address {
	common := crypto.PubkeyToAddress(*pub)
	var out Address
	copy(out[:], common.Bytes())
	return out
}

// Sign produces a 65-byte {R,S,V} signature over digest.
func Sign(digest Digest, priv *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(digest[:], priv)
	if err != nil {
		return nil, fmt.Errorf("crypto: sign: %w", err)
	}
	return sig, nil
}

// Verify checks that sig is a valid signature over digest by the holder of
// pubKeyAddress, recovering the signer's public key from the signature.
func Verify(digest Digest, sig []byte, expected Address) error {
	if len(sig) != 65 {
		return fmt.Errorf("crypto: signature must be 65 bytes, got %d", len(sig))
	}
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return fmt.Errorf("crypto: recover pubkey: %w", err)
	}
	if !crypto.VerifySignature(crypto.FromECDSAPub(pub), digest[:], sig[:64]) {
		return fmt.Errorf("crypto: signature does not verify")
	}
	if PublicKeyToAddress(pub) != expected {
		return fmt.Errorf("crypto: recovered address does not match expected signer")
	}
	return nil
}

// SerializePublicKey returns the uncompressed byte encoding of pub, stored
// alongside a transaction input for downstream recovery and display.
func SerializePublicKey(priv *ecdsa.PrivateKey) []byte {
	return crypto.FromECDSAPub(&priv.PublicKey)
}

// RecoverAddress recovers the signer address from digest and sig without
// checking it against an expected value; callers that don't yet know the
// claimed signer (e.g. coinbase-less validation) use this.
func RecoverAddress(digest Digest, sig []byte) (Address, error) {
	if len(sig) != 65 {
		return Address{}, fmt.Errorf("crypto: signature must be 65 bytes, got %d", len(sig))
	}
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return Address{}, fmt.Errorf("crypto: recover pubkey: %w", err)
	}
	if !crypto.VerifySignature(crypto.FromECDSAPub(pub), digest[:], sig[:64]) {
		return Address{}, fmt.Errorf("crypto: signature does not verify")
	}
	return PublicKeyToAddress(pub), nil
}
