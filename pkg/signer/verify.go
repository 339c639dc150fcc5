package signer

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"math/big"
)

// VerifySignature checks sig against digest using rec's published public
// key material, independent of any particular signing.Provider instance.
// This is what lets a verifier (the Governance Coordinator checking an
// approver's signature, or the Audit Chain checking a historical entry)
// confirm a signature without holding the private key that produced it.
func VerifySignature(rec *Record, digest, sig []byte) (bool, error) {
	switch rec.Algorithm {
	case AlgEd25519:
		if len(rec.PublicKey) != ed25519.PublicKeySize {
			return false, fmt.Errorf("signer: %s: ed25519 public key has wrong size %d", rec.KID, len(rec.PublicKey))
		}
		return ed25519.Verify(ed25519.PublicKey(rec.PublicKey), digest, sig), nil
	case AlgECDSAP256:
		pub, err := decodeECDSAPublicKey(rec.PublicKey)
		if err != nil {
			return false, fmt.Errorf("signer: %s: %w", rec.KID, err)
		}
		if len(sig) != 64 {
			return false, fmt.Errorf("signer: %s: ecdsa signature must be 64 bytes, got %d", rec.KID, len(sig))
		}
		r := new(big.Int).SetBytes(sig[:32])
		s := new(big.Int).SetBytes(sig[32:])
		return ecdsa.Verify(pub, digest, r, s), nil
	case AlgHMACSHA256:
		mac := hmac.New(sha256.New, rec.PublicKey)
		mac.Write(digest)
		return hmac.Equal(mac.Sum(nil), sig), nil
	default:
		return false, fmt.Errorf("signer: %s: unsupported algorithm %q", rec.KID, rec.Algorithm)
	}
}

// decodeECDSAPublicKey reconstructs a P-256 public key from its
// uncompressed SEC1 encoding (0x04 || X || Y), the format Records store
// their ECDSA public key material in.
func decodeECDSAPublicKey(raw []byte) (*ecdsa.PublicKey, error) {
	x, y := elliptic.Unmarshal(elliptic.P256(), raw)
	if x == nil {
		return nil, fmt.Errorf("invalid P-256 public key encoding")
	}
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}
