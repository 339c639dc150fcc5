package signing

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"
)

// LocalProvider signs with key material held in process memory. It is
// forbidden in production by the require_kms startup check in factory.go.
// Signatures it produces carry the kid given to its constructor; no
// "local-" kid is derived from the algorithm or public key.
type LocalProvider struct {
	kid       string
	algorithm string

	ed25519Key ed25519.PrivateKey
	ecdsaKey   *ecdsa.PrivateKey
	hmacKey    []byte
}

// NewLocalEd25519 constructs a LocalProvider backed by an Ed25519 key.
func NewLocalEd25519(kid string, priv ed25519.PrivateKey) *LocalProvider {
	return &LocalProvider{kid: kid, algorithm: "ed25519", ed25519Key: priv}
}

// NewLocalECDSAP256 constructs a LocalProvider backed by a P-256 ECDSA key.
func NewLocalECDSAP256(kid string, priv *ecdsa.PrivateKey) *LocalProvider {
	return &LocalProvider{kid: kid, algorithm: "ecdsa-p256-sha256", ecdsaKey: priv}
}

// NewLocalHMAC constructs a LocalProvider backed by a shared HMAC secret.
// HMAC providers are permitted only for internal-trust contexts per
// spec.md §3.
func NewLocalHMAC(kid string, key []byte) *LocalProvider {
	return &LocalProvider{kid: kid, algorithm: "hmac-sha256", hmacKey: key}
}

// GenerateLocalEd25519 generates a fresh Ed25519 key for dev/test use.
func GenerateLocalEd25519(kid string) (*LocalProvider, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("signing: generate ed25519 key: %w", err)
	}
	return NewLocalEd25519(kid, priv), pub, nil
}

func (p *LocalProvider) Algorithm() string { return p.algorithm }

func (p *LocalProvider) Sign(_ context.Context, req Request) (*Signature, error) {
	digest, err := digestBytes(req)
	if err != nil {
		return nil, err
	}

	var sig []byte
	switch p.algorithm {
	case "ed25519":
		if p.ed25519Key == nil {
			return nil, fmt.Errorf("signing: local: no ed25519 key configured")
		}
		sig = ed25519.Sign(p.ed25519Key, digest)
	case "ecdsa-p256-sha256":
		if p.ecdsaKey == nil {
			return nil, fmt.Errorf("signing: local: no ecdsa key configured")
		}
		r, s, err := ecdsa.Sign(rand.Reader, p.ecdsaKey, digest)
		if err != nil {
			return nil, fmt.Errorf("signing: local ecdsa sign: %w", err)
		}
		sig = encodeECDSASig(r, s)
	case "hmac-sha256":
		if p.hmacKey == nil {
			return nil, fmt.Errorf("signing: local: no hmac key configured")
		}
		mac := hmac.New(sha256.New, p.hmacKey)
		mac.Write(digest)
		sig = mac.Sum(nil)
	default:
		return nil, fmt.Errorf("signing: local: unsupported algorithm %q", p.algorithm)
	}

	return &Signature{
		KID:       p.kid,
		Algorithm: p.algorithm,
		Sig:       sig,
		Timestamp: time.Now().UTC(),
	}, nil
}

func (p *LocalProvider) Verify(_ context.Context, req Request, sig *Signature) (bool, error) {
	digest, err := digestBytes(req)
	if err != nil {
		return false, err
	}

	switch p.algorithm {
	case "ed25519":
		if p.ed25519Key == nil {
			return false, fmt.Errorf("signing: local: no ed25519 key configured")
		}
		return ed25519.Verify(p.ed25519Key.Public().(ed25519.PublicKey), digest, sig.Sig), nil
	case "ecdsa-p256-sha256":
		if p.ecdsaKey == nil {
			return false, fmt.Errorf("signing: local: no ecdsa key configured")
		}
		r, s, err := decodeECDSASig(sig.Sig)
		if err != nil {
			return false, err
		}
		return ecdsa.Verify(&p.ecdsaKey.PublicKey, digest, r, s), nil
	case "hmac-sha256":
		if p.hmacKey == nil {
			return false, fmt.Errorf("signing: local: no hmac key configured")
		}
		mac := hmac.New(sha256.New, p.hmacKey)
		mac.Write(digest)
		return hmac.Equal(mac.Sum(nil), sig.Sig), nil
	default:
		return false, fmt.Errorf("signing: local: unsupported algorithm %q", p.algorithm)
	}
}

func digestBytes(req Request) ([]byte, error) {
	if req.DigestHex != "" {
		if len(req.DigestHex) != 64 {
			return nil, fmt.Errorf("signing: digest_hex must be 64 hex chars, got %d", len(req.DigestHex))
		}
		return hex.DecodeString(req.DigestHex)
	}
	if req.Payload == nil {
		return nil, fmt.Errorf("signing: request has neither payload nor digest")
	}
	sum := sha256.Sum256(req.Payload)
	return sum[:], nil
}

// encodeECDSASig packs (r, s) as two fixed 32-byte big-endian halves; this
// is simpler than DER and sufficient for P-256 where both coordinates fit.
func encodeECDSASig(r, s *big.Int) []byte {
	out := make([]byte, 64)
	r.FillBytes(out[:32])
	s.FillBytes(out[32:])
	return out
}

func decodeECDSASig(sig []byte) (*big.Int, *big.Int, error) {
	if len(sig) != 64 {
		return nil, nil, fmt.Errorf("signing: ecdsa signature must be 64 bytes, got %d", len(sig))
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	return r, s, nil
}
