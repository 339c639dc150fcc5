package signing

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"math/big"
	"time"

	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

// kmsClient is the subset of *kms.Client this package calls, so tests can
// substitute a fake without standing up AWS.
type kmsClient interface {
	Sign(ctx context.Context, params *awskms.SignInput, optFns ...func(*awskms.Options)) (*awskms.SignOutput, error)
	GenerateMac(ctx context.Context, params *awskms.GenerateMacInput, optFns ...func(*awskms.Options)) (*awskms.GenerateMacOutput, error)
	Verify(ctx context.Context, params *awskms.VerifyInput, optFns ...func(*awskms.Options)) (*awskms.VerifyOutput, error)
	GetPublicKey(ctx context.Context, params *awskms.GetPublicKeyInput, optFns ...func(*awskms.Options)) (*awskms.GetPublicKeyOutput, error)
}

// KMSProvider signs through AWS KMS. Per spec.md §6: RSA/ECDSA keys are
// digest-signed (the caller precomputes SHA-256 and passes
// MessageType=DIGEST); HMAC keys use GenerateMac over the canonical bytes
// directly, since KMS has no digest-mode MAC operation.
type KMSProvider struct {
	client    kmsClient
	keyID     string
	kid       string
	algorithm string
	macMode   bool
}

// kmsSigningAlgorithm maps a spec.md signer algorithm onto the AWS KMS signing
// algorithm enum.
func kmsSigningAlgorithm(algorithm string) (types.SigningAlgorithmSpec, bool) {
	switch algorithm {
	case "rsa-pkcs1-sha256":
		return types.SigningAlgorithmSpecRsassaPkcs1V15Sha256, true
	case "rsa-pss-sha256":
		return types.SigningAlgorithmSpecRsassaPssSha256, true
	case "ecdsa-p256-sha256":
		return types.SigningAlgorithmSpecEcdsaSha256, true
	default:
		return "", false
	}
}

// NewKMSProvider constructs a KMSProvider for an asymmetric signing key.
func NewKMSProvider(client *awskms.Client, keyID, kid, algorithm string) (*KMSProvider, error) {
	if _, ok := kmsSigningAlgorithm(algorithm); !ok {
		return nil, fmt.Errorf("signing: kms: unsupported asymmetric algorithm %q", algorithm)
	}
	return &KMSProvider{client: client, keyID: keyID, kid: kid, algorithm: algorithm}, nil
}

// NewKMSHMACProvider constructs a KMSProvider backed by an HMAC key,
// signing via GenerateMac rather than Sign.
func NewKMSHMACProvider(client *awskms.Client, keyID, kid string) *KMSProvider {
	return &KMSProvider{client: client, keyID: keyID, kid: kid, algorithm: "hmac-sha256", macMode: true}
}

func (p *KMSProvider) Sign(ctx context.Context, req Request) (*Signature, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return withRetry(ctx, func(ctx context.Context) (*Signature, error) {
		return p.signOnce(ctx, req)
	})
}

func (p *KMSProvider) signOnce(ctx context.Context, req Request) (*Signature, error) {
	if p.macMode {
		payload, err := macInput(req)
		if err != nil {
			return nil, err
		}
		out, err := p.client.GenerateMac(ctx, &awskms.GenerateMacInput{
			KeyId:        &p.keyID,
			Message:      payload,
			MacAlgorithm: types.MacAlgorithmSpecHmacSha256,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: kms GenerateMac: %v", ErrRemote, err)
		}
		return &Signature{KID: p.kid, Algorithm: p.algorithm, Sig: out.Mac, Timestamp: time.Now().UTC()}, nil
	}

	digest, err := digestBytes(req)
	if err != nil {
		return nil, err
	}

	alg, _ := kmsSigningAlgorithm(p.algorithm)
	out, err := p.client.Sign(ctx, &awskms.SignInput{
		KeyId:            &p.keyID,
		Message:          digest,
		MessageType:      types.MessageTypeDigest,
		SigningAlgorithm: alg,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: kms Sign: %v", ErrRemote, err)
	}

	sig := out.Signature
	if p.algorithm == "ecdsa-p256-sha256" {
		// KMS always returns an ASN.1 DER ECDSA signature; re-encode to the
		// fixed 64-byte r||s form every other signer in this module uses
		// (see encodeECDSASig in local.go), so a downstream verifier never
		// needs to know which provider produced a given signature.
		sig, err = derECDSAToRaw(sig)
		if err != nil {
			return nil, fmt.Errorf("signing: kms: re-encode ecdsa signature: %w", err)
		}
	}

	return &Signature{KID: p.kid, Algorithm: p.algorithm, Sig: sig, Timestamp: time.Now().UTC()}, nil
}

func (p *KMSProvider) Verify(ctx context.Context, req Request, sig *Signature) (bool, error) {
	if p.macMode {
		payload, err := macInput(req)
		if err != nil {
			return false, err
		}
		out, err := p.client.GenerateMac(ctx, &awskms.GenerateMacInput{
			KeyId:        &p.keyID,
			Message:      payload,
			MacAlgorithm: types.MacAlgorithmSpecHmacSha256,
		})
		if err != nil {
			return false, fmt.Errorf("%w: kms GenerateMac: %v", ErrRemote, err)
		}
		return string(out.Mac) == string(sig.Sig), nil
	}

	digest, err := digestBytes(req)
	if err != nil {
		return false, err
	}

	kmsSig := sig.Sig
	if p.algorithm == "ecdsa-p256-sha256" {
		kmsSig, err = rawECDSAToDER(sig.Sig)
		if err != nil {
			return false, fmt.Errorf("signing: kms: decode ecdsa signature: %w", err)
		}
	}

	alg, _ := kmsSigningAlgorithm(p.algorithm)
	out, err := p.client.Verify(ctx, &awskms.VerifyInput{
		KeyId:            &p.keyID,
		Message:          digest,
		MessageType:      types.MessageTypeDigest,
		Signature:        kmsSig,
		SigningAlgorithm: alg,
	})
	if err != nil {
		return false, fmt.Errorf("%w: kms Verify: %v", ErrRemote, err)
	}
	return out.SignatureValid, nil
}

// FetchPublicKey retrieves this key's public key material from KMS and
// returns it in the uncompressed SEC1 encoding (0x04 || X || Y) that
// signer.Record stores ECDSA keys in (Ed25519 records, as returned by
// GenerateLocalEd25519, hold the raw 32-byte key instead). Only meaningful for
// asymmetric keys; an HMAC-backed KMS key has no exportable public half,
// so a Registry record for one can only ever be resolved through a live
// KMS round trip, not signer.VerifySignature's local dispatch.
func (p *KMSProvider) FetchPublicKey(ctx context.Context) ([]byte, error) {
	if p.macMode {
		return nil, fmt.Errorf("signing: kms: %s is an hmac key, no public key to export", p.keyID)
	}
	out, err := p.client.GetPublicKey(ctx, &awskms.GetPublicKeyInput{KeyId: &p.keyID})
	if err != nil {
		return nil, fmt.Errorf("%w: kms GetPublicKey: %v", ErrRemote, err)
	}
	pub, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("signing: kms: parse public key: %w", err)
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("signing: kms: %s is not an ECDSA public key", p.keyID)
	}
	return elliptic.Marshal(ecPub.Curve, ecPub.X, ecPub.Y), nil
}

// asn1ECDSASignature mirrors the SEQUENCE{INTEGER r, INTEGER s} ASN.1
// structure AWS KMS signs and verifies ECDSA signatures in.
type asn1ECDSASignature struct {
	R, S *big.Int
}

func derECDSAToRaw(der []byte) ([]byte, error) {
	var sig asn1ECDSASignature
	if _, err := asn1.Unmarshal(der, &sig); err != nil {
		return nil, err
	}
	return encodeECDSASig(sig.R, sig.S), nil
}

func rawECDSAToDER(raw []byte) ([]byte, error) {
	r, s, err := decodeECDSASig(raw)
	if err != nil {
		return nil, err
	}
	return asn1.Marshal(asn1ECDSASignature{R: r, S: s})
}

// macInput returns the canonical bytes GenerateMac signs: the raw payload
// if present, or the raw digest bytes if the caller only has DigestHex.
func macInput(req Request) ([]byte, error) {
	if req.Payload != nil {
		return req.Payload, nil
	}
	return digestBytes(req)
}
