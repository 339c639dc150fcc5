package signing

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"math/big"
	"testing"

	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKMSClient implements kmsClient over an in-process ECDSA/HMAC key, so
// these tests exercise KMSProvider's request shaping and response decoding
// without standing up AWS, per kms.go's own stated reason for the interface.
type fakeKMSClient struct {
	ecKey    *ecdsa.PrivateKey
	hmacKey  []byte
	failWith error
}

func newFakeKMSClient(t *testing.T) *fakeKMSClient {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return &fakeKMSClient{ecKey: key, hmacKey: []byte("shared-secret")}
}

func (f *fakeKMSClient) Sign(ctx context.Context, params *awskms.SignInput, optFns ...func(*awskms.Options)) (*awskms.SignOutput, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	r, s, err := ecdsa.Sign(rand.Reader, f.ecKey, params.Message)
	if err != nil {
		return nil, err
	}
	der, err := asn1.Marshal(asn1ECDSASignature{R: r, S: s})
	if err != nil {
		return nil, err
	}
	return &awskms.SignOutput{Signature: der}, nil
}

func (f *fakeKMSClient) Verify(ctx context.Context, params *awskms.VerifyInput, optFns ...func(*awskms.Options)) (*awskms.VerifyOutput, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	var sig asn1ECDSASignature
	if _, err := asn1.Unmarshal(params.Signature, &sig); err != nil {
		return &awskms.VerifyOutput{SignatureValid: false}, nil
	}
	valid := ecdsa.Verify(&f.ecKey.PublicKey, params.Message, sig.R, sig.S)
	return &awskms.VerifyOutput{SignatureValid: valid}, nil
}

func (f *fakeKMSClient) GenerateMac(ctx context.Context, params *awskms.GenerateMacInput, optFns ...func(*awskms.Options)) (*awskms.GenerateMacOutput, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	mac := hmac.New(sha256.New, f.hmacKey)
	mac.Write(params.Message)
	return &awskms.GenerateMacOutput{Mac: mac.Sum(nil)}, nil
}

func (f *fakeKMSClient) GetPublicKey(ctx context.Context, params *awskms.GetPublicKeyInput, optFns ...func(*awskms.Options)) (*awskms.GetPublicKeyOutput, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	der, err := x509.MarshalPKIXPublicKey(&f.ecKey.PublicKey)
	if err != nil {
		return nil, err
	}
	return &awskms.GetPublicKeyOutput{PublicKey: der, KeyUsage: types.KeyUsageTypeSignVerify}, nil
}

func TestKMSProvider_SignProducesRawECDSASignature(t *testing.T) {
	fake := newFakeKMSClient(t)
	p := newTestECDSAProvider(fake, "key-1", "kid-kms-1")

	sig, err := p.Sign(context.Background(), Request{DigestHex: fixedDigestHex})
	require.NoError(t, err)
	assert.Equal(t, "kid-kms-1", sig.KID)
	assert.Equal(t, "ecdsa-p256-sha256", sig.Algorithm)
	assert.Len(t, sig.Sig, 64, "kms signatures must be re-encoded to the module's raw r||s convention")
}

func TestKMSProvider_SignVerifyRoundTrip(t *testing.T) {
	fake := newFakeKMSClient(t)
	p := newTestECDSAProvider(fake, "key-1", "kid-kms-1")

	req := Request{DigestHex: fixedDigestHex}
	sig, err := p.Sign(context.Background(), req)
	require.NoError(t, err)

	ok, err := p.Verify(context.Background(), req, sig)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestKMSProvider_VerifyRejectsTamperedSignature(t *testing.T) {
	fake := newFakeKMSClient(t)
	p := newTestECDSAProvider(fake, "key-1", "kid-kms-1")

	req := Request{DigestHex: fixedDigestHex}
	sig, err := p.Sign(context.Background(), req)
	require.NoError(t, err)
	sig.Sig[0] ^= 0xFF

	ok, err := p.Verify(context.Background(), req, sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKMSProvider_HMACSignVerifyRoundTrip(t *testing.T) {
	fake := newFakeKMSClient(t)
	p := newTestHMACProvider(fake, "key-1", "kid-kms-hmac")

	req := Request{Payload: []byte(`{"a":1}`)}
	sig, err := p.Sign(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "hmac-sha256", sig.Algorithm)

	ok, err := p.Verify(context.Background(), req, sig)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestKMSProvider_FetchPublicKeyReturnsSEC1Encoding(t *testing.T) {
	fake := newFakeKMSClient(t)
	p := newTestECDSAProvider(fake, "key-1", "kid-kms-1")

	pub, err := p.FetchPublicKey(context.Background())
	require.NoError(t, err)

	x, y := elliptic.Unmarshal(elliptic.P256(), pub)
	require.NotNil(t, x, "public key must be valid SEC1 uncompressed encoding")
	assert.Equal(t, 0, fake.ecKey.PublicKey.X.Cmp(x))
	assert.Equal(t, 0, fake.ecKey.PublicKey.Y.Cmp(y))
}

func TestKMSProvider_FetchPublicKeyRejectsHMACKey(t *testing.T) {
	fake := newFakeKMSClient(t)
	p := newTestHMACProvider(fake, "key-1", "kid-kms-hmac")

	_, err := p.FetchPublicKey(context.Background())
	assert.Error(t, err)
}

func TestKMSProvider_SignWrapsRemoteErrors(t *testing.T) {
	fake := newFakeKMSClient(t)
	fake.failWith = assert.AnError
	p := newTestECDSAProvider(fake, "key-1", "kid-kms-1")

	_, err := p.signOnce(context.Background(), Request{DigestHex: fixedDigestHex})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRemote)
}

func TestNewKMSProvider_RejectsUnsupportedAlgorithm(t *testing.T) {
	_, err := NewKMSProvider(nil, "key-1", "kid-kms-1", "rsa-oaep")
	assert.Error(t, err)
}

func TestDEREcdsaRoundTrip(t *testing.T) {
	r := big.NewInt(123456789)
	s := big.NewInt(987654321)
	der, err := asn1.Marshal(asn1ECDSASignature{R: r, S: s})
	require.NoError(t, err)

	raw, err := derECDSAToRaw(der)
	require.NoError(t, err)
	assert.Len(t, raw, 64)

	back, err := rawECDSAToDER(raw)
	require.NoError(t, err)

	var decoded asn1ECDSASignature
	_, err = asn1.Unmarshal(back, &decoded)
	require.NoError(t, err)
	assert.Equal(t, 0, r.Cmp(decoded.R))
	assert.Equal(t, 0, s.Cmp(decoded.S))
}

const fixedDigestHex = "aabb0000000000000000000000000000000000000000000000000000000000aa"

// newTestECDSAProvider and newTestHMACProvider build a KMSProvider over the
// unexported kmsClient interface directly — this file lives in package
// signing (not signing_test) specifically so it can substitute
// fakeKMSClient in place of the real *kms.Client the public constructors
// require, per kmsClient's own doc comment.
func newTestECDSAProvider(client kmsClient, keyID, kid string) *KMSProvider {
	return &KMSProvider{client: client, keyID: keyID, kid: kid, algorithm: "ecdsa-p256-sha256"}
}

func newTestHMACProvider(client kmsClient, keyID, kid string) *KMSProvider {
	return &KMSProvider{client: client, keyID: keyID, kid: kid, algorithm: "hmac-sha256", macMode: true}
}
