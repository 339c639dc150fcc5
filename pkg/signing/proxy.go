package signing

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ProxyProvider signs via HTTPS/mTLS to an external signing service,
// implementing the wire format fixed by spec.md §6:
//
//	POST /sign   {canonical_payload|digest_hex, algorithm, purpose}
//	           -> 200 {signature_b64, signer_kid, algorithm}
//	POST /verify {canonical_payload|digest_hex, signature_b64, signer_kid}
//	           -> 200 {verified}
//	GET  /health -> 200 {ok, signer_kid}
type ProxyProvider struct {
	baseURL    string
	algorithm  string
	httpClient *http.Client
}

// ProxyConfig configures a ProxyProvider. TimeoutMS defaults to 3000ms when
// zero. MaxRetries is not read: Sign retries exactly once on ErrRemote,
// whatever its value.
type ProxyConfig struct {
	BaseURL    string
	Algorithm  string
	TimeoutMS  int
	MaxRetries int
	Client     *http.Client
}

// NewProxyProvider constructs a ProxyProvider over cfg.Client, or a plain
// *http.Client when that is nil, and sets the client's timeout.
func NewProxyProvider(cfg ProxyConfig) *ProxyProvider {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if cfg.TimeoutMS == 0 {
		timeout = 3000 * time.Millisecond
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	client.Timeout = timeout

	return &ProxyProvider{
		baseURL:    cfg.BaseURL,
		algorithm:  cfg.Algorithm,
		httpClient: client,
	}
}

type signRequestBody struct {
	CanonicalPayload string `json:"canonical_payload,omitempty"`
	DigestHex        string `json:"digest_hex,omitempty"`
	Algorithm        string `json:"algorithm"`
	Purpose          string `json:"purpose"`
}

type signResponseBody struct {
	SignatureB64 string `json:"signature_b64"`
	SignerKID    string `json:"signer_kid"`
	Algorithm    string `json:"algorithm"`
}

type verifyRequestBody struct {
	CanonicalPayload string `json:"canonical_payload,omitempty"`
	DigestHex        string `json:"digest_hex,omitempty"`
	SignatureB64     string `json:"signature_b64"`
	SignerKID        string `json:"signer_kid"`
}

type verifyResponseBody struct {
	Verified bool `json:"verified"`
}

func (p *ProxyProvider) Sign(ctx context.Context, req Request) (*Signature, error) {
	return withRetry(ctx, func(ctx context.Context) (*Signature, error) {
		return p.signOnce(ctx, req)
	})
}

func (p *ProxyProvider) signOnce(ctx context.Context, req Request) (*Signature, error) {
	body := signRequestBody{
		CanonicalPayload: string(req.Payload),
		DigestHex:        req.DigestHex,
		Algorithm:        p.algorithm,
		Purpose:          string(req.Purpose),
	}

	var resp signResponseBody
	if err := p.post(ctx, "/sign", body, &resp); err != nil {
		return nil, err
	}

	sig, err := base64.StdEncoding.DecodeString(resp.SignatureB64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid signature_b64: %v", ErrRemote, err)
	}

	return &Signature{
		KID:       resp.SignerKID,
		Algorithm: resp.Algorithm,
		Sig:       sig,
		Timestamp: time.Now().UTC(),
	}, nil
}

func (p *ProxyProvider) Verify(ctx context.Context, req Request, sig *Signature) (bool, error) {
	body := verifyRequestBody{
		CanonicalPayload: string(req.Payload),
		DigestHex:        req.DigestHex,
		SignatureB64:     base64.StdEncoding.EncodeToString(sig.Sig),
		SignerKID:        sig.KID,
	}

	var resp verifyResponseBody
	if err := p.post(ctx, "/verify", body, &resp); err != nil {
		return false, err
	}
	return resp.Verified, nil
}

// Health calls GET /health and returns the proxy's active signer_kid.
func (p *ProxyProvider) Health(ctx context.Context) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/health", nil)
	if err != nil {
		return "", fmt.Errorf("signing: proxy health request: %w", err)
	}

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignerUnavailable, err)
	}
	defer httpResp.Body.Close()

	var body struct {
		OK        bool   `json:"ok"`
		SignerKID string `json:"signer_kid"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: decode health response: %v", ErrRemote, err)
	}
	if !body.OK {
		return "", ErrSignerUnavailable
	}
	return body.SignerKID, nil
}

func (p *ProxyProvider) post(ctx context.Context, path string, reqBody, respBody any) error {
	raw, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("signing: proxy marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("signing: proxy build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignerUnavailable, err)
	}
	defer httpResp.Body.Close()

	switch {
	case httpResp.StatusCode >= 500:
		return fmt.Errorf("%w: proxy returned %d", ErrRemote, httpResp.StatusCode)
	case httpResp.StatusCode >= 400:
		return fmt.Errorf("signing: proxy rejected request: %d", httpResp.StatusCode)
	}

	if err := json.NewDecoder(httpResp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrRemote, err)
	}
	return nil
}
