// Package canonicalize produces deterministic byte encodings of structured
// payloads so that hashing and signing always operate on the same bytes
// regardless of struct field order, map iteration order, or caller locale.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// JCS encodes v as RFC 8785 JSON Canonicalization Scheme bytes.
//
// v is first marshaled with the standard encoding/json rules (so struct
// tags, omitempty, etc. are honored), then every string leaf is normalized
// to NFC, then the result is transformed into canonical form by
// gowebpki/jcs. Numeric formatting, key ordering, and escaping all follow
// RFC 8785 exactly via that transform.
func JCS(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}

	normalized, err := normalizeStrings(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: normalize: %w", err)
	}

	out, err := jcs.Transform(normalized)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform: %w", err)
	}
	return out, nil
}

// normalizeStrings re-marshals the decoded document so that every JSON
// string leaf is NFC-normalized before canonicalization. encoding/json
// does not touch Unicode normalization on its own, and two payloads that
// differ only in combining-character form must canonicalize identically.
func normalizeStrings(raw []byte) ([]byte, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return json.Marshal(normalizeValue(doc))
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[norm.NFC.String(k)] = normalizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val)
		}
		return out
	default:
		return v
	}
}

// JCSString is a convenience wrapper around JCS returning a string.
func JCSString(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Hash returns the lowercase hex SHA-256 digest of v's canonical bytes,
// prefixed with "sha256:" per the audit chain's hash representation.
func Hash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the "sha256:<hex>" digest of already-canonical bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}
