// Package signing implements the signed-request protocol used for all
// inter-shard calls.
//
// Requests are signed with the sender shard's private key as a
// defense-in-depth layer on top of mutual TLS. Every request carries a
// timestamp for freshness, a nonce for replay protection, and the sender's
// certificate serial so the receiver can verify the signature against a
// CA-trusted certificate. Signer and verifier must produce byte-identical
// canonical strings for the same logical request or verification always
// fails; the canonical form is the fixed-order field concatenation
// shard_id|operation|path|body|timestamp_ms|nonce.
package signing

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// SignedRequest is the wire envelope for an inter-shard call.
type SignedRequest struct {
	ShardID      string          `json:"shard_id"`
	Operation    string          `json:"operation"`
	Path         string          `json:"path"`
	Body         json.RawMessage `json:"body,omitempty"`
	TimestampMS  uint64          `json:"timestamp_ms"`
	Nonce        uint64          `json:"nonce"`
	SignatureB64 string          `json:"signature_b64"`
	CertSerial   string          `json:"cert_serial"`
}

// CanonicalString returns the deterministic signing input. An absent body
// canonicalizes to "null" so that "no body" and "empty body" sign
// identically on both sides; a present body is compacted so whitespace
// differences between sender and receiver encodings cannot break
// verification.
func (r *SignedRequest) CanonicalString() string {
	body := "null"
	if len(r.Body) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, r.Body); err == nil {
			body = buf.String()
		} else {
			body = string(r.Body)
		}
	}

	var sb strings.Builder
	sb.WriteString(r.ShardID)
	sb.WriteByte('|')
	sb.WriteString(r.Operation)
	sb.WriteByte('|')
	sb.WriteString(r.Path)
	sb.WriteByte('|')
	sb.WriteString(body)
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatUint(r.TimestampMS, 10))
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatUint(r.Nonce, 10))
	return sb.String()
}

// Decode parses a signed request from its JSON wire form.
func Decode(data []byte) (*SignedRequest, error) {
	var req SignedRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// Encode serializes the request to its JSON wire form.
func (r *SignedRequest) Encode() ([]byte, error) {
	return json.Marshal(r)
}
