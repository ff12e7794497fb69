package signing

import (
	"fmt"
	"net/http"
	"strconv"
)

// Signed requests travel over HTTP with the envelope fields in headers and
// the body untouched: the operation is the HTTP method and the path is the
// request path, so any verifying middleware can rebuild the exact
// canonical string the sender signed.
const (
	HeaderShardID    = "X-Themis-Shard"
	HeaderTimestamp  = "X-Themis-Timestamp"
	HeaderNonce      = "X-Themis-Nonce"
	HeaderSignature  = "X-Themis-Signature"
	HeaderCertSerial = "X-Themis-Cert-Serial"
)

// ApplyHeaders stamps the envelope fields onto an outgoing HTTP request.
func (r *SignedRequest) ApplyHeaders(h http.Header) {
	h.Set(HeaderShardID, r.ShardID)
	h.Set(HeaderTimestamp, strconv.FormatUint(r.TimestampMS, 10))
	h.Set(HeaderNonce, strconv.FormatUint(r.Nonce, 10))
	h.Set(HeaderSignature, r.SignatureB64)
	h.Set(HeaderCertSerial, r.CertSerial)
}

// FromHTTPRequest rebuilds the signed envelope from an incoming request's
// headers, method, path, and already-read body.
func FromHTTPRequest(method, path string, body []byte, h http.Header) (*SignedRequest, error) {
	shardID := h.Get(HeaderShardID)
	if shardID == "" {
		return nil, fmt.Errorf("signing: missing %s header", HeaderShardID)
	}

	ts, err := strconv.ParseUint(h.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("signing: bad %s header: %w", HeaderTimestamp, err)
	}
	nonce, err := strconv.ParseUint(h.Get(HeaderNonce), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("signing: bad %s header: %w", HeaderNonce, err)
	}

	sig := h.Get(HeaderSignature)
	serial := h.Get(HeaderCertSerial)
	if sig == "" || serial == "" {
		return nil, fmt.Errorf("signing: missing %s or %s header", HeaderSignature, HeaderCertSerial)
	}

	return &SignedRequest{
		ShardID:      shardID,
		Operation:    method,
		Path:         path,
		Body:         body,
		TimestampMS:  ts,
		Nonce:        nonce,
		SignatureB64: sig,
		CertSerial:   serial,
	}, nil
}
