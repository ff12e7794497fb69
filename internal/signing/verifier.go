package signing

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/themisdb/themis/internal/pki"
)

// Authentication failures. All are definitive: a request failing any of
// these checks is rejected and never retried.
var (
	ErrStaleTimestamp     = errors.New("signing: timestamp outside allowed skew")
	ErrReplayedNonce      = errors.New("signing: nonce already seen")
	ErrInvalidSignature   = errors.New("signing: signature verification failed")
	ErrInvalidCertificate = errors.New("signing: invalid shard certificate")
)

// Default verifier limits.
const (
	DefaultMaxTimeSkew   = 60 * time.Second
	DefaultMaxNonceCache = 10000
	DefaultNonceExpiry   = 5 * time.Minute
)

// CertSource resolves a certificate serial to the sender's parsed identity
// and public key. The production implementation is CertStore; tests inject
// an in-memory variant.
type CertSource interface {
	CertificateBySerial(serial string) (*pki.ShardCertificateInfo, *rsa.PublicKey, error)
}

// VerifierConfig configures request verification.
type VerifierConfig struct {
	MaxTimeSkew   time.Duration // Max |now - timestamp|; default 60s
	MaxNonceCache int           // Nonce cache capacity; default 10000
	NonceExpiry   time.Duration // Replay window; default 5m
}

// nonceKey identifies a nonce within its sender's namespace. Two shards
// may legitimately pick the same nonce value.
type nonceKey struct {
	shardID string
	nonce   uint64
}

// nonceEntry is one cache slot, remembering when the nonce was first seen.
type nonceEntry struct {
	key     nonceKey
	firstMS uint64
}

// Verifier checks signed requests: freshness, replay, signature, and
// certificate validity, in that order. The nonce cache lives for the
// verifier's lifetime and is shared by all verifications on the instance;
// all methods are safe for concurrent use.
type Verifier struct {
	cfg   VerifierConfig
	certs CertSource
	log   zerolog.Logger

	mu     sync.Mutex
	nonces map[nonceKey]uint64 // key -> first-seen timestamp (ms)
	order  []nonceEntry        // insertion order for oldest-first eviction

	now func() time.Time // Injection point for tests
}

// NewVerifier creates a verifier resolving certificates through certs.
// Zero config fields take the documented defaults.
func NewVerifier(cfg VerifierConfig, certs CertSource, logger zerolog.Logger) *Verifier {
	if cfg.MaxTimeSkew <= 0 {
		cfg.MaxTimeSkew = DefaultMaxTimeSkew
	}
	if cfg.MaxNonceCache <= 0 {
		cfg.MaxNonceCache = DefaultMaxNonceCache
	}
	if cfg.NonceExpiry <= 0 {
		cfg.NonceExpiry = DefaultNonceExpiry
	}
	return &Verifier{
		cfg:    cfg,
		certs:  certs,
		log:    logger.With().Str("component", "verifier").Logger(),
		nonces: make(map[nonceKey]uint64),
		now:    time.Now,
	}
}

// Verify authenticates a signed request and, on success, records its nonce
// and returns the sender's certificate info for capability checks.
//
// Check order matters: the cheap freshness check runs first, replay
// detection second (before any signature work, so replay floods stay
// cheap), then the signature against the CA-trusted certificate named by
// cert_serial, and finally the certificate's own structural and temporal
// validity. The nonce is recorded only after every check passes; a
// rejected request must not poison the cache for a later legitimate retry.
func (v *Verifier) Verify(req *SignedRequest) (*pki.ShardCertificateInfo, error) {
	nowMS := uint64(v.now().UnixMilli())

	// 1. Freshness.
	skew := int64(nowMS) - int64(req.TimestampMS)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.cfg.MaxTimeSkew.Milliseconds() {
		v.log.Warn().Str("shard", req.ShardID).Int64("skew_ms", skew).Msg("stale request timestamp")
		return nil, fmt.Errorf("%w: %dms skew from shard %s", ErrStaleTimestamp, skew, req.ShardID)
	}

	// 2. Replay.
	key := nonceKey{shardID: req.ShardID, nonce: req.Nonce}
	if v.seen(key, nowMS) {
		v.log.Warn().Str("shard", req.ShardID).Uint64("nonce", req.Nonce).Msg("replayed nonce rejected")
		return nil, fmt.Errorf("%w: nonce %d from shard %s", ErrReplayedNonce, req.Nonce, req.ShardID)
	}

	// 3. Signature, against the certificate identified by cert_serial.
	info, pub, err := v.certs.CertificateBySerial(req.CertSerial)
	if err != nil {
		return nil, fmt.Errorf("%w: serial %s: %v", ErrInvalidCertificate, req.CertSerial, err)
	}

	sig, err := base64.StdEncoding.DecodeString(req.SignatureB64)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed signature encoding", ErrInvalidSignature)
	}
	digest := sha256.Sum256([]byte(req.CanonicalString()))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		v.log.Warn().Str("shard", req.ShardID).Msg("signature mismatch")
		return nil, fmt.Errorf("%w: shard %s", ErrInvalidSignature, req.ShardID)
	}

	// The certificate must belong to the shard the request claims to be from.
	if info.ShardID != req.ShardID {
		return nil, fmt.Errorf("%w: certificate is for shard %s, request claims %s",
			ErrInvalidCertificate, info.ShardID, req.ShardID)
	}

	// 4. Certificate structural and temporal validity.
	if !pki.ValidateShardCertificate(info) {
		return nil, fmt.Errorf("%w: structural validation failed for shard %s", ErrInvalidCertificate, req.ShardID)
	}
	if !info.ValidAt(v.now()) {
		return nil, fmt.Errorf("%w: certificate for shard %s outside validity window", ErrInvalidCertificate, req.ShardID)
	}

	// 5. Record the nonce only now that the request is authentic.
	v.record(key, nowMS)
	return info, nil
}

// seen reports whether the nonce is in the cache and still within the
// replay window. Expired entries do not count as replays.
func (v *Verifier) seen(key nonceKey, nowMS uint64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	first, ok := v.nonces[key]
	if !ok {
		return false
	}
	return nowMS-first <= uint64(v.cfg.NonceExpiry.Milliseconds())
}

// record inserts the nonce, evicting the oldest entries when the cache is
// at capacity.
func (v *Verifier) record(key nonceKey, nowMS uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for len(v.nonces) >= v.cfg.MaxNonceCache && len(v.order) > 0 {
		oldest := v.order[0]
		v.order = v.order[1:]
		// The map entry may already have been replaced by a newer record
		// for the same key; only delete if it still matches.
		if first, ok := v.nonces[oldest.key]; ok && first == oldest.firstMS {
			delete(v.nonces, oldest.key)
		}
	}

	v.nonces[key] = nowMS
	v.order = append(v.order, nonceEntry{key: key, firstMS: nowMS})
}

// CleanupExpiredNonces evicts entries older than the replay window and
// returns how many were removed. It performs no scheduling of its own;
// run it from a periodic timer.
func (v *Verifier) CleanupExpiredNonces() int {
	nowMS := uint64(v.now().UnixMilli())
	expiry := uint64(v.cfg.NonceExpiry.Milliseconds())

	v.mu.Lock()
	defer v.mu.Unlock()

	removed := 0
	kept := v.order[:0]
	for _, e := range v.order {
		first, ok := v.nonces[e.key]
		if !ok || first != e.firstMS {
			continue // Superseded entry; drop from order silently
		}
		if nowMS-first > expiry {
			delete(v.nonces, e.key)
			removed++
			continue
		}
		kept = append(kept, e)
	}
	v.order = kept

	if removed > 0 {
		v.log.Debug().Int("removed", removed).Int("remaining", len(v.nonces)).Msg("expired nonces evicted")
	}
	return removed
}

// NonceCacheSize returns the number of live nonce entries.
func (v *Verifier) NonceCacheSize() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.nonces)
}
