package signing

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/themisdb/themis/internal/pki"
)

// SignerConfig configures a request signer from on-disk key material.
type SignerConfig struct {
	ShardID       string // This shard's ID, stamped into every request
	CertPath      string // PEM certificate; its serial identifies the signing key
	KeyPath       string // PEM private key (PKCS#1 or PKCS#8 RSA)
	KeyPassphrase string // Optional passphrase for an encrypted key
}

// Signer produces SignedRequests on behalf of one shard.
// Safe for concurrent use; rsa signing is stateless.
type Signer struct {
	shardID    string
	key        *rsa.PrivateKey
	certSerial string

	// Injection points for deterministic tests.
	now   func() time.Time
	nonce func() (uint64, error)
}

// NewSigner loads the key and certificate named by cfg.
func NewSigner(cfg SignerConfig) (*Signer, error) {
	key, err := loadPrivateKey(cfg.KeyPath, cfg.KeyPassphrase)
	if err != nil {
		return nil, err
	}

	info, err := pki.ParseCertificateFile(cfg.CertPath)
	if err != nil {
		return nil, fmt.Errorf("signing: load certificate: %w", err)
	}

	return newSigner(cfg.ShardID, key, info.Serial), nil
}

// NewSignerFromKey builds a signer from in-memory material. Used by tests
// and by embedders that manage key material themselves.
func NewSignerFromKey(shardID string, key *rsa.PrivateKey, certSerial string) *Signer {
	return newSigner(shardID, key, certSerial)
}

func newSigner(shardID string, key *rsa.PrivateKey, certSerial string) *Signer {
	return &Signer{
		shardID:    shardID,
		key:        key,
		certSerial: certSerial,
		now:        time.Now,
		nonce:      randomNonce,
	}
}

// ShardID returns the identity this signer signs as.
func (s *Signer) ShardID() string {
	return s.shardID
}

// Sign stamps the request with the signer's identity, a fresh timestamp
// and nonce, and the signature over the canonical string. Any previously
// set identity, timestamp, nonce, or signature is overwritten, which is
// what makes per-attempt re-signing on retry safe.
func (s *Signer) Sign(req *SignedRequest) error {
	nonce, err := s.nonce()
	if err != nil {
		return fmt.Errorf("signing: generate nonce: %w", err)
	}

	req.ShardID = s.shardID
	req.TimestampMS = uint64(s.now().UnixMilli())
	req.Nonce = nonce
	req.CertSerial = s.certSerial

	digest := sha256.Sum256([]byte(req.CanonicalString()))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return fmt.Errorf("signing: sign request: %w", err)
	}

	req.SignatureB64 = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// NewRequest builds and signs a request in one step.
func (s *Signer) NewRequest(operation, path string, body json.RawMessage) (*SignedRequest, error) {
	req := &SignedRequest{
		Operation: operation,
		Path:      path,
		Body:      body,
	}
	if err := s.Sign(req); err != nil {
		return nil, err
	}
	return req, nil
}

// randomNonce draws a uniform 64-bit nonce from the CSPRNG.
func randomNonce() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// loadPrivateKey reads an RSA private key in PKCS#1 or PKCS#8 PEM form,
// decrypting legacy-encrypted PEM blocks when a passphrase is given.
func loadPrivateKey(path, passphrase string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("signing: read key %s: %w", path, err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("signing: no PEM block in key %s", path)
	}

	der := block.Bytes
	if passphrase != "" && x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck // legacy encrypted PEM support
		der, err = x509.DecryptPEMBlock(block, []byte(passphrase)) //nolint:staticcheck
		if err != nil {
			return nil, fmt.Errorf("signing: decrypt key %s: %w", path, err)
		}
	}

	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("signing: parse key %s: %w", path, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing: key %s is %T, want RSA", path, parsed)
	}
	return key, nil
}
