package signing

import (
	"crypto/rsa"
	"fmt"
	"os"
	"sync"

	"github.com/themisdb/themis/internal/pki"
)

// CertStore is the production CertSource: a registry of peer shard
// certificates, each verified against the cluster CA before admission and
// indexed by serial. Safe for concurrent use.
type CertStore struct {
	caPEM []byte

	mu       sync.RWMutex
	bySerial map[string]storedCert
}

type storedCert struct {
	info *pki.ShardCertificateInfo
	pub  *rsa.PublicKey
}

// NewCertStore creates a store trusting the CA certificate at caPath.
func NewCertStore(caPath string) (*CertStore, error) {
	caPEM, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("signing: read CA certificate %s: %w", caPath, err)
	}
	return NewCertStoreFromPEM(caPEM), nil
}

// NewCertStoreFromPEM creates a store trusting the given CA PEM bytes.
func NewCertStoreFromPEM(caPEM []byte) *CertStore {
	return &CertStore{
		caPEM:    caPEM,
		bySerial: make(map[string]storedCert),
	}
}

// AddPEM admits a peer certificate after verifying it chains to the CA.
// Re-adding a serial replaces the stored entry.
func (s *CertStore) AddPEM(certPEM []byte) (*pki.ShardCertificateInfo, error) {
	if err := pki.VerifyAgainstCA(certPEM, s.caPEM); err != nil {
		return nil, err
	}

	info, err := pki.ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, err
	}
	pub, err := pki.PublicKeyFromPEM(certPEM)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.bySerial[info.Serial] = storedCert{info: info, pub: pub}
	s.mu.Unlock()
	return info, nil
}

// AddFile admits a peer certificate from a PEM file.
func (s *CertStore) AddFile(path string) (*pki.ShardCertificateInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("signing: read certificate %s: %w", path, err)
	}
	return s.AddPEM(data)
}

// CertificateBySerial implements CertSource.
func (s *CertStore) CertificateBySerial(serial string) (*pki.ShardCertificateInfo, *rsa.PublicKey, error) {
	s.mu.RLock()
	entry, ok := s.bySerial[serial]
	s.mu.RUnlock()

	if !ok {
		return nil, nil, fmt.Errorf("signing: unknown certificate serial %s", serial)
	}
	return entry.info, entry.pub, nil
}

// Len returns the number of admitted certificates.
func (s *CertStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bySerial)
}

// StaticCertSource is an in-memory CertSource for tests and mock signing
// setups: serials map straight to identities with no CA involvement.
type StaticCertSource struct {
	mu      sync.RWMutex
	entries map[string]storedCert
}

// NewStaticCertSource creates an empty static source.
func NewStaticCertSource() *StaticCertSource {
	return &StaticCertSource{entries: make(map[string]storedCert)}
}

// Add registers an identity and public key under a serial.
func (s *StaticCertSource) Add(serial string, info *pki.ShardCertificateInfo, pub *rsa.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[serial] = storedCert{info: info, pub: pub}
}

// CertificateBySerial implements CertSource.
func (s *StaticCertSource) CertificateBySerial(serial string) (*pki.ShardCertificateInfo, *rsa.PublicKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[serial]
	if !ok {
		return nil, nil, fmt.Errorf("signing: unknown certificate serial %s", serial)
	}
	return entry.info, entry.pub, nil
}
