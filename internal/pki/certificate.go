// Package pki parses and validates shard identity certificates.
//
// A shard certificate is a standard X.509 certificate carrying custom
// extensions that bind the certificate to a shard: shard ID, datacenter,
// rack, owned token range, capability set, and role. Authorization
// decisions (may this peer replicate? administer?) are made against the
// parsed ShardCertificateInfo, not the raw certificate.
package pki

import (
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Custom X.509 extension OIDs under a private enterprise arc.
// Extension values are plain UTF-8 strings; the token range is encoded as
// "<start>-<end>" in decimal and capabilities as a comma-separated list.
var (
	oidShardID      = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 57264, 10, 1}
	oidDatacenter   = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 57264, 10, 2}
	oidRack         = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 57264, 10, 3}
	oidTokenRange   = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 57264, 10, 4}
	oidCapabilities = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 57264, 10, 5}
	oidRole         = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 57264, 10, 6}
)

// ErrNoCertificate is returned when PEM data contains no certificate block.
var ErrNoCertificate = errors.New("pki: no certificate in PEM data")

// ShardCertificateInfo is the parsed identity of a shard certificate.
type ShardCertificateInfo struct {
	// Standard certificate fields
	SubjectCN string
	IssuerCN  string
	Serial    string // Uppercase hex, as printed by OpenSSL
	NotBefore time.Time
	NotAfter  time.Time

	// Subject alternative names
	DNSNames []string
	URIs     []string

	// Shard-specific extensions
	ShardID         string
	Datacenter      string
	Rack            string
	TokenRangeStart uint64
	TokenRangeEnd   uint64
	Capabilities    []string
	Role            string // "primary" or "replica"
}

// HasCapability reports whether the certificate grants a named capability.
func (c *ShardCertificateInfo) HasCapability(cap string) bool {
	for _, have := range c.Capabilities {
		if have == cap {
			return true
		}
	}
	return false
}

// ValidAt reports whether t falls inside the certificate's validity
// window, bounds inclusive.
func (c *ShardCertificateInfo) ValidAt(t time.Time) bool {
	if c.NotBefore.IsZero() || c.NotAfter.IsZero() {
		return false
	}
	return !t.Before(c.NotBefore) && !t.After(c.NotAfter)
}

// ValidNow is ValidAt against the current clock.
func (c *ShardCertificateInfo) ValidNow() bool {
	return c.ValidAt(time.Now())
}

// ParseCertificateFile parses a PEM certificate file into shard identity
// info.
func ParseCertificateFile(path string) (*ShardCertificateInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pki: read certificate %s: %w", path, err)
	}
	return ParseCertificatePEM(data)
}

// ParseCertificatePEM parses PEM-encoded certificate data.
func ParseCertificatePEM(data []byte) (*ShardCertificateInfo, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, ErrNoCertificate
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("pki: parse certificate: %w", err)
	}
	return FromCertificate(cert), nil
}

// FromCertificate extracts shard identity info from a parsed certificate.
func FromCertificate(cert *x509.Certificate) *ShardCertificateInfo {
	info := &ShardCertificateInfo{
		SubjectCN: cert.Subject.CommonName,
		IssuerCN:  cert.Issuer.CommonName,
		Serial:    strings.ToUpper(cert.SerialNumber.Text(16)),
		NotBefore: cert.NotBefore,
		NotAfter:  cert.NotAfter,
		DNSNames:  cert.DNSNames,
	}
	for _, u := range cert.URIs {
		info.URIs = append(info.URIs, u.String())
	}

	for _, ext := range cert.Extensions {
		val := string(ext.Value)
		switch {
		case ext.Id.Equal(oidShardID):
			info.ShardID = val
		case ext.Id.Equal(oidDatacenter):
			info.Datacenter = val
		case ext.Id.Equal(oidRack):
			info.Rack = val
		case ext.Id.Equal(oidTokenRange):
			if start, end, err := parseTokenRange(val); err == nil {
				info.TokenRangeStart, info.TokenRangeEnd = start, end
			}
		case ext.Id.Equal(oidCapabilities):
			for _, cap := range strings.Split(val, ",") {
				if cap = strings.TrimSpace(cap); cap != "" {
					info.Capabilities = append(info.Capabilities, cap)
				}
			}
		case ext.Id.Equal(oidRole):
			info.Role = val
		}
	}
	return info
}

// parseTokenRange decodes "<start>-<end>" decimal.
func parseTokenRange(s string) (uint64, uint64, error) {
	dash := strings.IndexByte(s, '-')
	if dash < 0 {
		return 0, 0, fmt.Errorf("pki: malformed token range %q", s)
	}
	start, err := strconv.ParseUint(s[:dash], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("pki: malformed token range start %q: %w", s, err)
	}
	end, err := strconv.ParseUint(s[dash+1:], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("pki: malformed token range end %q: %w", s, err)
	}
	return start, end, nil
}

// ShardExtensions builds the extra extensions for issuing a shard
// certificate. Used by test fixtures and provisioning tools.
func ShardExtensions(shardID, datacenter, rack string, tokenStart, tokenEnd uint64, capabilities []string, role string) []pkix.Extension {
	exts := []pkix.Extension{
		{Id: oidShardID, Value: []byte(shardID)},
		{Id: oidTokenRange, Value: []byte(fmt.Sprintf("%d-%d", tokenStart, tokenEnd))},
		{Id: oidCapabilities, Value: []byte(strings.Join(capabilities, ","))},
	}
	if datacenter != "" {
		exts = append(exts, pkix.Extension{Id: oidDatacenter, Value: []byte(datacenter)})
	}
	if rack != "" {
		exts = append(exts, pkix.Extension{Id: oidRack, Value: []byte(rack)})
	}
	if role != "" {
		exts = append(exts, pkix.Extension{Id: oidRole, Value: []byte(role)})
	}
	return exts
}

// ValidateShardCertificate performs the structural checks that make a
// certificate usable as a shard identity: non-empty shard ID, a present
// validity window, at least one capability, and an ordered token range.
// Temporal validity against the clock is a separate check (ValidAt).
func ValidateShardCertificate(info *ShardCertificateInfo) bool {
	if info == nil {
		return false
	}
	if info.ShardID == "" {
		return false
	}
	if info.NotBefore.IsZero() || info.NotAfter.IsZero() {
		return false
	}
	if len(info.Capabilities) == 0 {
		return false
	}
	if info.TokenRangeStart > info.TokenRangeEnd {
		return false
	}
	return true
}

// VerifyAgainstCA checks that certPEM chains to the CA in caPEM.
func VerifyAgainstCA(certPEM, caPEM []byte) error {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return ErrNoCertificate
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("pki: parse certificate: %w", err)
	}

	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(caPEM) {
		return errors.New("pki: no usable CA certificate")
	}

	_, err = cert.Verify(x509.VerifyOptions{
		Roots: roots,
		// Shard certs are client and server certs at once under mTLS.
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return fmt.Errorf("pki: certificate not trusted: %w", err)
	}
	return nil
}

// PublicKeyFromPEM extracts the RSA public key from a PEM certificate.
func PublicKeyFromPEM(certPEM []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, ErrNoCertificate
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("pki: parse certificate: %w", err)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("pki: certificate key is %T, want RSA", cert.PublicKey)
	}
	return pub, nil
}
