package pki

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"
)

// issueCert creates a certificate with shard extensions, optionally signed
// by a parent CA. Returns the PEM bytes and the key.
func issueCert(t *testing.T, cn, shardID string, start, end uint64, caps []string,
	parent *x509.Certificate, parentKey *rsa.PrivateKey, isCA bool) ([]byte, *x509.Certificate, *rsa.PrivateKey) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  isCA,
	}
	if shardID != "" {
		tmpl.ExtraExtensions = ShardExtensions(shardID, "dc1", "rack01", start, end, caps, "primary")
	}

	signer := tmpl
	signerKey := key
	if parent != nil {
		signer = parent
		signerKey = parentKey
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, signer, &key.PublicKey, signerKey)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse created certificate: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return pemBytes, cert, key
}

// TestParseCertificatePEM verifies extraction of standard fields and shard
// extensions.
func TestParseCertificatePEM(t *testing.T) {
	pemBytes, _, _ := issueCert(t, "shard-001.themis.local", "shard-001",
		0, 1000, []string{"read", "write", "replicate"}, nil, nil, false)

	info, err := ParseCertificatePEM(pemBytes)
	if err != nil {
		t.Fatalf("ParseCertificatePEM failed: %v", err)
	}

	if info.SubjectCN != "shard-001.themis.local" {
		t.Errorf("SubjectCN = %q", info.SubjectCN)
	}
	if info.ShardID != "shard-001" {
		t.Errorf("ShardID = %q", info.ShardID)
	}
	if info.Datacenter != "dc1" || info.Rack != "rack01" {
		t.Errorf("locality = %q/%q", info.Datacenter, info.Rack)
	}
	if info.TokenRangeStart != 0 || info.TokenRangeEnd != 1000 {
		t.Errorf("token range = [%d, %d]", info.TokenRangeStart, info.TokenRangeEnd)
	}
	if len(info.Capabilities) != 3 || !info.HasCapability("replicate") {
		t.Errorf("capabilities = %v", info.Capabilities)
	}
	if info.Role != "primary" {
		t.Errorf("Role = %q", info.Role)
	}
	if info.Serial == "" {
		t.Error("empty serial")
	}
	if !info.ValidNow() {
		t.Error("freshly issued certificate should be temporally valid")
	}
}

// TestParseCertificatePEMRejectsGarbage covers non-certificate input.
func TestParseCertificatePEMRejectsGarbage(t *testing.T) {
	if _, err := ParseCertificatePEM([]byte("not a pem")); err == nil {
		t.Error("expected error for non-PEM input")
	}
	if _, err := ParseCertificatePEM(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte{1}})); err == nil {
		t.Error("expected error for wrong block type")
	}
}

// TestValidateShardCertificate covers the structural checks one by one.
func TestValidateShardCertificate(t *testing.T) {
	valid := func() *ShardCertificateInfo {
		return &ShardCertificateInfo{
			ShardID:         "shard-001",
			NotBefore:       time.Now().Add(-time.Hour),
			NotAfter:        time.Now().Add(time.Hour),
			TokenRangeStart: 0,
			TokenRangeEnd:   1000,
			Capabilities:    []string{"read"},
		}
	}

	if !ValidateShardCertificate(valid()) {
		t.Fatal("valid certificate rejected")
	}
	if ValidateShardCertificate(nil) {
		t.Error("nil info accepted")
	}

	c := valid()
	c.ShardID = ""
	if ValidateShardCertificate(c) {
		t.Error("empty shard ID accepted")
	}

	c = valid()
	c.NotBefore = time.Time{}
	if ValidateShardCertificate(c) {
		t.Error("missing not_before accepted")
	}

	c = valid()
	c.Capabilities = nil
	if ValidateShardCertificate(c) {
		t.Error("empty capability set accepted")
	}

	// Inverted token range must fail.
	c = valid()
	c.TokenRangeStart = 1000
	c.TokenRangeEnd = 100
	if ValidateShardCertificate(c) {
		t.Error("inverted token range accepted")
	}
}

// TestValidAt covers the inclusive validity window.
func TestValidAt(t *testing.T) {
	nb := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	na := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)
	c := &ShardCertificateInfo{NotBefore: nb, NotAfter: na}

	if !c.ValidAt(nb) || !c.ValidAt(na) {
		t.Error("window bounds should be inclusive")
	}
	if c.ValidAt(nb.Add(-time.Second)) {
		t.Error("before window accepted")
	}
	if c.ValidAt(na.Add(time.Second)) {
		t.Error("after window accepted")
	}
	if (&ShardCertificateInfo{}).ValidAt(nb) {
		t.Error("zero window accepted")
	}
}

// TestVerifyAgainstCA verifies chain checking against the cluster CA.
func TestVerifyAgainstCA(t *testing.T) {
	caPEM, caCert, caKey := issueCert(t, "themis-cluster-ca", "", 0, 0, nil, nil, nil, true)
	shardPEM, _, _ := issueCert(t, "shard-001", "shard-001", 0, 100, []string{"read"}, caCert, caKey, false)

	if err := VerifyAgainstCA(shardPEM, caPEM); err != nil {
		t.Errorf("CA-signed certificate rejected: %v", err)
	}

	// A self-signed cert from outside the CA must be rejected.
	roguePEM, _, _ := issueCert(t, "rogue", "rogue", 0, 100, []string{"admin"}, nil, nil, false)
	if err := VerifyAgainstCA(roguePEM, caPEM); err == nil {
		t.Error("rogue certificate accepted")
	}
}

// TestPublicKeyFromPEM verifies RSA key extraction.
func TestPublicKeyFromPEM(t *testing.T) {
	pemBytes, cert, _ := issueCert(t, "shard-001", "shard-001", 0, 100, []string{"read"}, nil, nil, false)

	pub, err := PublicKeyFromPEM(pemBytes)
	if err != nil {
		t.Fatalf("PublicKeyFromPEM failed: %v", err)
	}
	if pub.N.Cmp(cert.PublicKey.(*rsa.PublicKey).N) != 0 {
		t.Error("extracted key does not match certificate key")
	}
}
