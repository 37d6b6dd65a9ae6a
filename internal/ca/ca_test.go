package ca

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureCreatesNewCA(t *testing.T) {
	dir := t.TempDir()
	ca, err := Ensure(dir)
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "ca.pem")); err != nil {
		t.Fatalf("ca.pem not found: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, "ca-key.pem"))
	if err != nil {
		t.Fatalf("ca-key.pem not found: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("ca-key.pem permissions: got %o, want 0600", perm)
	}

	if !ca.cert.IsCA {
		t.Error("CA cert should have IsCA=true")
	}
	if ca.cert.Subject.CommonName != "Argus CA" {
		t.Errorf("CA CN: got %q, want Argus CA", ca.cert.Subject.CommonName)
	}
	if ca.cert.MaxPathLen != 0 || !ca.cert.MaxPathLenZero {
		t.Error("CA should be leaf-only (MaxPathLen=0, MaxPathLenZero=true)")
	}
	pub, ok := ca.cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		t.Fatal("CA public key is not ECDSA")
	}
	if pub.Curve != elliptic.P256() {
		t.Error("CA key should use P-256")
	}
}

func TestEnsureLoadsExisting(t *testing.T) {
	dir := t.TempDir()

	ca1, err := Ensure(dir)
	if err != nil {
		t.Fatalf("first Ensure failed: %v", err)
	}
	ca2, err := Ensure(dir)
	if err != nil {
		t.Fatalf("second Ensure failed: %v", err)
	}
	if !bytes.Equal(ca1.CertPEM(), ca2.CertPEM()) {
		t.Error("second Ensure should load the same CA, not regenerate")
	}
}

func TestIssueAgentCredentials(t *testing.T) {
	ca, err := Ensure(t.TempDir())
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}

	creds, err := ca.IssueAgentCredentials("sent-42")
	if err != nil {
		t.Fatalf("IssueAgentCredentials failed: %v", err)
	}

	block, _ := pem.Decode(creds.CertPEM)
	if block == nil {
		t.Fatal("no PEM block in agent cert")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse agent cert: %v", err)
	}

	if cert.Subject.CommonName != "sent-42" {
		t.Errorf("CN: got %q, want sent-42", cert.Subject.CommonName)
	}
	if len(cert.Subject.Organization) == 0 || cert.Subject.Organization[0] != "Argus" {
		t.Errorf("O: got %v, want [Argus]", cert.Subject.Organization)
	}
	if len(cert.Subject.OrganizationalUnit) == 0 || cert.Subject.OrganizationalUnit[0] != "Agents" {
		t.Errorf("OU: got %v, want [Agents]", cert.Subject.OrganizationalUnit)
	}
	if cert.KeyUsage&x509.KeyUsageDigitalSignature == 0 {
		t.Error("agent cert should have digitalSignature usage")
	}
	if cert.KeyUsage&x509.KeyUsageKeyEncipherment == 0 {
		t.Error("agent cert should have keyEncipherment usage")
	}
	if len(cert.ExtKeyUsage) != 1 || cert.ExtKeyUsage[0] != x509.ExtKeyUsageClientAuth {
		t.Errorf("EKU: got %v, want [ClientAuth]", cert.ExtKeyUsage)
	}
	if len(cert.SubjectKeyId) == 0 {
		t.Error("agent cert missing SubjectKeyId")
	}
	if !bytes.Equal(cert.AuthorityKeyId, ca.cert.SubjectKeyId) {
		t.Error("AuthorityKeyId should chain from the CA's SubjectKeyId")
	}

	// Chain must verify against the CA, for client auth.
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(creds.CAPEM) {
		t.Fatal("CA PEM did not parse into pool")
	}
	if _, err := cert.Verify(x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}); err != nil {
		t.Errorf("agent cert failed verification: %v", err)
	}

	// The private key pairs with the cert.
	keyBlock, _ := pem.Decode(creds.KeyPEM)
	if keyBlock == nil {
		t.Fatal("no PEM block in agent key")
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		t.Fatalf("parse agent key: %v", err)
	}
	if !key.PublicKey.Equal(cert.PublicKey) {
		t.Error("agent key does not match cert public key")
	}
}

func TestIssueServerCert(t *testing.T) {
	ca, err := Ensure(t.TempDir())
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}

	certPEM, keyPEM, err := ca.IssueServerCert("argus-core")
	if err != nil {
		t.Fatalf("IssueServerCert failed: %v", err)
	}
	if len(keyPEM) == 0 {
		t.Fatal("empty server key")
	}

	block, _ := pem.Decode(certPEM)
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse server cert: %v", err)
	}

	hasServer, hasClient := false, false
	for _, eku := range cert.ExtKeyUsage {
		switch eku {
		case x509.ExtKeyUsageServerAuth:
			hasServer = true
		case x509.ExtKeyUsageClientAuth:
			hasClient = true
		}
	}
	if !hasServer || !hasClient {
		t.Errorf("server cert EKUs: got %v, want ServerAuth+ClientAuth", cert.ExtKeyUsage)
	}
	if err := cert.VerifyHostname("localhost"); err != nil {
		t.Errorf("server cert should cover localhost: %v", err)
	}
}
