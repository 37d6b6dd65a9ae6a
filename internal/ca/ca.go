// Package ca implements the built-in certificate authority that anchors mTLS
// on the bus. Core holds the CA; agents receive a keypair at registration and
// never generate CSRs. All certificates use ECDSA P-256.
package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	caValidity   = 10 * 365 * 24 * time.Hour
	leafValidity = 365 * 24 * time.Hour
)

// CA is the signing authority. The CA cert is self-signed with a 10-year
// validity; issued certs last 1 year.
type CA struct {
	certPath string
	keyPath  string
	cert     *x509.Certificate
	key      *ecdsa.PrivateKey
	mu       sync.Mutex // serialises issuance
}

// Credentials is the PEM bundle handed to an agent at registration. The
// private key exists only in this response and on the agent's disk.
type Credentials struct {
	CertPEM []byte
	KeyPEM  []byte
	CAPEM   []byte
}

// Ensure loads or creates the CA under dir. Existing ca.pem/ca-key.pem are
// reused when they parse; broken files are regenerated. The directory is
// created if missing.
func Ensure(dir string) (*CA, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create ca dir: %w", err)
	}

	certPath := filepath.Join(dir, "ca.pem")
	keyPath := filepath.Join(dir, "ca-key.pem")

	if fileExists(certPath) && fileExists(keyPath) {
		ca, err := load(certPath, keyPath)
		if err == nil {
			return ca, nil
		}
		// Broken files fall through to regeneration.
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ca key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, fmt.Errorf("generate ca serial: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Argus"},
			CommonName:   "Argus CA",
		},
		NotBefore: now.Add(-1 * time.Hour), // small backdate for clock skew
		NotAfter:  now.Add(caValidity),

		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            0, // leaf-only — cannot issue sub-CAs
		MaxPathLenZero:        true,

		KeyUsage: x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create ca cert: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parse ca cert: %w", err)
	}

	if err := writeCertPEM(certPath, certDER, 0644); err != nil {
		return nil, err
	}
	if err := writeKeyPEM(keyPath, key); err != nil {
		return nil, err
	}

	return &CA{certPath: certPath, keyPath: keyPath, cert: cert, key: key}, nil
}

// IssueAgentCredentials generates a fresh ECDSA P-256 keypair for agentID and
// signs a client certificate over it. Subject is O=Argus, OU=Agents,
// CN=<agentID>; key usage is digitalSignature|keyEncipherment with the
// ClientAuth extended usage, matching what the NATS server verifies.
func (ca *CA) IssueAgentCredentials(agentID string) (*Credentials, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate agent key: %w", err)
	}

	ca.mu.Lock()
	defer ca.mu.Unlock()

	serial, err := randomSerial()
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	ski, err := subjectKeyID(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("compute subject key id: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization:       []string{"Argus"},
			OrganizationalUnit: []string{"Agents"},
			CommonName:         agentID,
		},
		NotBefore: now.Add(-1 * time.Hour),
		NotAfter:  now.Add(leafValidity),

		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		SubjectKeyId:          ski, // AuthorityKeyId chains from the CA's SKI
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return nil, fmt.Errorf("sign agent cert: %w", err)
	}

	keyPEM, err := marshalKeyPEM(key)
	if err != nil {
		return nil, err
	}
	return &Credentials{
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}),
		KeyPEM:  keyPEM,
		CAPEM:   ca.CertPEM(),
	}, nil
}

// IssueServerCert generates a keypair and certificate for the bus server
// itself, with ServerAuth plus ClientAuth and SANs covering localhost and
// the host's private IPs. Used when provisioning the NATS server for mTLS.
func (ca *CA) IssueServerCert(name string) (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate server key: %w", err)
	}

	ca.mu.Lock()
	defer ca.mu.Unlock()

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Argus"},
			CommonName:   name,
		},
		NotBefore: now.Add(-1 * time.Hour),
		NotAfter:  now.Add(leafValidity),

		KeyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		},
		BasicConstraintsValid: true,

		DNSNames:    []string{"localhost", name},
		IPAddresses: privateIPs(),
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return nil, nil, fmt.Errorf("sign server cert: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM, err = marshalKeyPEM(key)
	if err != nil {
		return nil, nil, err
	}
	return certPEM, keyPEM, nil
}

// CertPEM returns the CA certificate in PEM form. Distributed to agents so
// they can verify the bus server during the mTLS handshake.
func (ca *CA) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.cert.Raw})
}

func load(certPath, keyPath string) (*CA, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("read ca cert: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read ca key: %w", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in ca cert")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse ca cert: %w", err)
	}

	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in ca key")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse ca key: %w", err)
	}

	return &CA{certPath: certPath, keyPath: keyPath, cert: cert, key: key}, nil
}

// randomSerial generates a random 128-bit serial, per CABForum guidance.
func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}

// subjectKeyID computes the RFC 5280 method-1 key identifier: SHA-1 over the
// subjectPublicKey bit string.
func subjectKeyID(pub *ecdsa.PublicKey) ([]byte, error) {
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	var wrapper struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(spki, &wrapper); err != nil {
		return nil, err
	}
	sum := sha1.Sum(wrapper.PublicKey.Bytes)
	return sum[:], nil
}

// privateIPs returns IP SANs for server certificates: loopback plus private
// unicast IPs from the host's interfaces, deduplicated.
func privateIPs() []net.IP {
	ips := []net.IP{
		net.ParseIP("127.0.0.1"),
		net.ParseIP("::1"),
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ips // best-effort — loopback is always available
	}

	seen := make(map[string]bool)
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ipNet.IP.IsLoopback() || !ipNet.IP.IsPrivate() {
			continue
		}
		s := ipNet.IP.String()
		if seen[s] {
			continue
		}
		seen[s] = true
		ips = append(ips, ipNet.IP)
	}
	return ips
}

func marshalKeyPEM(key *ecdsa.PrivateKey) ([]byte, error) {
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), nil
}

func writeCertPEM(path string, certDER []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("write cert %s: %w", path, err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: "CERTIFICATE", Bytes: certDER}); err != nil {
		return fmt.Errorf("encode cert pem: %w", err)
	}
	return nil
}

func writeKeyPEM(path string, key *ecdsa.PrivateKey) error {
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("write key %s: %w", path, err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}); err != nil {
		return fmt.Errorf("encode key pem: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
