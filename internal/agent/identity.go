// Package agent carries the client-side plumbing every Argus agent shares:
// durable identity on disk, registration against Core with backoff, the
// remote config fetch with transport decryption, and the HTTP heartbeat
// fallback.
package agent

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/argus-sec/argus/internal/auth"
)

// Identity is what an agent persists across restarts: its self-generated
// API key, the id Core knows it by, and the credentials Core issued.
type Identity struct {
	AgentID string
	APIKey  string
	CertPEM []byte
	KeyPEM  []byte
	CAPEM   []byte
}

const (
	agentIDFile = "agent_id"
	apiKeyFile  = "api_key"
	certFile    = "cert.pem"
	keyFile     = "key.pem"
	caFile      = "ca.pem"
)

// NewIdentity generates a fresh identity with a high-entropy API key. The
// agent id stays empty until Core assigns one at registration.
func NewIdentity() (*Identity, error) {
	key, err := auth.GenerateAPIKey()
	if err != nil {
		return nil, fmt.Errorf("generate api key: %w", err)
	}
	return &Identity{APIKey: key}, nil
}

// LoadIdentity reads a persisted identity from dir. Returns nil (no error)
// when the agent has never registered, i.e. no API key file exists.
func LoadIdentity(dir string) (*Identity, error) {
	key, err := os.ReadFile(filepath.Join(dir, apiKeyFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read api key: %w", err)
	}

	id := &Identity{APIKey: strings.TrimSpace(string(key))}
	if raw, err := os.ReadFile(filepath.Join(dir, agentIDFile)); err == nil {
		id.AgentID = strings.TrimSpace(string(raw))
	}
	// Certs are optional on disk: an agent that crashed between key
	// generation and registration re-registers with the same key.
	id.CertPEM, _ = os.ReadFile(filepath.Join(dir, certFile))
	id.KeyPEM, _ = os.ReadFile(filepath.Join(dir, keyFile))
	id.CAPEM, _ = os.ReadFile(filepath.Join(dir, caFile))
	return id, nil
}

// TLSPaths returns where Save puts the credential triple under dir. The
// files may not exist yet on a first run; callers check before wiring mTLS.
func TLSPaths(dir string) (certPath, keyPath, caPath string) {
	return filepath.Join(dir, certFile), filepath.Join(dir, keyFile), filepath.Join(dir, caFile)
}

// Save persists the identity under dir with owner-only permissions. The API
// key and TLS key are secrets; everything in the state dir is treated as
// such.
func (id *Identity) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	files := map[string][]byte{
		apiKeyFile: []byte(id.APIKey + "\n"),
	}
	if id.AgentID != "" {
		files[agentIDFile] = []byte(id.AgentID + "\n")
	}
	if len(id.CertPEM) > 0 {
		files[certFile] = id.CertPEM
	}
	if len(id.KeyPEM) > 0 {
		files[keyFile] = id.KeyPEM
	}
	if len(id.CAPEM) > 0 {
		files[caFile] = id.CAPEM
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}
