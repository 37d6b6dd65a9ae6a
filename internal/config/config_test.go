package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadCoreDefaults(t *testing.T) {
	cfg := LoadCore()
	if cfg.HTTPAddr != "0.0.0.0:8000" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.AdvertiseURL != "http://localhost:8000/api/v1" {
		t.Errorf("AdvertiseURL = %q", cfg.AdvertiseURL)
	}
	if cfg.NATSURL != "nats://localhost:4222" {
		t.Errorf("NATSURL = %q", cfg.NATSURL)
	}
	if cfg.OllamaModel != "llama3.2" {
		t.Errorf("OllamaModel = %q", cfg.OllamaModel)
	}
	if cfg.TIFetchInterval != time.Hour {
		t.Errorf("TIFetchInterval = %s", cfg.TIFetchInterval)
	}
	if cfg.IngestWorkers != 4 {
		t.Errorf("IngestWorkers = %d", cfg.IngestWorkers)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config must validate, got %v", err)
	}
}

func TestLoadCoreOverrides(t *testing.T) {
	t.Setenv("ARGUS_HTTP_ADDR", "127.0.0.1:9000")
	t.Setenv("ARGUS_TI_FETCH_INTERVAL", "30m")
	t.Setenv("ARGUS_INGEST_WORKERS", "8")
	t.Setenv("ARGUS_LOG_JSON", "false")

	cfg := LoadCore()
	if cfg.HTTPAddr != "127.0.0.1:9000" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.TIFetchInterval != 30*time.Minute {
		t.Errorf("TIFetchInterval = %s", cfg.TIFetchInterval)
	}
	if cfg.IngestWorkers != 8 {
		t.Errorf("IngestWorkers = %d", cfg.IngestWorkers)
	}
	if cfg.LogJSON {
		t.Error("LogJSON should be false")
	}
}

func TestLoadCoreBadValuesFallBack(t *testing.T) {
	t.Setenv("ARGUS_INGEST_WORKERS", "many")
	t.Setenv("ARGUS_TI_FETCH_INTERVAL", "soon")
	t.Setenv("ARGUS_LOG_JSON", "yes please")

	cfg := LoadCore()
	if cfg.IngestWorkers != 4 {
		t.Errorf("IngestWorkers = %d, want default 4", cfg.IngestWorkers)
	}
	if cfg.TIFetchInterval != time.Hour {
		t.Errorf("TIFetchInterval = %s, want default 1h", cfg.TIFetchInterval)
	}
	if !cfg.LogJSON {
		t.Error("LogJSON should fall back to default true")
	}
}

func TestCoreValidateRejectsDefaultSecretInProduction(t *testing.T) {
	cfg := LoadCore()
	cfg.Environment = "production"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for default master secret in production")
	}
	if !strings.Contains(err.Error(), "ARGUS_MASTER_SECRET") {
		t.Errorf("error does not name the secret: %v", err)
	}

	cfg.MasterSecret = "a-real-secret"
	if err := cfg.Validate(); err != nil {
		t.Errorf("changed secret must validate, got %v", err)
	}
}

func TestCoreValidateCollectsAllErrors(t *testing.T) {
	cfg := LoadCore()
	cfg.PostgresDSN = ""
	cfg.NATSURL = ""
	cfg.Environment = "staging"
	cfg.IngestWorkers = 0
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"ARGUS_POSTGRES_DSN", "ARGUS_NATS_URL", "ARGUS_ENV", "ARGUS_INGEST_WORKERS"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %s: %v", want, err)
		}
	}
}

func TestCoreValidateCertPair(t *testing.T) {
	cfg := LoadCore()
	cfg.NATSCert = "/etc/argus/cert.pem"
	if err := cfg.Validate(); err == nil {
		t.Error("cert without key must not validate")
	}
	cfg.NATSKey = "/etc/argus/key.pem"
	if err := cfg.Validate(); err != nil {
		t.Errorf("cert with key must validate, got %v", err)
	}
}

func TestLoadSentinelDefaults(t *testing.T) {
	cfg := LoadSentinel()
	if cfg.Subtype != "network" {
		t.Errorf("Subtype = %q", cfg.Subtype)
	}
	if cfg.ProbeInterval != 10*time.Second {
		t.Errorf("ProbeInterval = %s", cfg.ProbeInterval)
	}
	if !cfg.DeceptionEnabled {
		t.Error("deception should default on")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default sentinel config must validate, got %v", err)
	}
}

func TestSentinelValidate(t *testing.T) {
	cfg := LoadSentinel()
	cfg.ProbeInterval = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero probe interval must not validate")
	}

	cfg = LoadSentinel()
	cfg.DecoyDir = ""
	if err := cfg.Validate(); err == nil {
		t.Error("deception without decoy dir must not validate")
	}
	cfg.DeceptionEnabled = false
	if err := cfg.Validate(); err != nil {
		t.Errorf("deception off needs no decoy dir, got %v", err)
	}
}

func TestLoadStrikerDefaults(t *testing.T) {
	cfg := LoadStriker()
	if cfg.Subtype != "endpoint" {
		t.Errorf("Subtype = %q", cfg.Subtype)
	}
	if cfg.MaxConcurrent != 0 {
		t.Errorf("MaxConcurrent = %d", cfg.MaxConcurrent)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default striker config must validate, got %v", err)
	}
}

func TestStrikerValidate(t *testing.T) {
	cfg := LoadStriker()
	cfg.MaxConcurrent = -1
	if err := cfg.Validate(); err == nil {
		t.Error("negative concurrency must not validate")
	}
}

func TestAgentValidate(t *testing.T) {
	a := Agent{}
	err := a.Validate()
	if err == nil {
		t.Fatal("empty agent config must not validate")
	}
	for _, want := range []string{"ARGUS_NATS_URL", "ARGUS_CORE_URL", "ARGUS_DATA_DIR", "ARGUS_AGENT_SUBTYPE"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %s: %v", want, err)
		}
	}
}
