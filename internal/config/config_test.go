package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	if cfg.Server.Host != "0.0.0.0" {
		t.Fatalf("Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Fatalf("Database.Driver = %q, want %q", cfg.Database.Driver, "sqlite")
	}
	if cfg.Vault.EncryptionKeyBase64 != "change-me-in-production" {
		t.Fatalf("Vault.EncryptionKeyBase64 = %q, want default", cfg.Vault.EncryptionKeyBase64)
	}
	if cfg.Remediation.MaxCandidateFiles != 3 {
		t.Fatalf("Remediation.MaxCandidateFiles = %d, want 3", cfg.Remediation.MaxCandidateFiles)
	}
	if cfg.Remediation.MaxErrorsPerFile != 5 {
		t.Fatalf("Remediation.MaxErrorsPerFile = %d, want 5", cfg.Remediation.MaxErrorsPerFile)
	}
	if cfg.Remediation.Deadline != 5*time.Minute {
		t.Fatalf("Remediation.Deadline = %v, want 5m", cfg.Remediation.Deadline)
	}
	if cfg.Remediation.ProviderRetryMaxAttempts != 3 {
		t.Fatalf("Remediation.ProviderRetryMaxAttempts = %d, want 3", cfg.Remediation.ProviderRetryMaxAttempts)
	}
}

func TestValidateServeRejectsDefaults(t *testing.T) {
	cfg := Default()
	if err := cfg.ValidateServe(); err == nil {
		t.Fatal("ValidateServe() = nil, want error for default encryption key")
	}
	cfg.Vault.EncryptionKeyBase64 = "dGVzdC1rZXktMzItYnl0ZXMtZm9yLWFlcy0yNTY="
	cfg.LLM.APIKey = "sk-test"
	if err := cfg.ValidateServe(); err != nil {
		t.Fatalf("ValidateServe() = %v, want nil", err)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("AUTOREMEDIATE_HOST", "127.0.0.1")
	t.Setenv("AUTOREMEDIATE_PORT", "4000")
	t.Setenv("AUTOREMEDIATE_TRUSTED_PROXIES", "10.0.0.0/8, 192.168.1.10")
	t.Setenv("AUTOREMEDIATE_DB_DRIVER", "postgres")
	t.Setenv("AUTOREMEDIATE_DB_DSN", "postgres://example")
	t.Setenv("AUTOREMEDIATE_TOKEN_ENCRYPTION_KEY", "unit-test-key")
	t.Setenv("AUTOREMEDIATE_MAX_CANDIDATE_FILES", "9")
	t.Setenv("AUTOREMEDIATE_REMEDIATION_DEADLINE", "90s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Fatalf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 4000 {
		t.Fatalf("Server.Port = %d, want 4000", cfg.Server.Port)
	}
	if len(cfg.Server.TrustedProxies) != 2 {
		t.Fatalf("Server.TrustedProxies length = %d, want 2", len(cfg.Server.TrustedProxies))
	}
	if cfg.Database.Driver != "postgres" {
		t.Fatalf("Database.Driver = %q, want %q", cfg.Database.Driver, "postgres")
	}
	if cfg.Vault.EncryptionKeyBase64 != "unit-test-key" {
		t.Fatalf("Vault.EncryptionKeyBase64 = %q, want override", cfg.Vault.EncryptionKeyBase64)
	}
	if cfg.Remediation.MaxCandidateFiles != 9 {
		t.Fatalf("Remediation.MaxCandidateFiles = %d, want 9", cfg.Remediation.MaxCandidateFiles)
	}
	if cfg.Remediation.Deadline != 90*time.Second {
		t.Fatalf("Remediation.Deadline = %v, want 90s", cfg.Remediation.Deadline)
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte(`
server:
  host: 127.0.0.1
  port: 5555
database:
  driver: sqlite
  dsn: test.db
vault:
  encryption_key_id: k2
oauth:
  callback_base_url: https://autoremediate.example.com
remediation:
  max_candidate_files: 3
  worker_count: 2
`)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load(path): %v", err)
	}

	if cfg.Server.Port != 5555 {
		t.Fatalf("Server.Port = %d, want 5555", cfg.Server.Port)
	}
	if cfg.Vault.EncryptionKeyID != "k2" {
		t.Fatalf("Vault.EncryptionKeyID = %q, want %q", cfg.Vault.EncryptionKeyID, "k2")
	}
	if cfg.OAuth.CallbackBaseURL != "https://autoremediate.example.com" {
		t.Fatalf("OAuth.CallbackBaseURL = %q, want override", cfg.OAuth.CallbackBaseURL)
	}
	if cfg.Remediation.MaxCandidateFiles != 3 {
		t.Fatalf("Remediation.MaxCandidateFiles = %d, want 3", cfg.Remediation.MaxCandidateFiles)
	}
	if cfg.Remediation.WorkerCount != 2 {
		t.Fatalf("Remediation.WorkerCount = %d, want 2", cfg.Remediation.WorkerCount)
	}
}
