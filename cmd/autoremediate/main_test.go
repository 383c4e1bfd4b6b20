package main

import (
	"testing"

	"github.com/autoremediate/autoremediate/internal/config"
)

func TestOpenDBRejectsUnsupportedDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Driver = "mysql"

	_, err := openDB(cfg)
	if err == nil {
		t.Fatal("openDB() = nil error, want error for unsupported driver")
	}
}

func TestBuildServicesFailsWithoutVaultKey(t *testing.T) {
	cfg := config.Default()
	cfg.Database.DSN = t.TempDir() + "/test.db"
	cfg.Vault.EncryptionKeyBase64 = "not-valid-base64-or-right-length"

	if _, err := buildServices(cfg); err == nil {
		t.Fatal("buildServices() = nil error, want error for invalid vault key")
	}
}
