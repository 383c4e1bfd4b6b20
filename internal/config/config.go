// Package config loads typed configuration for the remediation service
// from defaults, an optional YAML file, and environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Vault       VaultConfig       `yaml:"vault"`
	OAuth       OAuthConfig       `yaml:"oauth"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Remediation RemediationConfig `yaml:"remediation"`
	LLM         LLMConfig         `yaml:"llm"`
}

type ServerConfig struct {
	Host               string   `yaml:"host"`
	Port               int      `yaml:"port"`
	TrustedProxies     []string `yaml:"trusted_proxies"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`
}

// VaultConfig configures the credential vault's authenticated encryption.
type VaultConfig struct {
	// EncryptionKeyID identifies the active key for newly sealed secrets;
	// older ciphertexts keep the key id they were sealed under.
	EncryptionKeyID string `yaml:"encryption_key_id"`
	// EncryptionKeyBase64 is a 32-byte AES-256 key, base64-encoded.
	EncryptionKeyBase64 string `yaml:"-"`
}

type OAuthConfig struct {
	GitHubClientID     string `yaml:"-"`
	GitHubClientSecret string `yaml:"-"`
	GitLabClientID     string `yaml:"-"`
	GitLabClientSecret string `yaml:"-"`
	// CallbackBaseURL is prefixed to each provider's
	// /api/v1/oauth/{provider}/callback route.
	CallbackBaseURL string `yaml:"callback_base_url"`
	// StateTTL bounds how long an unclaimed authorization request lives.
	StateTTL time.Duration `yaml:"-"`
}

type IngestConfig struct {
	// WebhookPathPrefix mounts the per-provider ingest endpoints.
	WebhookPathPrefix string `yaml:"webhook_path_prefix"`
	// MaxBodyBytes bounds a single webhook delivery payload.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

type RemediationConfig struct {
	// MaxCandidateFiles bounds how many distinct files a single incident
	// may touch.
	MaxCandidateFiles int `yaml:"max_candidate_files"`
	// MaxErrorsPerFile bounds how many error blocks are kept per
	// candidate file once ranked by severity; the rest are dropped
	// before the file is ever sent to the model.
	MaxErrorsPerFile int `yaml:"max_errors_per_file"`
	// MaxPatchesPerFile bounds substitutions applied within one file. A
	// model response that exceeds it is rejected outright, not truncated.
	MaxPatchesPerFile int `yaml:"max_patches_per_file"`
	// Deadline bounds the whole orchestration run for one incident.
	Deadline time.Duration `yaml:"-"`
	// WorkerCount sizes the remediation worker pool.
	WorkerCount int `yaml:"worker_count"`
	// PollInterval is how often idle workers check for claimable incidents.
	PollInterval time.Duration `yaml:"-"`
	// ProviderRetryMaxAttempts bounds retries of a single provider API
	// call on a transient or rate-limited failure.
	ProviderRetryMaxAttempts int `yaml:"provider_retry_max_attempts"`
}

type LLMConfig struct {
	Provider string `yaml:"provider"` // "anthropic"
	Model    string `yaml:"model"`
	APIKey   string `yaml:"-"`
	// Endpoint overrides the model provider's API base URL. Empty uses
	// the provider SDK's default.
	Endpoint string `yaml:"endpoint"`
	// Timeout bounds a single generate-patch call to the model.
	Timeout time.Duration `yaml:"-"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) ValidateServe() error {
	if c == nil {
		return fmt.Errorf("config is required")
	}
	if c.Vault.EncryptionKeyBase64 == "" || c.Vault.EncryptionKeyBase64 == "change-me-in-production" {
		return fmt.Errorf("AUTOREMEDIATE_TOKEN_ENCRYPTION_KEY must be set to a non-default base64-encoded 32-byte value")
	}
	if c.Vault.EncryptionKeyID == "" {
		return fmt.Errorf("vault.encryption_key_id must be configured")
	}
	if c.OAuth.CallbackBaseURL == "" {
		return fmt.Errorf("oauth.callback_base_url must be configured")
	}
	if c.LLM.APIKey == "" {
		return fmt.Errorf("AUTOREMEDIATE_LLM_API_KEY must be set")
	}
	return nil
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "autoremediate.db",
		},
		Vault: VaultConfig{
			EncryptionKeyID:     "k1",
			EncryptionKeyBase64: "change-me-in-production",
		},
		OAuth: OAuthConfig{
			CallbackBaseURL: "http://localhost:8080",
			StateTTL:        10 * time.Minute,
		},
		Ingest: IngestConfig{
			WebhookPathPrefix: "/api/v1/webhooks",
			MaxBodyBytes:      5 << 20, // 5MiB
		},
		Remediation: RemediationConfig{
			MaxCandidateFiles:        3,
			MaxErrorsPerFile:         5,
			MaxPatchesPerFile:        20,
			Deadline:                 5 * time.Minute,
			WorkerCount:              4,
			PollInterval:             2 * time.Second,
			ProviderRetryMaxAttempts: 3,
		},
		LLM: LLMConfig{
			Provider: "anthropic",
			Model:    "claude-sonnet-4-5",
			Timeout:  60 * time.Second,
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AUTOREMEDIATE_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("AUTOREMEDIATE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("AUTOREMEDIATE_TRUSTED_PROXIES"); v != "" {
		cfg.Server.TrustedProxies = parseCSV(v)
	}
	if v := os.Getenv("AUTOREMEDIATE_CORS_ALLOW_ORIGINS"); v != "" {
		cfg.Server.CORSAllowedOrigins = parseCSV(v)
	}
	if v := os.Getenv("AUTOREMEDIATE_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("AUTOREMEDIATE_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("AUTOREMEDIATE_TOKEN_ENCRYPTION_KEY"); v != "" {
		cfg.Vault.EncryptionKeyBase64 = v
	}
	if v := os.Getenv("AUTOREMEDIATE_TOKEN_ENCRYPTION_KEY_ID"); v != "" {
		cfg.Vault.EncryptionKeyID = v
	}
	if v := os.Getenv("AUTOREMEDIATE_GITHUB_CLIENT_ID"); v != "" {
		cfg.OAuth.GitHubClientID = v
	}
	if v := os.Getenv("AUTOREMEDIATE_GITHUB_CLIENT_SECRET"); v != "" {
		cfg.OAuth.GitHubClientSecret = v
	}
	if v := os.Getenv("AUTOREMEDIATE_GITLAB_CLIENT_ID"); v != "" {
		cfg.OAuth.GitLabClientID = v
	}
	if v := os.Getenv("AUTOREMEDIATE_GITLAB_CLIENT_SECRET"); v != "" {
		cfg.OAuth.GitLabClientSecret = v
	}
	if v := os.Getenv("AUTOREMEDIATE_OAUTH_CALLBACK_BASE_URL"); v != "" {
		cfg.OAuth.CallbackBaseURL = v
	}
	if v := os.Getenv("AUTOREMEDIATE_OAUTH_STATE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.OAuth.StateTTL = d
		}
	}
	if v := os.Getenv("AUTOREMEDIATE_MAX_CANDIDATE_FILES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Remediation.MaxCandidateFiles = n
		}
	}
	if v := os.Getenv("AUTOREMEDIATE_MAX_ERRORS_PER_FILE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Remediation.MaxErrorsPerFile = n
		}
	}
	if v := os.Getenv("AUTOREMEDIATE_MAX_PATCHES_PER_FILE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Remediation.MaxPatchesPerFile = n
		}
	}
	if v := os.Getenv("AUTOREMEDIATE_PROVIDER_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Remediation.ProviderRetryMaxAttempts = n
		}
	}
	if v := os.Getenv("AUTOREMEDIATE_REMEDIATION_DEADLINE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Remediation.Deadline = d
		}
	}
	if v := os.Getenv("AUTOREMEDIATE_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Remediation.WorkerCount = n
		}
	}
	if v := os.Getenv("AUTOREMEDIATE_WORKER_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Remediation.PollInterval = d
		}
	}
	if v := os.Getenv("AUTOREMEDIATE_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("AUTOREMEDIATE_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("AUTOREMEDIATE_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("AUTOREMEDIATE_LLM_ENDPOINT"); v != "" {
		cfg.LLM.Endpoint = v
	}
	if v := os.Getenv("AUTOREMEDIATE_LLM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.LLM.Timeout = d
		}
	}
}

func parseCSV(v string) []string {
	raw := strings.TrimSpace(v)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		out = append(out, value)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
