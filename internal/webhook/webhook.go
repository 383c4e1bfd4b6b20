// Package webhook implements the Webhook Manager: it provisions and
// tears down provider-side webhooks for a RepositoryConnection, and
// verifies inbound deliveries against the secret it provisioned.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/autoremediate/autoremediate/internal/apperr"
	"github.com/autoremediate/autoremediate/internal/database"
	"github.com/autoremediate/autoremediate/internal/models"
	"github.com/autoremediate/autoremediate/internal/provider"
	"github.com/autoremediate/autoremediate/internal/vault"
)

// DefaultEvents is the default GitHub webhook subscription: CI run
// completion plus the events the remediation PR lifecycle needs to
// observe. Install subscribes GitLab hooks to the pipeline,
// merge_request and push analogues instead.
var DefaultEvents = []string{"workflow_run", "pull_request", "push"}

// Manager installs and removes provider webhooks and verifies inbound
// signatures against the sealed secret recorded for each hook.
type Manager struct {
	db    database.DB
	vault *vault.Vault
	// CallbackURL renders the ingest endpoint for a provider, e.g.
	// "https://api.example.com/api/v1/webhooks/github".
	CallbackURL func(p models.Provider) string
}

func New(db database.DB, v *vault.Vault, callbackURL func(models.Provider) string) *Manager {
	return &Manager{db: db, vault: v, CallbackURL: callbackURL}
}

// Install provisions a provider-side webhook for repoConn using client
// (already authorized with the connection's OAuth token), seals a fresh
// signing secret, and records both on the RepositoryConnection.
func (m *Manager) Install(ctx context.Context, client provider.Client, repoConn *models.RepositoryConnection) error {
	secret, err := vault.GenerateSecret(32)
	if err != nil {
		return fmt.Errorf("webhook: generate secret: %w", err)
	}
	events := DefaultEvents
	if repoConn.Provider == models.ProviderGitLab {
		events = []string{"pipeline", "merge_request", "push"}
	}
	hook, err := client.CreateWebhook(ctx, repoConn.FullName, m.CallbackURL(repoConn.Provider), secret, events)
	if err != nil {
		return err
	}
	sealed, err := m.vault.Seal(secret)
	if err != nil {
		return fmt.Errorf("webhook: seal secret: %w", err)
	}
	if err := m.db.UpdateRepositoryConnectionWebhook(ctx, repoConn.ID, hook.ExternalID, sealed, m.vault.KeyID()); err != nil {
		return fmt.Errorf("webhook: persist hook: %w", err)
	}

	w := &models.Webhook{
		RepositoryConnectionID: repoConn.ID,
		ExternalWebhookID:      hook.ExternalID,
		URL:                    hook.URL,
		EventsCSV:              strings.Join(events, ","),
		Active:                 true,
	}
	if err := m.db.CreateWebhook(ctx, w); err != nil {
		return fmt.Errorf("webhook: record webhook row: %w", err)
	}

	repoConn.WebhookID = hook.ExternalID
	repoConn.WebhookSecret = sealed
	repoConn.EncryptionKeyID = m.vault.KeyID()
	return nil
}

// Remove tears down a provider-side webhook and deletes its local
// record. It is best-effort on the provider call: a 404 (already
// deleted upstream) does not block the local cleanup.
func (m *Manager) Remove(ctx context.Context, client provider.Client, repoConn *models.RepositoryConnection) error {
	if repoConn.WebhookID == "" {
		return nil
	}
	if err := client.DeleteWebhook(ctx, repoConn.FullName, repoConn.WebhookID); err != nil && !apperr.Is(err, apperr.KindInputRejected) {
		return err
	}
	w, err := m.db.GetWebhookByRepositoryConnection(ctx, repoConn.ID)
	if err != nil {
		return nil
	}
	return m.db.DeleteWebhook(ctx, w.ID)
}

// Verify checks an inbound delivery against the secret sealed for
// repoConn, using each provider's native delivery-authentication scheme:
// GitHub signs the body with HMAC-SHA256 and sends `sha256=<hex>` in
// X-Hub-Signature-256, while GitLab echoes the hook's plain token
// verbatim in X-Gitlab-Token (it has no body-signing mode). Install
// provisions the same secret either way; the comparison differs because
// the providers do.
func (m *Manager) Verify(repoConn *models.RepositoryConnection, signatureHeader string, body []byte) error {
	if repoConn.WebhookSecret == nil {
		return apperr.New(apperr.KindAuthFailed, "webhook_no_secret", "", nil)
	}
	secret, err := m.vault.Open(repoConn.WebhookSecret)
	if err != nil {
		return apperr.New(apperr.KindAuthFailed, "webhook_secret_unreadable", "", err)
	}
	got := strings.TrimSpace(signatureHeader)

	var want string
	switch repoConn.Provider {
	case models.ProviderGitLab:
		want = string(secret)
	default:
		want = sign(secret, body)
	}
	if !hmac.Equal([]byte(want), []byte(got)) {
		return apperr.New(apperr.KindAuthFailed, "webhook_signature_mismatch", "", nil)
	}
	return nil
}

// RecordDelivery persists one inbound delivery and reports whether it is
// a duplicate of a previously recorded delivery for the same webhook,
// letting the ingest handler short-circuit processing idempotently.
func (m *Manager) RecordDelivery(ctx context.Context, webhookID int64, event, deliveryUID string, verified bool, statusCode int, deliveryErr string) (isDuplicate bool, err error) {
	d := &models.WebhookDelivery{
		WebhookID:   webhookID,
		Event:       event,
		DeliveryUID: deliveryUID,
		Verified:    verified,
		StatusCode:  statusCode,
		Error:       deliveryErr,
	}
	return m.db.RecordWebhookDelivery(ctx, d)
}

func sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Sign exposes the signing primitive for tests and for standalone
// signature-generation tooling.
func Sign(secret, body []byte) string { return sign(secret, body) }
