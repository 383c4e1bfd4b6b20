// Package repoconn implements the Repository Connection Service: a
// thin coordinator that creates/removes a RepositoryConnection locally
// and delegates webhook provisioning to internal/webhook, keeping both
// operations transactional locally even when the remote provider call
// fails.
package repoconn

import (
	"context"
	"fmt"

	"github.com/autoremediate/autoremediate/internal/database"
	"github.com/autoremediate/autoremediate/internal/models"
	"github.com/autoremediate/autoremediate/internal/oauthcoord"
	"github.com/autoremediate/autoremediate/internal/provider"
	"github.com/autoremediate/autoremediate/internal/webhook"
)

// ClientFactory builds an authenticated provider.Client for one provider
// family and plaintext access token.
type ClientFactory func(p models.Provider, accessToken string) (provider.Client, error)

// ConnectOptions configures Connect.
type ConnectOptions struct {
	AutoRemediate bool
	SetupWebhook  bool
	DefaultBranch string
}

// DisconnectOptions configures Disconnect.
type DisconnectOptions struct {
	DeleteWebhook bool
}

// DisconnectResult reports whether the best-effort remote webhook
// deletion actually succeeded: a provider failure never blocks the
// local disconnect, but the caller needs to know about it.
type DisconnectResult struct {
	WebhookDeleted bool
	WebhookError   error
}

// Service coordinates RepositoryConnection lifecycle with the webhook
// manager and the provider client needed to make remote calls.
type Service struct {
	db          database.DB
	coordinator *oauthcoord.Coordinator
	webhooks    *webhook.Manager
	clients     ClientFactory
}

func New(db database.DB, coordinator *oauthcoord.Coordinator, webhooks *webhook.Manager, clients ClientFactory) *Service {
	return &Service{db: db, coordinator: coordinator, webhooks: webhooks, clients: clients}
}

// ListAvailable lists the repositories the principal's OAuth connection
// to prov can grant for remediation, backing the list_available endpoint
// a caller uses before calling Connect.
func (s *Service) ListAvailable(ctx context.Context, principalID string, prov models.Provider, page int) ([]provider.AvailableRepository, error) {
	oauthConn, err := s.db.GetOAuthConnection(ctx, principalID, prov)
	if err != nil {
		return nil, fmt.Errorf("repoconn: load oauth connection: %w", err)
	}
	client, err := s.resolveClient(oauthConn)
	if err != nil {
		return nil, fmt.Errorf("repoconn: resolve provider client: %w", err)
	}
	repos, err := client.ListRepositories(ctx, page)
	if err != nil {
		return nil, fmt.Errorf("repoconn: list repositories: %w", err)
	}
	return repos, nil
}

// Connect creates the local RepositoryConnection record and, if
// opts.SetupWebhook is set, provisions a provider-side webhook through
// internal/webhook. The local record is kept (with webhook fields left
// unset) even if webhook provisioning fails, so the caller can retry
// setup later rather than losing the connection entirely.
func (s *Service) Connect(ctx context.Context, principalID string, oauthConnID int64, prov models.Provider, externalRepoID, fullName string, opts ConnectOptions) (*models.RepositoryConnection, error) {
	oauthConn, err := s.db.GetOAuthConnectionByID(ctx, oauthConnID)
	if err != nil {
		return nil, fmt.Errorf("repoconn: load oauth connection: %w", err)
	}
	if oauthConn.PrincipalID != principalID {
		return nil, fmt.Errorf("repoconn: oauth connection does not belong to principal")
	}

	repoConn := &models.RepositoryConnection{
		PrincipalID:       principalID,
		OAuthConnectionID: oauthConnID,
		Provider:          prov,
		ExternalRepoID:    externalRepoID,
		FullName:          fullName,
		DefaultBranch:     opts.DefaultBranch,
		AutoRemediate:     opts.AutoRemediate,
	}
	if err := s.db.CreateRepositoryConnection(ctx, repoConn); err != nil {
		return nil, fmt.Errorf("repoconn: create repository connection: %w", err)
	}
	if !opts.SetupWebhook {
		return repoConn, nil
	}

	client, err := s.resolveClient(oauthConn)
	if err != nil {
		return repoConn, fmt.Errorf("repoconn: resolve provider client for webhook setup: %w", err)
	}
	if err := s.webhooks.Install(ctx, client, repoConn); err != nil {
		return repoConn, fmt.Errorf("repoconn: install webhook: %w", err)
	}
	return repoConn, nil
}

// Disconnect delegates webhook teardown to internal/webhook first
// (best-effort against the remote provider), then removes the local
// RepositoryConnection regardless of whether the remote call succeeded.
func (s *Service) Disconnect(ctx context.Context, connID int64, opts DisconnectOptions) (DisconnectResult, error) {
	repoConn, err := s.db.GetRepositoryConnection(ctx, connID)
	if err != nil {
		return DisconnectResult{}, fmt.Errorf("repoconn: load repository connection: %w", err)
	}

	result := DisconnectResult{}
	if opts.DeleteWebhook && repoConn.WebhookID != "" {
		oauthConn, err := s.db.GetOAuthConnectionByID(ctx, repoConn.OAuthConnectionID)
		if err != nil {
			result.WebhookError = fmt.Errorf("load oauth connection: %w", err)
		} else if client, err := s.resolveClient(oauthConn); err != nil {
			result.WebhookError = fmt.Errorf("resolve provider client: %w", err)
		} else if err := s.webhooks.Remove(ctx, client, repoConn); err != nil {
			result.WebhookError = err
		} else {
			result.WebhookDeleted = true
		}
	}

	if err := s.db.DeleteRepositoryConnection(ctx, connID); err != nil {
		return result, fmt.Errorf("repoconn: delete repository connection: %w", err)
	}
	return result, nil
}

// Rerun wraps provider.Client.RerunWorkflow, supplementing the core
// connect/disconnect pair with the rerun action a repository detail
// view exposes.
func (s *Service) Rerun(ctx context.Context, connID int64, externalRunID string, failedOnly bool) error {
	repoConn, err := s.db.GetRepositoryConnection(ctx, connID)
	if err != nil {
		return fmt.Errorf("repoconn: load repository connection: %w", err)
	}
	oauthConn, err := s.db.GetOAuthConnectionByID(ctx, repoConn.OAuthConnectionID)
	if err != nil {
		return fmt.Errorf("repoconn: load oauth connection: %w", err)
	}
	client, err := s.resolveClient(oauthConn)
	if err != nil {
		return fmt.Errorf("repoconn: resolve provider client: %w", err)
	}
	if err := client.RerunWorkflow(ctx, repoConn.FullName, externalRunID, failedOnly); err != nil {
		return fmt.Errorf("repoconn: rerun workflow: %w", err)
	}
	return nil
}

func (s *Service) resolveClient(oauthConn *models.OAuthConnection) (provider.Client, error) {
	token, err := s.coordinator.PlaintextAccessToken(oauthConn)
	if err != nil {
		return nil, fmt.Errorf("unseal access token: %w", err)
	}
	return s.clients(oauthConn.Provider, token)
}
