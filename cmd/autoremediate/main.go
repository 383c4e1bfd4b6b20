package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/autoremediate/autoremediate/internal/api"
	"github.com/autoremediate/autoremediate/internal/config"
	"github.com/autoremediate/autoremediate/internal/database"
	"github.com/autoremediate/autoremediate/internal/jobs"
	"github.com/autoremediate/autoremediate/internal/llmclient"
	"github.com/autoremediate/autoremediate/internal/models"
	"github.com/autoremediate/autoremediate/internal/oauthcoord"
	"github.com/autoremediate/autoremediate/internal/provider"
	"github.com/autoremediate/autoremediate/internal/provider/gitlab"
	"github.com/autoremediate/autoremediate/internal/remediate"
	"github.com/autoremediate/autoremediate/internal/repoconn"
	"github.com/autoremediate/autoremediate/internal/tracker"
	"github.com/autoremediate/autoremediate/internal/vault"
	"github.com/autoremediate/autoremediate/internal/webhook"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: autoremediate <command>\n\nCommands:\n  serve    Start the API server and remediation workers\n  migrate  Run database migrations\n  worker   Start remediation workers only\n")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "migrate":
		cmdMigrate(os.Args[2:])
	case "worker":
		cmdWorker(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}
}

// services bundles everything built from config that both cmdServe and
// cmdWorker need: the webhook ingest path only runs in cmdServe, but the
// remediation pipeline backing it is shared so "worker" can scale
// independently from the HTTP tier.
type services struct {
	db           database.DB
	cfg          *config.Config
	coordinator  *oauthcoord.Coordinator
	webhooks     *webhook.Manager
	queue        *jobs.Queue
	trk          *tracker.Tracker
	repoSvc      *repoconn.Service
	orchestrator *remediate.Orchestrator
}

func buildServices(cfg *config.Config) (*services, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	v, err := vault.New(cfg.Vault.EncryptionKeyID, cfg.Vault.EncryptionKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("init vault: %w", err)
	}

	stateKey, err := base64.StdEncoding.DecodeString(cfg.Vault.EncryptionKeyBase64)
	if err != nil || len(stateKey) == 0 {
		return nil, fmt.Errorf("derive oauth state signing key: %w", err)
	}
	coordinator := oauthcoord.New(db, v, stateKey, cfg.OAuth.StateTTL)
	if cfg.OAuth.GitHubClientID != "" {
		coordinator.Register(models.ProviderGitHub, oauthcoord.NewGitHubOAuth(cfg.OAuth.GitHubClientID, cfg.OAuth.GitHubClientSecret, cfg.OAuth.CallbackBaseURL))
	}
	if cfg.OAuth.GitLabClientID != "" {
		coordinator.Register(models.ProviderGitLab, oauthcoord.NewGitLabOAuth(cfg.OAuth.GitLabClientID, cfg.OAuth.GitLabClientSecret, cfg.OAuth.CallbackBaseURL))
	}

	webhookCallbackURL := func(p models.Provider) string {
		return cfg.OAuth.CallbackBaseURL + cfg.Ingest.WebhookPathPrefix + "/" + string(p)
	}
	webhooks := webhook.New(db, v, webhookCallbackURL)

	clientFactory := func(p models.Provider, accessToken string) (provider.Client, error) {
		switch p {
		case models.ProviderGitHub:
			return provider.NewGitHubClient(context.Background(), accessToken, cfg.Remediation.ProviderRetryMaxAttempts, cfg.OAuth.GitHubClientID), nil
		case models.ProviderGitLab:
			return gitlab.NewClient("", accessToken, cfg.Remediation.ProviderRetryMaxAttempts), nil
		default:
			return nil, fmt.Errorf("unsupported provider: %s", p)
		}
	}

	queue := jobs.NewQueue(db, jobs.QueueOptions{})
	trk := tracker.New(db, queue, slog.Default())
	repoSvc := repoconn.New(db, coordinator, webhooks, clientFactory)

	var orchestrator *remediate.Orchestrator
	if cfg.LLM.APIKey != "" {
		llm, err := llmclient.New(llmclient.Options{
			APIKey:         cfg.LLM.APIKey,
			Model:          cfg.LLM.Model,
			Endpoint:       cfg.LLM.Endpoint,
			RequestTimeout: cfg.LLM.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("init llm client: %w", err)
		}
		orchestrator = remediate.New(db, coordinator, clientFactory, llm, cfg.Remediation, slog.Default())
	}

	return &services{
		db:           db,
		cfg:          cfg,
		coordinator:  coordinator,
		webhooks:     webhooks,
		queue:        queue,
		trk:          trk,
		repoSvc:      repoSvc,
		orchestrator: orchestrator,
	}, nil
}

func cmdServe(args []string) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.ValidateServe(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	traceShutdown, err := initTracing(context.Background())
	if err != nil {
		slog.Error("init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := traceShutdown(ctx); err != nil {
			slog.Error("shutdown tracing", "error", err)
		}
	}()

	svc, err := buildServices(cfg)
	if err != nil {
		slog.Error("build services", "error", err)
		os.Exit(1)
	}
	defer svc.db.Close()

	if err := svc.db.Migrate(context.Background()); err != nil {
		slog.Error("migrate", "error", err)
		os.Exit(1)
	}

	if svc.orchestrator == nil {
		slog.Warn("no LLM API key configured, remediation worker pool disabled; ingest and repository management still run")
	} else {
		pool := jobs.NewWorkerPool(svc.queue, svc.orchestrator.Process, jobs.WorkerPoolOptions{
			Workers:      cfg.Remediation.WorkerCount,
			PollInterval: cfg.Remediation.PollInterval,
			Logger:       slog.Default(),
		})
		workerCtx, cancelWorkers := context.WithCancel(context.Background())
		defer cancelWorkers()
		if err := pool.Start(workerCtx); err != nil {
			slog.Error("start worker pool", "error", err)
			os.Exit(1)
		}
		defer pool.Stop(context.Background())
	}

	server := api.NewServer(svc.db, svc.webhooks, svc.trk, svc.coordinator, svc.repoSvc, cfg, slog.Default())
	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      server,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt)

	go func() {
		slog.Info("autoremediate listening", "addr", cfg.Addr())
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpServer.Shutdown(ctx)
}

// cmdWorker runs the remediation pipeline without the HTTP ingest
// surface, so the worker tier can be scaled independently of the API
// tier behind the same database.
func cmdWorker(args []string) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	if cfg.LLM.APIKey == "" {
		slog.Error("AUTOREMEDIATE_LLM_API_KEY must be set to run the worker")
		os.Exit(1)
	}

	svc, err := buildServices(cfg)
	if err != nil {
		slog.Error("build services", "error", err)
		os.Exit(1)
	}
	defer svc.db.Close()

	pool := jobs.NewWorkerPool(svc.queue, svc.orchestrator.Process, jobs.WorkerPoolOptions{
		Workers:      cfg.Remediation.WorkerCount,
		PollInterval: cfg.Remediation.PollInterval,
		Logger:       slog.Default(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := pool.Start(ctx); err != nil {
		slog.Error("start worker pool", "error", err)
		os.Exit(1)
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt)
	<-done
	slog.Info("shutting down worker pool")
	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	pool.Stop(stopCtx)
}

func cmdMigrate(args []string) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	db, err := openDB(cfg)
	if err != nil {
		slog.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(context.Background()); err != nil {
		slog.Error("migrate", "error", err)
		os.Exit(1)
	}
	slog.Info("migrations complete")
}

func openDB(cfg *config.Config) (database.DB, error) {
	switch cfg.Database.Driver {
	case "sqlite":
		return database.OpenSQLite(cfg.Database.DSN)
	case "postgres":
		return database.OpenPostgres(cfg.Database.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
}
