// Package main provides the entry point for the Warp bridge server. The
// server exposes an OpenAI-compatible Chat Completions API and brokers the
// requests to the Warp agent backend, managing the credential lifecycle and
// account rotation along the way.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/warp-compat/warp-bridge/internal/account"
	"github.com/warp-compat/warp-bridge/internal/api"
	"github.com/warp-compat/warp-bridge/internal/auth/warp"
	"github.com/warp-compat/warp-bridge/internal/buildinfo"
	"github.com/warp-compat/warp-bridge/internal/config"
	"github.com/warp-compat/warp-bridge/internal/logging"
	"github.com/warp-compat/warp-bridge/internal/secrets"
	"github.com/warp-compat/warp-bridge/internal/watcher"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	fmt.Printf("warp-bridge Version: %s, Commit: %s, BuiltAt: %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)

	var configPath string
	var envPath string
	flag.StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration file")
	flag.StringVar(&envPath, "env", ".env", "path to the dotenv secrets file")
	flag.Parse()

	// Load the dotenv file into the environment before reading the
	// configuration so its keys participate in the overrides.
	if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
		log.Warnf("failed to load %s: %v", envPath, err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	cfg.SecretsFile = envPath

	if err = logging.ConfigureLogOutput(cfg); err != nil {
		log.Fatalf("failed to configure logging: %v", err)
	}

	store := secrets.NewStore(cfg.SecretsFile)
	var registry *account.Registry
	if cfg.AccountsFile != "" {
		registry = account.NewRegistry(cfg.AccountsFile)
	}
	auth := warp.NewService(cfg, store, registry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	warmup(ctx, cfg, auth)

	if registry != nil {
		accountsWatcher, errWatch := watcher.NewAccountsWatcher(registry)
		if errWatch != nil {
			log.Warnf("failed to create accounts watcher: %v", errWatch)
		} else if errWatch = accountsWatcher.Start(ctx); errWatch != nil {
			log.Warnf("failed to start accounts watcher: %v", errWatch)
		}
	}

	server := api.NewServer(cfg, auth)
	if err = server.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
	log.Info("server stopped")
}

// warmup acquires an initial token set so the first client request does not
// pay the refresh latency. Failures are logged and retried, never fatal: the
// refresh policy runs again per request.
func warmup(ctx context.Context, cfg *config.Config, auth *warp.Service) {
	for attempt := 1; attempt <= cfg.InitRetries; attempt++ {
		if ctx.Err() != nil {
			return
		}
		err := auth.EnsureValidAccess(ctx, false)
		if err == nil {
			auth.LogTokenInfo()
			warmupIdentity(ctx, cfg, auth)
			return
		}
		log.Warnf("startup token acquisition failed (attempt %d/%d): %v", attempt, cfg.InitRetries, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(cfg.InitDelay):
		}
	}
	log.Error("startup token acquisition failed, continuing without a warm token")
}

// warmupIdentity primes the identity token used by the GraphQL surface so the
// first quota lookup does not trigger an inline refresh.
func warmupIdentity(ctx context.Context, cfg *config.Config, auth *warp.Service) {
	for attempt := 1; attempt <= cfg.WarmupRetries; attempt++ {
		_, err := auth.EnsureValidIdentity(ctx)
		if err == nil {
			return
		}
		log.Warnf("identity warmup failed (attempt %d/%d): %v", attempt, cfg.WarmupRetries, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(cfg.WarmupDelay):
		}
	}
}
