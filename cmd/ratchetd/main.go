package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ratchet-hq/ratchet/internal/actions"
	"github.com/ratchet-hq/ratchet/internal/engine"
	"github.com/ratchet-hq/ratchet/internal/ingress"
	"github.com/ratchet-hq/ratchet/internal/logging"
	"github.com/ratchet-hq/ratchet/internal/scheduler"
	"github.com/ratchet-hq/ratchet/internal/secrets"
	"github.com/ratchet-hq/ratchet/internal/store"
	"github.com/ratchet-hq/ratchet/internal/streaming"
	"github.com/ratchet-hq/ratchet/internal/validation"
	"github.com/ratchet-hq/ratchet/internal/variables"
	"github.com/ratchet-hq/ratchet/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ratchetd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := os.MkdirAll(ratchetDir(), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage.
	dsn := cfg.DBPath
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	st, err := store.NewLibSQLStore(dsn)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// Secrets vault for webhook signing keys.
	vaultCfg, err := vaultConfig(cfg)
	if err != nil {
		return err
	}
	vault, err := secrets.NewAESVault(st, vaultCfg)
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}

	// Engine wiring.
	hub := streaming.NewMemoryHub()
	resolver := variables.NewResolver(variables.AllowList(cfg.EventFields))

	registry := actions.NewRegistry()
	webhooks := &actions.WebhookCaller{Vault: vault}
	entities := &logEntityStore{logger: logger}
	notifier := &logNotifier{logger: logger}
	if err := actions.RegisterBuiltins(registry, entities, notifier, webhooks); err != nil {
		return fmt.Errorf("register actions: %w", err)
	}

	matcher := engine.NewMatcher(st, resolver, hub, logger, cfg.MaxTriggerDepth)
	dispatcher := engine.NewDispatcher(registry, resolver, st, hub, logger)
	coordinator := engine.NewCoordinator(st, dispatcher, hub, engine.DefaultPolicy(), logger)
	runner := engine.NewRunner(st, coordinator, engine.RunnerConfig{
		PollInterval: duration(cfg.PollInterval, time.Second),
		BatchSize:    cfg.BatchSize,
		LeaseTTL:     duration(cfg.LeaseTTL, 2*time.Minute),
		Concurrency:  cfg.PoolSize,
	}, logger)

	sched := scheduler.NewScheduler(st, matcher, duration(cfg.SchedulerInterval, 30*time.Second), logger)

	validator, err := validation.NewDocumentValidator()
	if err != nil {
		return fmt.Errorf("document validator: %w", err)
	}

	api := ingress.NewServer(ingress.Config{Addr: cfg.ListenAddr}, st, matcher, validator, vault, hub, logger)

	// MCP mode: stdio transport only, the engine runs in-process behind it.
	if cfg.MCP {
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		defer sched.Stop()
		go func() {
			_ = runner.Run(ctx)
		}()
		srv := mcp.NewRatchetServer(mcp.RatchetServerDeps{Matcher: matcher, Store: st, Logger: logger})
		return srv.Serve(ctx)
	}

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	defer sched.Stop()

	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		_ = runner.Run(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- api.Start()
	}()

	select {
	case err := <-serveErr:
		stop()
		<-runnerDone
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.Any("error", err))
	}
	<-runnerDone
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

// vaultConfig resolves key material: an explicit hex key wins, then
// passphrase derivation, then a generated key persisted next to the database
// so restarts can decrypt existing secrets.
func vaultConfig(cfg Config) (secrets.VaultConfig, error) {
	if cfg.VaultKey != "" {
		key, err := hex.DecodeString(cfg.VaultKey)
		if err != nil {
			return secrets.VaultConfig{}, fmt.Errorf("vault_key is not valid hex: %w", err)
		}
		return secrets.VaultConfig{MasterKey: key}, nil
	}
	if cfg.VaultPassphrase != "" {
		return secrets.VaultConfig{
			Passphrase: cfg.VaultPassphrase,
			Salt:       []byte(cfg.VaultSalt),
		}, nil
	}

	keyPath := filepath.Join(ratchetDir(), "vault.key")
	if data, err := os.ReadFile(keyPath); err == nil {
		key, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return secrets.VaultConfig{}, fmt.Errorf("corrupt vault key file %s: %w", keyPath, err)
		}
		return secrets.VaultConfig{MasterKey: key}, nil
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return secrets.VaultConfig{}, fmt.Errorf("generate vault key: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		return secrets.VaultConfig{}, fmt.Errorf("persist vault key: %w", err)
	}
	slog.Info("generated vault key", slog.String("path", keyPath))
	return secrets.VaultConfig{MasterKey: key}, nil
}
