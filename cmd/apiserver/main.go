// Command apiserver runs the long-lived HTTP surface (oracle + agent
// endpoints, /healthz, /metrics) and schedules the autonomy orchestrator
// against AUTONOMY_CRON in the background, the way a single operational
// deployment runs both the representative surface and its own scheduler
// rather than requiring a separate cron entry for cmd/autonomy.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/robfig/cron/v3"

	"github.com/dao-autonomy/control-plane/internal/agent"
	"github.com/dao-autonomy/control-plane/internal/audit"
	"github.com/dao-autonomy/control-plane/internal/autonomy"
	"github.com/dao-autonomy/control-plane/internal/bounty"
	"github.com/dao-autonomy/control-plane/internal/chain"
	"github.com/dao-autonomy/control-plane/internal/config"
	"github.com/dao-autonomy/control-plane/internal/githost"
	"github.com/dao-autonomy/control-plane/internal/gitoutbox"
	"github.com/dao-autonomy/control-plane/internal/httpapi"
	"github.com/dao-autonomy/control-plane/internal/indexer"
	"github.com/dao-autonomy/control-plane/internal/ledger"
	"github.com/dao-autonomy/control-plane/internal/marketing"
	"github.com/dao-autonomy/control-plane/internal/oracleauth"
	"github.com/dao-autonomy/control-plane/internal/platform/database"
	"github.com/dao-autonomy/control-plane/internal/platform/migrations"
	"github.com/dao-autonomy/control-plane/internal/reconcile"
	"github.com/dao-autonomy/control-plane/internal/settlement"
	"github.com/dao-autonomy/control-plane/internal/txoutbox"
	"github.com/dao-autonomy/control-plane/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.LoggingConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithField("error", err).Fatal("connect to database")
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.DBMaxConnections)
	db.SetConnMaxIdleTime(cfg.DBIdleTimeout)

	if err := migrations.Apply(ctx, db); err != nil {
		log.WithField("error", err).Fatal("apply migrations")
	}

	deps := &httpapi.Deps{
		DB:  db,
		Cfg: cfg,
		Log: log,

		AuditStore: audit.NewStore(sqlx.NewDb(db, "postgres")),

		OracleGate: oracleauth.NewGate(
			db,
			[]byte(cfg.OracleHMACSecret),
			time.Duration(cfg.OracleRequestTTLSeconds)*time.Second,
			time.Duration(cfg.OracleNonceWindowSeconds)*time.Second,
			cfg.OracleAcceptLegacySigs,
		),

		AgentStore:      agent.NewStore(db),
		BountyStore:     bounty.NewStore(db),
		SettlementStore: settlement.NewStore(db),
		ReconcileStore:  reconcile.NewStore(db),
		TxOutboxStore:   txoutbox.NewStore(db),
		GitOutboxStore:  gitoutbox.NewStore(db),
		MarketingStore:  marketing.NewStore(db),
	}

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: httpapi.NewRouter(deps),
	}

	scheduler := startAutonomyScheduler(cfg, log, db)
	defer scheduler.Stop()

	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("apiserver listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithField("error", err).Fatal("serve http")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithField("error", err).Error("graceful shutdown")
	}
}

// startAutonomyScheduler runs Orchestrator.TickOnce against the current
// UTC profit month on cfg.AutonomyCron, logging the resulting Summary
// instead of exiting the process on a non-success code the way
// cmd/autonomy does: a scheduled tick failing once should not take the
// whole API surface down with it.
func startAutonomyScheduler(cfg *config.Config, log *logger.Logger, db *sql.DB) *cron.Cron {
	chainClient := chain.NewClient(cfg.BaseSepoliaRPCURL)

	o := &autonomy.Orchestrator{
		DB:      db,
		Cfg:     cfg,
		Log:     log,
		Chain:   chainClient,
		Signer:  signerFor(cfg, chainClient),
		Indexer: indexerFor(cfg, chainClient),

		LedgerStore:     ledger.NewStore(db),
		ReconcileStore:  reconcile.NewStore(db),
		SettlementStore: settlement.NewStore(db),
		TxOutboxStore:   txoutbox.NewStore(db),
		GitOutboxStore:  gitoutbox.NewStore(db),
		MarketingStore:  marketing.NewStore(db),
		GitHost:         githost.NewCLIHost(),

		Stderr: os.Stderr,
	}

	c := cron.New()
	_, err := c.AddFunc(cfg.AutonomyCron, func() {
		if cfg.AutonomyDryRun {
			log.Info("autonomy dry-run tick skipped: no profit month mutation performed")
			return
		}
		profitMonthID := time.Now().UTC().Format("200601")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		summary, code := o.TickOnce(ctx, profitMonthID)
		entry := log.WithField("profit_month_id", profitMonthID).WithField("exit_code", int(code))
		if code == autonomy.ExitSuccess {
			entry.Info("autonomy tick completed")
		} else {
			entry.WithField("stages", summary.Stages).Warn("autonomy tick did not reach success")
		}
	})
	if err != nil {
		log.WithField("error", err).Fatal("schedule autonomy cron")
	}
	c.Start()
	return c
}

func signerFor(cfg *config.Config, c *chain.Client) chain.Signer {
	if cfg.SafeModeEnabled {
		var masterSecret []byte
		if cfg.SafeKeyMaterialSecret != "" {
			masterSecret = []byte(cfg.SafeKeyMaterialSecret)
		}
		return chain.NewSafeCLISigner(cfg.SafeOwnerAddress, cfg.SafeOwnerKeysFile, os.Getenv("SAFE_CLI_SCRIPT_PATH"), masterSecret)
	}
	return chain.NewDirectSigner(c, cfg.OracleSignerPrivateKey)
}

func indexerFor(cfg *config.Config, c *chain.Client) indexer.LogFetcher {
	if cfg.BaseSepoliaRPCURL == "" {
		return nil
	}
	return c
}
