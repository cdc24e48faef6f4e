// Command autonomy runs one pass of the C11 autonomy-loop orchestrator:
// indexer tick, marketing deposit sync, platform reconciliation,
// settlement, create_distribution enqueue, execute_distribution enqueue,
// and payout confirmation. It prints one stage=<name> status=<...> line
// per step to stderr and a single JSON Summary to stdout, then exits with
// the orchestrator's code so a cron wrapper can alert on anything but 0.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dao-autonomy/control-plane/internal/autonomy"
	"github.com/dao-autonomy/control-plane/internal/chain"
	"github.com/dao-autonomy/control-plane/internal/config"
	"github.com/dao-autonomy/control-plane/internal/githost"
	"github.com/dao-autonomy/control-plane/internal/gitoutbox"
	"github.com/dao-autonomy/control-plane/internal/indexer"
	"github.com/dao-autonomy/control-plane/internal/ledger"
	"github.com/dao-autonomy/control-plane/internal/marketing"
	"github.com/dao-autonomy/control-plane/internal/platform/database"
	"github.com/dao-autonomy/control-plane/internal/platform/migrations"
	"github.com/dao-autonomy/control-plane/internal/reconcile"
	"github.com/dao-autonomy/control-plane/internal/settlement"
	"github.com/dao-autonomy/control-plane/internal/txoutbox"
	"github.com/dao-autonomy/control-plane/pkg/logger"
)

func main() {
	month := flag.String("month", "", "profit month to tick, YYYYMM (defaults to the current UTC month)")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides DATABASE_URL)")
	dryRun := flag.Bool("dry-run", false, "set AUTONOMY_DRY_RUN for this run; the tick itself does not read it and still enqueues outbox tasks and drains them")
	enableGitOutbox := flag.Bool("enable-git-outbox", false, "also process the git outbox queue for this tick")
	runMigrations := flag.Bool("migrate", false, "apply embedded database migrations before ticking")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(int(autonomy.ExitRunnerError))
	}
	if *dsn != "" {
		cfg.DatabaseURL = *dsn
	}
	if *dryRun {
		cfg.AutonomyDryRun = true
	}
	if *enableGitOutbox {
		cfg.GitOutboxEnabled = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(int(autonomy.ExitRunnerError))
	}

	profitMonthID := *month
	if profitMonthID == "" {
		profitMonthID = time.Now().UTC().Format("200601")
	}

	log := logger.New(logger.LoggingConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx := context.Background()

	db, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithField("error", err).Error("connect to database")
		os.Exit(int(autonomy.ExitRunnerError))
	}
	defer db.Close()

	if *runMigrations {
		if err := migrations.Apply(ctx, db); err != nil {
			log.WithField("error", err).Error("apply migrations")
			os.Exit(int(autonomy.ExitRunnerError))
		}
	}

	chainClient := chain.NewClient(cfg.BaseSepoliaRPCURL)

	o := &autonomy.Orchestrator{
		DB:      db,
		Cfg:     cfg,
		Log:     log,
		Chain:   chainClient,
		Signer:  buildSigner(cfg, chainClient),
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

	if cfg.AutonomyDryRun {
		fmt.Fprintln(os.Stderr, "dry-run: flag set, but the tick runs in full: outbox tasks are enqueued and drained as usual")
	}

	summary, code := o.TickOnce(ctx, profitMonthID)
	if err := autonomy.WriteSummary(os.Stdout, summary); err != nil {
		log.WithField("error", err).Error("write summary")
		os.Exit(int(autonomy.ExitRunnerError))
	}
	os.Exit(int(code))
}

// buildSigner picks SafeCLISigner over DirectSigner whenever Safe mode is
// configured, mirroring cfg.SafeModeEnabled's own derivation from
// SAFE_OWNER_ADDRESS.
func buildSigner(cfg *config.Config, c *chain.Client) chain.Signer {
	if cfg.SafeModeEnabled {
		var masterSecret []byte
		if cfg.SafeKeyMaterialSecret != "" {
			masterSecret = []byte(cfg.SafeKeyMaterialSecret)
		}
		return chain.NewSafeCLISigner(cfg.SafeOwnerAddress, cfg.SafeOwnerKeysFile, os.Getenv("SAFE_CLI_SCRIPT_PATH"), masterSecret)
	}
	return chain.NewDirectSigner(c, cfg.OracleSignerPrivateKey)
}

// indexerFor returns nil when no RPC endpoint is configured so TickOnce
// skips the indexer_tick stage instead of failing against an empty
// endpoint.
func indexerFor(cfg *config.Config, c *chain.Client) indexer.LogFetcher {
	if cfg.BaseSepoliaRPCURL == "" {
		return nil
	}
	return c
}
