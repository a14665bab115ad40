package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"github.com/openperp/openperp/params"
	"github.com/openperp/openperp/pkg/api"
	"github.com/openperp/openperp/pkg/fixed"
	"github.com/openperp/openperp/pkg/oracle"
	"github.com/openperp/openperp/pkg/perp"
	"github.com/openperp/openperp/pkg/pool"
	"github.com/openperp/openperp/pkg/util"
	"github.com/openperp/openperp/pkg/vault"
)

// Well-known internal accounts. The operator is the engine's identity for
// pool reserve transfers; the escrow and vault accounts receive debits for
// timelocked payouts and protocol fees.
var (
	operatorAccount = common.HexToAddress("0x0000000000000000000000000000000000000e01")
	escrowAccount   = common.HexToAddress("0x0000000000000000000000000000000000000e02")
	vaultAccount    = common.HexToAddress("0x0000000000000000000000000000000000000e03")
)

func main() {
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(cfg.Server.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Server.LogFile)

	// ---- Persistence ----
	store, err := perp.NewStore(cfg.Server.DBPath)
	if err != nil {
		sugar.Fatalw("store_open_failed", "path", cfg.Server.DBPath, "err", err)
	}

	registry, err := perp.NewRegistry(perp.DefaultGlobalParams(), store)
	if err != nil {
		sugar.Fatalw("registry_init_failed", "err", err)
	}
	defer registry.Close()

	for _, symbol := range cfg.Trading.Markets {
		id := perp.MarketID(symbol)
		if _, ok := registry.Market(id); ok {
			continue
		}
		if err := registry.AddMarket(id, perp.DefaultMarketParams()); err != nil {
			sugar.Fatalw("market_init_failed", "symbol", symbol, "err", err)
		}
		sugar.Infow("market_registered", "symbol", symbol, "price_id", id.Hex())
	}

	// ---- Collaborators ----
	clock := util.NewTickingClock(cfg.Chain.BlockTime)
	defer clock.Stop()

	priceFeed := oracle.NewStatic()
	prices := oracle.NewAggregator(fixed.Zero(), priceFeed)
	feeBook := perp.NewFeeBook(perp.DefaultFees())
	liquidity := pool.New()
	liquidity.Approve(operatorAccount)
	feeVault := vault.NewFeeVault()
	timelock := vault.NewTimelock(clock, cfg.Trading.TimelockDelay)
	metrics := perp.NewMetrics("openperp")

	engine := perp.NewEngine(perp.EngineConfig{
		Registry:      registry,
		Oracle:        prices,
		Pool:          liquidity,
		Vault:         feeVault,
		Escrow:        timelock,
		Fees:          feeBook,
		Clock:         clock,
		Logger:        sugar,
		Metrics:       metrics,
		Operator:      operatorAccount,
		EscrowAccount: escrowAccount,
		VaultAccount:  vaultAccount,
		FeeSplit:      perp.FeeSplit{VaultShare: fixed.MustParse("500000000000000000")}, // half of net fees
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- API Server ----
	server := api.NewServer(engine, registry, liquidity, feeBook, clock, metrics, sugar)
	go func() {
		if err := server.Start(cfg.Server.ListenAddr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	sugar.Infow("perpd_started",
		"listen", cfg.Server.ListenAddr,
		"markets", len(cfg.Trading.Markets),
		"block_time_ms", cfg.Chain.BlockTime.Milliseconds())

	<-ctx.Done()
	sugar.Info("perpd_shutting_down")
}
