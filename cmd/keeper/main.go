// Phantom Keeper - Delta-neutral position keeper for a Solana perp venue.
//
// The keeper holds a spot SOL leg and an offsetting perp short so that net
// directional exposure stays near zero while funding accrues.
//
// Architecture: Snapshot → Risk → Gate → Execution → Vault
// - The snapshot builder decodes on-chain account state per tick
// - The risk kernel computes drift, health and profitability
// - The safety gate blocks unprofitable or unsafe corrections
// - The executor drives transactions through simulate/submit/confirm
// - The vault keeps per-engine capital accounting in sync
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ConsumrBuzzy/phantom-keeper/internal/api"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/bot"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/config"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/events"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/keeper"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/oracle"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/storage"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/venue"
)

const version = "1.2.0"

// Exit codes: 0 normal, 1 config error, 2 connection failure at init,
// 3 critical halt.
const (
	exitOK       = 0
	exitConfig   = 1
	exitConnect  = 2
	exitCritical = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		return exitConfig
	}

	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", version).
		Str("mode", cfg.Mode).
		Str("engine", cfg.EngineID).
		Str("market", cfg.HedgeMarket).
		Msg("🚀 Phantom Keeper starting...")

	db, err := storage.New(cfg.DatabaseURL, cfg.DatabasePath)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open database")
		return exitConfig
	}

	bus := events.NewBus()

	// Driver + oracle per mode.
	var driver venue.Driver
	var prices oracle.Source
	if cfg.Mode == "live" {
		signer, err := venue.LoadKeypair(cfg.KeypairPath)
		if err != nil {
			log.Error().Err(err).Msg("Failed to load keypair")
			return exitConfig
		}
		pyth := oracle.NewPyth(cfg.OracleURL)
		prices = pyth
		driver, err = venue.NewOnChain(cfg.RPCURL, cfg.WSURL, "https://data.api.drift.trade", signer)
		if err != nil {
			log.Error().Err(err).Msg("Failed to initialize venue driver")
			return exitConnect
		}
	} else {
		static := oracle.NewStatic()
		static.SetPrice(0, decimal.NewFromInt(150))
		paper := venue.NewPaper(static, decimal.NewFromInt(5000), decimal.NewFromInt(10))
		paper.SetFundingRate(0, decimal.NewFromFloat(0.0005))
		prices = static
		driver = paper
	}

	sup, err := keeper.New(cfg, driver, prices, db, bus)
	if err != nil {
		log.Error().Err(err).Msg("Failed to assemble keeper")
		return exitConfig
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Command/event surface.
	server := api.New(cfg.ListenAddr, sup, bus)
	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("API server failed")
		}
	}()

	// Optional Telegram notifier.
	notifier, err := bot.New(cfg.TelegramToken, cfg.TelegramChatID, bus)
	if err != nil {
		log.Warn().Err(err).Msg("Telegram notifier disabled")
	} else if notifier != nil {
		go notifier.Run(ctx)
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("Shutting down...")
		cancel()
	}()

	err = sup.Run(ctx)
	_ = server.Shutdown(context.Background())

	if errors.Is(err, keeper.ErrConnectFailed) {
		log.Error().Err(err).Msg("Could not connect to venue")
		return exitConnect
	}
	if sup.Halted() {
		return exitCritical
	}
	return exitOK
}
