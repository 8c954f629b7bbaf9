package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// RebalanceConfig defines the parameters of the delta-neutral control loop.
type RebalanceConfig struct {
	DriftTolerancePct        decimal.Decimal // rebalance fires when |drift| exceeds this
	Cooldown                 time.Duration   // minimum time between rebalances
	MinTradeSizeBase         decimal.Decimal // corrections below this are skipped
	MaxLeverage              decimal.Decimal // ceiling for opens/rebalances
	MinHealthAfterWithdrawal decimal.Decimal // withdrawals projecting below this are rejected
	LoopInterval             time.Duration   // scheduler period
	ReservedGasNative        decimal.Decimal // SOL held back from withdrawable balance
	HealthWarnThreshold      decimal.Decimal
	HealthCriticalThreshold  decimal.Decimal
	HealthWarnCooldown       time.Duration
	OracleStaleThreshold     time.Duration // max oracle age before trades are blocked
	TipNative                decimal.Decimal
}

type Config struct {
	// Keeper settings
	Mode     string // "paper" or "live"
	Debug    bool
	EngineID string

	// Hedge target
	HedgeMarket string // symbol of the perp market used to hedge, e.g. SOL-PERP
	SpotBase    decimal.Decimal

	// Solana RPC
	RPCURL string
	WSURL  string

	// Oracle
	OracleURL string

	// Wallet
	KeypairPath string

	// Persistence
	DatabaseURL  string // postgres DSN; takes precedence when set
	DatabasePath string // sqlite file fallback

	// Command/event surface
	ListenAddr string

	// Telegram
	TelegramToken  string
	TelegramChatID int64

	Rebalance RebalanceConfig
}

func Load() (*Config, error) {
	cfg := &Config{
		Mode:     getEnv("KEEPER_MODE", "paper"),
		Debug:    getEnvBool("DEBUG", false),
		EngineID: getEnv("ENGINE_ID", "keeper-1"),

		HedgeMarket: getEnv("HEDGE_MARKET", "SOL-PERP"),
		SpotBase:    getEnvDecimal("SPOT_BASE", decimal.Zero),

		RPCURL:    getEnv("RPC_URL", "https://api.mainnet-beta.solana.com"),
		WSURL:     getEnv("WS_URL", "wss://api.mainnet-beta.solana.com"),
		OracleURL: getEnv("ORACLE_URL", "https://hermes.pyth.network"),

		KeypairPath: getEnv("KEYPAIR_PATH", ""),

		DatabaseURL:  os.Getenv("DATABASE_URL"),
		DatabasePath: getEnv("DATABASE_PATH", "data/keeper.db"),

		ListenAddr: getEnv("LISTEN_ADDR", ":8787"),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		Rebalance: RebalanceConfig{
			DriftTolerancePct:        getEnvDecimal("DRIFT_TOLERANCE_PCT", decimal.NewFromFloat(1.0)),
			Cooldown:                 getEnvDurationSec("COOLDOWN_SECONDS", 1800*time.Second),
			MinTradeSizeBase:         getEnvDecimal("MIN_TRADE_SIZE_BASE", decimal.NewFromFloat(0.005)),
			MaxLeverage:              getEnvDecimal("MAX_LEVERAGE", decimal.NewFromFloat(5.0)),
			MinHealthAfterWithdrawal: getEnvDecimal("MIN_HEALTH_AFTER_WITHDRAWAL", decimal.NewFromFloat(80.0)),
			LoopInterval:             getEnvDurationSec("LOOP_INTERVAL_SECONDS", 60*time.Second),
			ReservedGasNative:        getEnvDecimal("RESERVED_GAS_NATIVE", decimal.NewFromFloat(0.017)),
			HealthWarnThreshold:      getEnvDecimal("HEALTH_WARN_THRESHOLD", decimal.NewFromFloat(50.0)),
			HealthCriticalThreshold:  getEnvDecimal("HEALTH_CRITICAL_THRESHOLD", decimal.NewFromFloat(20.0)),
			HealthWarnCooldown:       getEnvDurationSec("HEALTH_WARN_COOLDOWN_SECONDS", 60*time.Second),
			OracleStaleThreshold:     getEnvDurationMs("ORACLE_STALE_THRESHOLD_MS", 300*time.Millisecond),
			TipNative:                getEnvDecimal("TIP_NATIVE", decimal.NewFromFloat(0.0001)),
		},
	}

	// Parse chat ID
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if cfg.Mode != "paper" && cfg.Mode != "live" {
		return nil, fmt.Errorf("invalid KEEPER_MODE %q (want paper or live)", cfg.Mode)
	}
	if cfg.Mode == "live" && cfg.KeypairPath == "" {
		return nil, fmt.Errorf("KEYPAIR_PATH is required in live mode")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvDurationSec(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil && i >= 0 {
			return time.Duration(i) * time.Second
		}
	}
	return defaultValue
}

func getEnvDurationMs(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil && i >= 0 {
			return time.Duration(i) * time.Millisecond
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
