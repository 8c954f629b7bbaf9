package storage

import (
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Database is the keeper's persistence layer: trade log, rebalance history,
// and the vault tables (migrated by the vault package on the same handle).
type Database struct {
	db *gorm.DB
}

// TradeLog is one executed trade.
type TradeLog struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	EngineID    string `gorm:"index"`
	Market      string
	Side        string
	Size        decimal.Decimal `gorm:"type:decimal(20,9)"`
	Price       decimal.Decimal `gorm:"type:decimal(20,6)"`
	TxSignature string          `gorm:"index"`
	CreatedAt   time.Time
}

// RebalanceLog records one tick outcome that reached a decision.
type RebalanceLog struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	EngineID       string `gorm:"index"`
	Action         string
	CorrectionSize decimal.Decimal `gorm:"type:decimal(20,9)"`
	Status         string
	TxSignature    string
	Error          string
	CreatedAt      time.Time
}

// New opens postgres when databaseURL is set, otherwise a local sqlite file.
func New(databaseURL, sqlitePath string) (*Database, error) {
	var dial gorm.Dialector
	if databaseURL != "" {
		dial = postgres.Open(databaseURL)
		log.Info().Msg("💾 Using PostgreSQL")
	} else {
		if dir := filepath.Dir(sqlitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		dial = sqlite.Open(sqlitePath)
		log.Info().Str("path", sqlitePath).Msg("💾 Using SQLite")
	}

	db, err := gorm.Open(dial, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&TradeLog{}, &RebalanceLog{}); err != nil {
		return nil, err
	}

	return &Database{db: db}, nil
}

// Gorm exposes the handle for packages that migrate their own tables.
func (d *Database) Gorm() *gorm.DB { return d.db }

// TradeLogger binds the trade log to one engine id.
func (d *Database) TradeLogger(engineID string) *EngineTradeLogger {
	return &EngineTradeLogger{db: d.db, engineID: engineID}
}

// EngineTradeLogger implements the executor's TradeLogger.
type EngineTradeLogger struct {
	db       *gorm.DB
	engineID string
}

func (l *EngineTradeLogger) LogTrade(market, side string, size, price decimal.Decimal, txSignature string) {
	row := TradeLog{
		EngineID:    l.engineID,
		Market:      market,
		Side:        side,
		Size:        size,
		Price:       price,
		TxSignature: txSignature,
		CreatedAt:   time.Now(),
	}
	if err := l.db.Create(&row).Error; err != nil {
		log.Warn().Err(err).Msg("Trade log write failed")
	}
}

// LogRebalance appends one rebalance outcome.
func (d *Database) LogRebalance(engineID, action string, size decimal.Decimal, status, txSignature, errMsg string) {
	row := RebalanceLog{
		EngineID:       engineID,
		Action:         action,
		CorrectionSize: size,
		Status:         status,
		TxSignature:    txSignature,
		Error:          errMsg,
		CreatedAt:      time.Now(),
	}
	if err := d.db.Create(&row).Error; err != nil {
		log.Warn().Err(err).Msg("Rebalance log write failed")
	}
}

// RecentTrades returns the last limit trades for an engine, newest first.
func (d *Database) RecentTrades(engineID string, limit int) ([]TradeLog, error) {
	var rows []TradeLog
	err := d.db.Where("engine_id = ?", engineID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
