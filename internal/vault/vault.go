package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ConsumrBuzzy/phantom-keeper/internal/events"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/retry"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/snapshot"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE VAULT - Per-engine capital accounting
// ═══════════════════════════════════════════════════════════════════════════════
//
// Tracks allocated capital per engine independently of the raw on-chain
// balance, so several engines can share one wallet without double-counting.
// Every mutation writes through before returning.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Record is the persisted vault row, one per engine.
type Record struct {
	EngineID        string `gorm:"primaryKey"`
	Kind            string // "virtual" or "on_chain"
	BalancesJSON    string
	AllocatedUSD    decimal.Decimal `gorm:"type:decimal(20,6)"`
	AvailableUSD    decimal.Decimal `gorm:"type:decimal(20,6)"`
	LastSyncedAt    time.Time
	SyncOK          bool
	LastRebalanceAt *time.Time
	Mode            string
	SafetyFlag      bool
	UpdatedAt       time.Time
}

// TxEvent is one recorded vault mutation, idempotent per (engine, signature).
type TxEvent struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	EngineID    string `gorm:"uniqueIndex:idx_vault_engine_sig"`
	TxSignature string `gorm:"uniqueIndex:idx_vault_engine_sig"`
	Action      string
	AmountUSD   decimal.Decimal `gorm:"type:decimal(20,6)"`
	CreatedAt   time.Time
}

// State is a read-only copy of the vault for callers and events.
type State struct {
	EngineID     string                     `json:"engine_id"`
	Kind         string                     `json:"kind"`
	Balances     map[string]decimal.Decimal `json:"balances"`
	AllocatedUSD decimal.Decimal            `json:"allocated_usd"`
	AvailableUSD decimal.Decimal            `json:"available_usd"`
	LastSyncedAt time.Time                  `json:"last_synced_at"`
	SyncOK       bool                       `json:"sync_ok"`
}

// Vault owns one engine's record. Writers are serialized by the mutex; two
// vaults with distinct engine ids never touch each other's rows.
type Vault struct {
	mu       sync.Mutex
	db       *gorm.DB
	engineID string
	rec      Record
	bus      *events.Bus

	tradingDisabled bool

	// SyncPolicy defaults to the 3-attempt 1s/2s/4s contract; tests shrink it.
	SyncPolicy retry.Policy
}

// Open loads the vault for engineID, creating a default row if absent.
func Open(db *gorm.DB, bus *events.Bus, engineID, kind, mode string) (*Vault, error) {
	if err := db.AutoMigrate(&Record{}, &TxEvent{}); err != nil {
		return nil, fmt.Errorf("vault: migrate: %w", err)
	}

	v := &Vault{db: db, engineID: engineID, bus: bus, SyncPolicy: retry.VaultSync}

	err := db.Where("engine_id = ?", engineID).First(&v.rec).Error
	if err == gorm.ErrRecordNotFound {
		v.rec = Record{
			EngineID:     engineID,
			Kind:         kind,
			Mode:         mode,
			BalancesJSON: "{}",
			SyncOK:       true,
		}
		if err := db.Create(&v.rec).Error; err != nil {
			return nil, fmt.Errorf("vault: create: %w", err)
		}
		log.Info().Str("engine", engineID).Msg("💼 Vault created")
	} else if err != nil {
		return nil, fmt.Errorf("vault: load: %w", err)
	}

	v.tradingDisabled = !v.rec.SyncOK
	return v, nil
}

// State returns a copy of the current vault state.
func (v *Vault) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()

	balances := map[string]decimal.Decimal{}
	_ = json.Unmarshal([]byte(v.rec.BalancesJSON), &balances)

	return State{
		EngineID:     v.rec.EngineID,
		Kind:         v.rec.Kind,
		Balances:     balances,
		AllocatedUSD: v.rec.AllocatedUSD,
		AvailableUSD: v.rec.AvailableUSD,
		LastSyncedAt: v.rec.LastSyncedAt,
		SyncOK:       v.rec.SyncOK,
	}
}

// TradingDisabled reports whether the engine is halted after a sync failure.
func (v *Vault) TradingDisabled() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.tradingDisabled
}

// SyncFromSnapshot reconciles the vault against an account snapshot with the
// vault retry policy. After exhaustion the vault is marked out of sync,
// trading is disabled for this engine, and VAULT_SYNC_FAILED is emitted.
func (v *Vault) SyncFromSnapshot(ctx context.Context, state *snapshot.AccountState) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	balances := map[string]decimal.Decimal{
		"USDC": state.TotalCollateral,
	}
	for _, p := range state.Positions {
		balances[p.Symbol] = p.Size
	}
	blob, err := json.Marshal(balances)
	if err != nil {
		return fmt.Errorf("vault: marshal balances: %w", err)
	}

	err = retry.Do(ctx, v.SyncPolicy, func(context.Context) error {
		rec := v.rec
		rec.BalancesJSON = string(blob)
		rec.AllocatedUSD = state.TotalCollateral
		rec.AvailableUSD = state.FreeCollateral
		rec.LastSyncedAt = state.Timestamp
		rec.SyncOK = true
		rec.UpdatedAt = time.Now()
		if err := v.db.Save(&rec).Error; err != nil {
			log.Warn().Err(err).Str("engine", v.engineID).Msg("Vault sync attempt failed")
			return err
		}
		v.rec = rec
		return nil
	})

	if err != nil {
		v.rec.SyncOK = false
		v.rec.SafetyFlag = true
		v.tradingDisabled = true
		// Best effort: the store may be the thing that is broken.
		v.db.Model(&Record{}).Where("engine_id = ?", v.engineID).
			Updates(map[string]any{"sync_ok": false, "safety_flag": true})

		log.Error().Err(err).Str("engine", v.engineID).Msg("Vault desynchronized, trading disabled")
		if v.bus != nil {
			v.bus.Publish(events.EventVaultSyncFailed, events.Critical{
				Reason: "VAULT_SYNC_FAILED",
				Detail: fmt.Sprintf("engine %s: %v", v.engineID, err),
			})
		}
		return fmt.Errorf("vault: sync failed after retries: %w", err)
	}

	v.tradingDisabled = false
	return nil
}

// RecordTx stores one executed transaction, idempotent by
// (engine_id, tx_signature).
func (v *Vault) RecordTx(action, txSignature string, amountUSD decimal.Decimal) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	ev := TxEvent{
		EngineID:    v.engineID,
		TxSignature: txSignature,
		Action:      action,
		AmountUSD:   amountUSD,
		CreatedAt:   time.Now(),
	}
	err := v.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&ev).Error
	if err != nil {
		return fmt.Errorf("vault: record tx: %w", err)
	}
	return nil
}

// LastRebalance returns the persisted rebalance timestamp, zero if none.
func (v *Vault) LastRebalance() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.rec.LastRebalanceAt == nil {
		return time.Time{}
	}
	return *v.rec.LastRebalanceAt
}

// SetLastRebalance persists the rebalance timestamp.
func (v *Vault) SetLastRebalance(t time.Time) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.rec.LastRebalanceAt = &t
	v.rec.UpdatedAt = time.Now()
	if err := v.db.Save(&v.rec).Error; err != nil {
		return fmt.Errorf("vault: persist last rebalance: %w", err)
	}
	return nil
}

// Flush writes the current record through; called on shutdown.
func (v *Vault) Flush() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rec.UpdatedAt = time.Now()
	return v.db.Save(&v.rec).Error
}
