// Package bot pushes keeper events to the operator over Telegram.
package bot

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/ConsumrBuzzy/phantom-keeper/internal/events"
)

// Notifier relays rebalance outcomes and critical alerts to one chat.
type Notifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
	bus    *events.Bus
}

// New returns nil when token or chat id are unset; the keeper runs fine
// without notifications.
func New(token string, chatID int64, bus *events.Bus) (*Notifier, error) {
	if token == "" || chatID == 0 {
		return nil, nil
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("bot: %w", err)
	}
	log.Info().Str("bot", api.Self.UserName).Msg("📱 Telegram notifier connected")
	return &Notifier{api: api, chatID: chatID, bus: bus}, nil
}

// Run forwards events until ctx is done.
func (n *Notifier) Run(ctx context.Context) {
	stream, unsub := n.bus.SubscribeAll([]events.Type{
		events.EventRebalance,
		events.EventHealthCritical,
		events.EventVaultSyncFailed,
		events.EventCritical,
	}, 64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-stream:
			if !ok {
				return
			}
			if msg := format(env); msg != "" {
				n.send(msg)
			}
		}
	}
}

func format(env events.Envelope) string {
	switch env.Type {
	case events.EventRebalance:
		ev, ok := env.Payload.(events.Rebalance)
		if !ok {
			return ""
		}
		switch ev.Status {
		case events.StatusExecuted:
			return fmt.Sprintf("⚖️ Rebalanced: %s %s\n%s", ev.Action, ev.CorrectionSize, ev.TxSignature)
		case events.StatusFailed:
			return fmt.Sprintf("❌ Rebalance failed: %s", ev.Error)
		case events.StatusUnknown:
			return fmt.Sprintf("❓ Rebalance outcome unknown, verify:\n%s", ev.TxSignature)
		default:
			return ""
		}
	case events.EventHealthCritical:
		ev, ok := env.Payload.(events.HealthAlert)
		if !ok {
			return ""
		}
		return fmt.Sprintf("🚨 Health CRITICAL: %s (threshold %s)", ev.Health, ev.Threshold)
	case events.EventVaultSyncFailed, events.EventCritical:
		ev, ok := env.Payload.(events.Critical)
		if !ok {
			return ""
		}
		return fmt.Sprintf("🛑 %s: %s", ev.Reason, ev.Detail)
	}
	return ""
}

func (n *Notifier) send(text string) {
	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.api.Send(msg); err != nil {
		log.Warn().Err(err).Msg("Telegram send failed")
	}
}
