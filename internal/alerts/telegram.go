package alerts

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Notifier pushes operator alerts over Telegram. Without a token every
// method degrades to a structured log line, so alerting is never load-bearing.
type Notifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// New creates a notifier. Empty token returns a log-only notifier.
func New(token string, chatID int64) *Notifier {
	if token == "" {
		log.Info().Msg("Telegram token unset, operator alerts go to logs only")
		return &Notifier{}
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		log.Error().Err(err).Msg("Telegram init failed, falling back to logs")
		return &Notifier{}
	}

	log.Info().Str("bot", api.Self.UserName).Msg("📱 Telegram alerts enabled")
	return &Notifier{api: api, chatID: chatID}
}

func (n *Notifier) send(text string) {
	if n == nil || n.api == nil {
		log.Info().Str("alert", text).Msg("📣 Operator alert")
		return
	}
	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.api.Send(msg); err != nil {
		log.Warn().Err(err).Msg("Telegram send failed")
	}
}

// StuckPosition fires after repeated close failures on one symbol
func (n *Notifier) StuckPosition(symbol string, failures int) {
	n.send(fmt.Sprintf("🚨 STUCK position %s: %d consecutive close failures, manual intervention may be needed", symbol, failures))
}

// ReconcileAction reports a startup reconciliation correction
func (n *Notifier) ReconcileAction(symbol, action string) {
	n.send(fmt.Sprintf("🔧 Reconciler: %s on %s", action, symbol))
}

// CircuitBreaker announces the daily loss halt
func (n *Notifier) CircuitBreaker(dailyPnL decimal.Decimal) {
	n.send(fmt.Sprintf("🛑 Circuit breaker tripped: daily PnL %s. Entries halted until UTC rollover.", dailyPnL.StringFixed(2)))
}

// PositionClosed summarizes a finalized exit
func (n *Notifier) PositionClosed(symbol, reason string, pnl decimal.Decimal) {
	emoji := "🟢"
	if pnl.IsNegative() {
		emoji = "🔴"
	}
	n.send(fmt.Sprintf("%s Closed %s (%s): PnL %s", emoji, symbol, reason, pnl.StringFixed(2)))
}

// CommitTimeout flags a reservation left for the reconciler
func (n *Notifier) CommitTimeout(symbol, reservationID string) {
	n.send(fmt.Sprintf("⚠️ Commit timeout on %s (reservation %s); reconciler will resolve at next startup", symbol, reservationID))
}
