// Package notify delivers margin opportunity alerts to operators.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"pricewatch/models"
)

// ErrNotConfigured is returned when a notifier lacks credentials.
var ErrNotConfigured = errors.New("notifier not configured")

// Notifier delivers one alert. Callers treat delivery as best effort.
type Notifier interface {
	Notify(ctx context.Context, alert models.ScrapingAlert, product models.NormalizedProduct, result models.PriceScrapingResult) error
}

// Nop discards every alert.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, models.ScrapingAlert, models.NormalizedProduct, models.PriceScrapingResult) error {
	return nil
}

// Telegram posts alerts to one chat.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegram authorizes the bot token. endpoint may be empty for the
// public Bot API.
func NewTelegram(token string, chatID int64, endpoint string, client *http.Client) (*Telegram, error) {
	if token == "" || chatID == 0 {
		return nil, ErrNotConfigured
	}
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	if client == nil {
		client = &http.Client{}
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("connect telegram bot: %w", err)
	}
	bot.Debug = false
	return &Telegram{bot: bot, chatID: chatID}, nil
}

// Notify implements Notifier.
func (t *Telegram) Notify(ctx context.Context, alert models.ScrapingAlert, product models.NormalizedProduct, result models.PriceScrapingResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.chatID, FormatAlert(alert, product, result))
	msg.DisableWebPagePreview = true
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("send telegram alert: %w", err)
	}
	return nil
}

// FormatAlert renders an alert as plain text.
func FormatAlert(alert models.ScrapingAlert, product models.NormalizedProduct, result models.PriceScrapingResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Margin opportunity: %s\n", product.DisplayName())
	fmt.Fprintf(&b, "Retail %s %s at %s\n", result.Price.StringFixed(2), result.Currency, result.Merchant)
	fmt.Fprintf(&b, "Wholesale %s %s\n", product.WholesalePrice.StringFixed(2), product.Currency)
	fmt.Fprintf(&b, "Margin %s%% (target %s%%)", alert.CurrentMargin.StringFixed(1), alert.TargetMargin.StringFixed(1))
	if result.URL != "" {
		fmt.Fprintf(&b, "\n%s", result.URL)
	}
	return b.String()
}
