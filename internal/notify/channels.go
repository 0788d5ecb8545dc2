package notify

import (
	"fmt"

	"github.com/kiranshivaraju/faultline/internal/config"
)

// FromConfig builds the channels that have credentials configured. mailer may
// be nil when SMTP is not configured.
func FromConfig(cfg config.NotifyConfig, mailer Enqueuer) ([]Channel, error) {
	client := NewHTTPClient()
	var channels []Channel

	if cfg.Telegram.BotToken != "" {
		channels = append(channels, NewTelegramChannel(cfg.Telegram.APIBase, cfg.Telegram.BotToken, cfg.Telegram.ChatID, client))
	}
	if cfg.Webhook.URL != "" {
		channels = append(channels, NewWebhookChannel(cfg.Webhook.URL, cfg.Webhook.Method, cfg.Webhook.Headers, client))
	}
	if cfg.Email.SMTPHost != "" && len(cfg.Email.To) > 0 {
		if mailer == nil {
			return nil, fmt.Errorf("email channel configured without a mailer")
		}
		channels = append(channels, NewEmailChannel(cfg.Email.To, mailer))
	}
	if cfg.EmailAPI.APIKey != "" {
		channels = append(channels, NewEmailAPIChannel(cfg.EmailAPI.BaseURL, cfg.EmailAPI.APIKey, cfg.EmailAPI.From, cfg.EmailAPI.To, client))
	}
	if len(cfg.ShoutrrrURLs) > 0 {
		ch, err := NewShoutrrrChannel(cfg.ShoutrrrURLs...)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, nil
}
