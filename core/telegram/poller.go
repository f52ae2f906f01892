package telegram

import (
	"fmt"
	"strings"
	"time"

	"github.com/createrken-code/nippo-shokuninn/core/config"

	tele "gopkg.in/telebot.v4"
)

const defaultPollTimeout = 10 * time.Second

// WebhookOptions declares webhook listener settings.
type WebhookOptions struct {
	Listen      string
	Port        int
	URL         string
	SecretToken string
}

// PollerOptions configures BuildPoller.
type PollerOptions struct {
	RunMode                string
	LongPollTimeoutSeconds int
	Webhook                WebhookOptions
}

// PollerOptionsFrom maps the telegram config section onto PollerOptions.
func PollerOptionsFrom(cfg config.TelegramConfig) PollerOptions {
	return PollerOptions{
		RunMode:                cfg.RunMode,
		LongPollTimeoutSeconds: cfg.LongPollTimeoutSeconds,
		Webhook: WebhookOptions{
			Listen:      cfg.WebhookListen,
			Port:        cfg.WebhookPort,
			URL:         cfg.WebhookURL,
			SecretToken: cfg.WebhookSecret,
		},
	}
}

// PollTimeout is the long-poll timeout the options select.
func (o PollerOptions) PollTimeout() time.Duration {
	if o.LongPollTimeoutSeconds <= 0 {
		return defaultPollTimeout
	}
	return time.Duration(o.LongPollTimeoutSeconds) * time.Second
}

// BuildPoller returns a telebot poller based on provided options.
func BuildPoller(opts PollerOptions) tele.Poller {
	if strings.EqualFold(strings.TrimSpace(opts.RunMode), config.RunModeWebhook) {
		return &tele.Webhook{
			Listen:      fmt.Sprintf("%s:%d", opts.Webhook.Listen, opts.Webhook.Port),
			SecretToken: opts.Webhook.SecretToken,
			Endpoint:    &tele.WebhookEndpoint{PublicURL: opts.Webhook.URL},
		}
	}
	return &tele.LongPoller{Timeout: opts.PollTimeout()}
}
