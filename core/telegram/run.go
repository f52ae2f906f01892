// Package telegram runs the Telegram side of the report bot on telebot.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/createrken-code/nippo-shokuninn/core/config"
	"github.com/createrken-code/nippo-shokuninn/core/conversation"
	"github.com/createrken-code/nippo-shokuninn/core/logger"
	"github.com/createrken-code/nippo-shokuninn/core/metrics"
	"github.com/createrken-code/nippo-shokuninn/core/ratelimit"
	tghelpers "github.com/createrken-code/nippo-shokuninn/core/telegram/helpers"

	tele "gopkg.in/telebot.v4"
)

// Platform is the platform tag used in logs, metrics and session keys.
const Platform = tghelpers.Platform

// DefaultLimitedText is sent when an update is dropped by the rate limiter.
const DefaultLimitedText = "⏳ 少し間隔をあけて送ってください。"

// EventHandler consumes conversation events, typically a *conversation.Controller.
type EventHandler interface {
	Handle(ctx context.Context, ev conversation.Event, r conversation.Replier) error
}

// Options controls the behaviour of the gateway.
type Options struct {
	Config      config.TelegramConfig
	Limiter     *ratelimit.Limiter
	Metrics     *metrics.Metrics
	LimitedText string

	// Offline skips the getMe handshake. Tests use it with Synchronous.
	Offline     bool
	Synchronous bool

	DisableWebhookCleanup bool
}

// Gateway owns the telebot runtime.
type Gateway struct {
	opts      Options
	poller    PollerOptions
	bot       *tele.Bot
	messenger *Messenger
	bound     bool
}

// New builds the bot without starting it.
func New(opts Options) (*Gateway, error) {
	if strings.TrimSpace(opts.Config.Token) == "" && !opts.Offline {
		return nil, fmt.Errorf("telegram: token is required")
	}
	if opts.LimitedText == "" {
		opts.LimitedText = DefaultLimitedText
	}
	pollerOpts := PollerOptionsFrom(opts.Config)

	buildStart := time.Now()
	bot, err := tele.NewBot(tele.Settings{
		Token:       opts.Config.Token,
		Poller:      BuildPoller(pollerOpts),
		Client:      BuildHTTPClient(pollerOpts.PollTimeout()),
		Offline:     opts.Offline,
		Synchronous: opts.Synchronous,
		OnError:     onError,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: bot initialization failed: %w", err)
	}

	g := &Gateway{opts: opts, poller: pollerOpts, bot: bot, messenger: NewMessenger(bot)}
	g.logMode(time.Since(buildStart))
	return g, nil
}

// Bot exposes the underlying telebot instance.
func (g *Gateway) Bot() *tele.Bot { return g.bot }

// Messenger returns the push and content client backed by the bot.
func (g *Gateway) Messenger() *Messenger { return g.messenger }

// Bind installs middleware and routes text and image updates to h. It may be called once.
func (g *Gateway) Bind(h EventHandler) {
	if g.bound || h == nil {
		return
	}
	g.bound = true

	limited := g.opts.LimitedText
	for _, mw := range DefaultMiddlewares(g.opts.Limiter, g.opts.Metrics, func(c tele.Context) error {
		return c.Send(limited)
	}) {
		g.bot.Use(mw.Use)
	}
	g.bot.Handle(tele.OnText, textHandler(h))
	g.bot.Handle(tele.OnPhoto, imageHandler(h))
	g.bot.Handle(tele.OnDocument, imageHandler(h))
}

// Run processes updates until ctx is done.
func (g *Gateway) Run(ctx context.Context) error {
	if !g.bound {
		return fmt.Errorf("telegram: no handler bound")
	}
	if !g.opts.DisableWebhookCleanup && !strings.EqualFold(g.poller.RunMode, config.RunModeWebhook) {
		if err := g.bot.RemoveWebhook(); err != nil {
			logger.Warn(ctx, "tg", "delete_webhook",
				slog.String("status", "fail"),
				slog.String("mode", "polling"),
				slog.String("err", err.Error()),
			)
		} else {
			logger.Info(ctx, "tg", "delete_webhook",
				slog.String("status", "ok"),
				slog.String("mode", "polling"),
			)
		}
	}

	runDone := make(chan struct{})
	go func() {
		g.bot.Start()
		close(runDone)
	}()

	select {
	case <-ctx.Done():
		g.bot.Stop()
		<-runDone
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil
		}
		return ctx.Err()
	case <-runDone:
		return nil
	}
}

func (g *Gateway) logMode(took time.Duration) {
	ctx := context.Background()
	switch p := g.bot.Poller.(type) {
	case *tele.Webhook:
		logger.Info(ctx, "tg", "mode",
			slog.String("mode", "webhook"),
			slog.String("listen", p.Listen),
			slog.String("url", p.Endpoint.PublicURL),
			slog.Duration("duration", took),
		)
	default:
		logger.Info(ctx, "tg", "mode",
			slog.String("mode", "polling"),
			slog.Int("timeout_seconds", int(g.poller.PollTimeout()/time.Second)),
			slog.Duration("duration", took),
		)
	}
}

func onError(err error, c tele.Context) {
	ctx := context.Background()
	if c != nil {
		ctx = tghelpers.BuildContext(c)
	}
	logger.Error(ctx, "tg", "tg.error",
		slog.String("status", "fail"),
		slog.String("err", err.Error()),
		slog.String("err_code", logger.ErrorCode(err)),
	)
}
