// Package line receives LINE Messaging API webhooks and talks back to LINE.
package line

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"

	"github.com/createrken-code/nippo-shokuninn/core/config"
	"github.com/createrken-code/nippo-shokuninn/core/conversation"
	"github.com/createrken-code/nippo-shokuninn/core/logger"
	"github.com/createrken-code/nippo-shokuninn/core/metrics"
	"github.com/createrken-code/nippo-shokuninn/core/ratelimit"
)

const (
	// Platform is the platform tag used in logs, metrics and session keys.
	Platform = "line"

	component       = "line"
	signatureHeader = "X-Line-Signature"
)

// EventHandler consumes conversation events, typically a *conversation.Controller.
type EventHandler interface {
	Handle(ctx context.Context, ev conversation.Event, r conversation.Replier) error
}

// Options wires a Gateway.
type Options struct {
	ChannelSecret string
	Messenger     *Messenger
	Limiter       *ratelimit.Limiter
	Metrics       *metrics.Metrics
	// LimitedText answers events dropped by the limiter; empty drops silently.
	LimitedText string
}

// Gateway verifies webhook calls and feeds message events to a handler.
type Gateway struct {
	opts    Options
	handler EventHandler
}

// New returns a gateway without a handler; call Bind before serving.
func New(opts Options) *Gateway {
	return &Gateway{opts: opts}
}

// Bind sets the event consumer.
func (g *Gateway) Bind(h EventHandler) { g.handler = h }

// Messenger returns the LINE API client the gateway replies with.
func (g *Gateway) Messenger() *Messenger { return g.opts.Messenger }

// Webhook is the fiber handler for the LINE callback route.
func (g *Gateway) Webhook(c *fiber.Ctx) error {
	start := time.Now()
	ctx := logger.WithPlatform(c.UserContext(), Platform)
	body := c.Body()

	if !webhook.ValidateSignature(g.opts.ChannelSecret, c.Get(signatureHeader), body) {
		g.opts.Metrics.Webhook(Platform, "rejected")
		logger.Warn(ctx, component, "webhook.rejected",
			slog.String("status", "fail"),
			slog.String("reason", "signature"),
			slog.String("host", c.IP()),
		)
		return fiber.NewError(fiber.StatusBadRequest, "invalid signature")
	}

	var req webhook.CallbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		g.opts.Metrics.Webhook(Platform, "rejected")
		logger.Warn(ctx, component, "webhook.rejected",
			slog.String("status", "fail"),
			slog.String("reason", "decode"),
			slog.String("err", err.Error()),
		)
		return fiber.NewError(fiber.StatusBadRequest, "malformed body")
	}

	handled := 0
	for _, ev := range req.Events {
		if g.dispatch(ctx, ev) {
			handled++
		}
	}
	g.opts.Metrics.Webhook(Platform, "ok")
	logger.Info(ctx, component, "webhook.handled",
		slog.String("status", "ok"),
		slog.Int("count", len(req.Events)),
		slog.Int("handled", handled),
		slog.Duration("duration", logger.Took(start)),
	)
	return c.SendString("OK")
}

// dispatch feeds one event to the handler. Failures are logged, never returned,
// so one bad event cannot make LINE redeliver the whole batch.
func (g *Gateway) dispatch(ctx context.Context, raw webhook.EventInterface) bool {
	me, ok := raw.(webhook.MessageEvent)
	if !ok {
		logger.Debug(ctx, component, "event.ignored", slog.String("kind", kindOf(raw)))
		return false
	}
	userID := sourceUser(me.Source)
	ctx = logger.WithRID(ctx, me.WebhookEventId)
	if userID == "" {
		logger.Debug(ctx, component, "event.ignored", slog.String("reason", "no_user"))
		return false
	}
	ctx = logger.WithUser(ctx, userID)

	var ev conversation.Event
	switch msg := me.Message.(type) {
	case webhook.TextMessageContent:
		ev = conversation.TextEvent{UserID: userID, Text: msg.Text}
		ctx = logger.WithHandler(ctx, config.UpdateText)
	case webhook.ImageMessageContent:
		ev = conversation.ImageEvent{UserID: userID, ContentID: msg.Id}
		ctx = logger.WithHandler(ctx, config.UpdateImage)
	default:
		logger.Debug(ctx, component, "event.ignored", slog.String("kind", "message"))
		return false
	}

	replier := &tokenReplier{m: g.opts.Messenger, token: me.ReplyToken, userID: userID}
	if !g.opts.Limiter.Allow(userID, logger.HandlerFrom(ctx)) {
		g.opts.Metrics.RateLimited(Platform)
		logger.Warn(ctx, component, "event.rate_limit", slog.String("outcome", "dropped"))
		if g.opts.LimitedText != "" {
			if err := replier.Reply(ctx, g.opts.LimitedText); err != nil {
				logger.Debug(ctx, component, "event.rate_limit.reply",
					slog.String("status", "fail"),
					slog.String("err", err.Error()),
				)
			}
		}
		return false
	}
	if g.handler == nil {
		logger.Error(ctx, component, "event.unbound", slog.String("status", "fail"))
		return false
	}

	if me.DeliveryContext != nil && me.DeliveryContext.IsRedelivery {
		logger.Info(ctx, component, "event.redelivered")
	}
	if err := g.handler.Handle(ctx, ev, replier); err != nil {
		logger.Error(ctx, component, "event.failed",
			slog.String("status", "fail"),
			slog.String("err", err.Error()),
			slog.String("err_code", logger.ErrorCode(err)),
		)
		return false
	}
	return true
}

func sourceUser(src webhook.SourceInterface) string {
	switch s := src.(type) {
	case webhook.UserSource:
		return s.UserId
	case webhook.GroupSource:
		return s.UserId
	case webhook.RoomSource:
		return s.UserId
	}
	return ""
}

func kindOf(ev webhook.EventInterface) string {
	switch ev.(type) {
	case webhook.FollowEvent:
		return "follow"
	case webhook.UnfollowEvent:
		return "unfollow"
	case webhook.PostbackEvent:
		return "postback"
	case webhook.JoinEvent:
		return "join"
	case webhook.LeaveEvent:
		return "leave"
	}
	return "other"
}
