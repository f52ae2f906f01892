// Package helpers bridges telebot contexts and the structured logger.
package helpers

import (
	"context"
	"strconv"

	"github.com/createrken-code/nippo-shokuninn/core/logger"

	tele "gopkg.in/telebot.v4"
)

const (
	contextKey = "logger_ctx"
	// Platform is the platform tag used in logs, metrics and session keys.
	Platform = "telegram"
)

// StoreContext attaches reusable context to tele.Context for downstream helpers.
func StoreContext(c tele.Context, ctx context.Context) {
	if c == nil || ctx == nil {
		return
	}
	c.Set(contextKey, ctx)
}

// ContextFrom returns the context previously stored by middleware.
func ContextFrom(c tele.Context) (context.Context, bool) {
	if c == nil {
		return nil, false
	}
	if ctx, ok := c.Get(contextKey).(context.Context); ok {
		return ctx, true
	}
	return nil, false
}

// BuildContext derives a logging context carrying rid, platform and user id.
func BuildContext(c tele.Context) context.Context {
	if cached, ok := ContextFrom(c); ok {
		return cached
	}

	rid, _ := c.Get("rid").(string)
	if rid == "" {
		rid = UpdateRID(c.Update().ID)
		c.Set("rid", rid)
	}

	ctx := logger.WithRID(context.Background(), rid)
	ctx = logger.WithPlatform(ctx, Platform)
	if u := c.Sender(); u != nil {
		ctx = logger.WithUser(ctx, UserID(u))
	}
	ctx = logger.WithLogger(ctx, logger.Component("tg"))
	StoreContext(c, ctx)
	return ctx
}

// WithHandler enriches stored context with handler metadata for downstream logs.
func WithHandler(c tele.Context, handler string) context.Context {
	ctx := BuildContext(c)
	if handler == "" {
		return ctx
	}
	ctx = logger.WithHandler(ctx, handler)
	StoreContext(c, ctx)
	return ctx
}

// UserID formats a Telegram user id as a conversation key.
func UserID(u *tele.User) string {
	if u == nil {
		return ""
	}
	return strconv.FormatInt(u.ID, 10)
}

// UpdateRID builds the correlation id of an update.
func UpdateRID(updateID int) string {
	return "tg-" + strconv.Itoa(updateID)
}
