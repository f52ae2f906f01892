package middleware

import (
	"log/slog"
	"time"

	"github.com/createrken-code/nippo-shokuninn/core/logger"
	tghelpers "github.com/createrken-code/nippo-shokuninn/core/telegram/helpers"

	tele "gopkg.in/telebot.v4"
)

// Kind classifies an update for logs and rate limit exclusions.
func Kind(c tele.Context) string {
	msg := c.Message()
	switch {
	case msg == nil:
		return "other"
	case msg.Photo != nil, msg.Document != nil:
		return "image"
	case msg.Text != "":
		return "text"
	default:
		return "other"
	}
}

// LoggerMiddleware sets rid and logs one receipt line and one completion line per update.
func LoggerMiddleware(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		upd := c.Update()
		start := time.Now()
		c.Set("rid", tghelpers.UpdateRID(upd.ID))
		ctx := tghelpers.BuildContext(c)

		if logger.ShouldSampleDebug() {
			attrs := []slog.Attr{
				slog.Int("update_id", upd.ID),
				slog.String("kind", Kind(c)),
			}
			if chat := c.Chat(); chat != nil {
				attrs = append(attrs, slog.String("chat_type", string(chat.Type)))
			}
			if u := c.Sender(); u != nil && u.Username != "" {
				attrs = append(attrs, slog.String("username", logger.SanitizeLimit(u.Username, 64)))
			}
			if t := c.Text(); t != "" {
				attrs = append(attrs, slog.String("payload", logger.SanitizeLimit(t, 256)))
			}
			logger.Debug(ctx, "tg", "update.received", attrs...)
		}

		err := next(c)

		level := slog.LevelInfo
		attrs := []slog.Attr{
			slog.String("status", logger.Status(err)),
			slog.Duration("duration", logger.Took(start)),
		}
		if err != nil {
			level = slog.LevelWarn
			attrs = append(attrs,
				slog.String("err", err.Error()),
				slog.String("err_code", logger.ErrorCode(err)),
			)
		}
		if h, ok := tghelpers.ContextFrom(c); ok {
			ctx = h
		}
		logger.Event(ctx, "tg", level, "update.handled", attrs...)
		return err
	}
}
