package middleware

import (
	"github.com/createrken-code/nippo-shokuninn/core/logger"
	"github.com/createrken-code/nippo-shokuninn/core/metrics"
	tghelpers "github.com/createrken-code/nippo-shokuninn/core/telegram/helpers"

	tele "gopkg.in/telebot.v4"
)

// MetricsMiddleware counts handled updates by outcome.
func MetricsMiddleware(m *metrics.Metrics) tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			err := next(c)
			m.Webhook(tghelpers.Platform, logger.Status(err))
			return err
		}
	}
}
