package middleware

import (
	"log/slog"

	"github.com/createrken-code/nippo-shokuninn/core/logger"
	"github.com/createrken-code/nippo-shokuninn/core/metrics"
	"github.com/createrken-code/nippo-shokuninn/core/ratelimit"
	tghelpers "github.com/createrken-code/nippo-shokuninn/core/telegram/helpers"

	tele "gopkg.in/telebot.v4"
)

// RateLimitOptions configures behaviour of the rate limit middleware.
type RateLimitOptions struct {
	Limiter   *ratelimit.Limiter
	Metrics   *metrics.Metrics
	OnLimited tele.HandlerFunc
}

// RateLimitMiddleware drops updates arriving faster than the limiter allows for one user.
func RateLimitMiddleware(opts RateLimitOptions) tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			user := c.Sender()
			if user == nil || opts.Limiter == nil {
				return next(c)
			}
			kind := Kind(c)
			if opts.Limiter.Allow(tghelpers.UserID(user), kind) {
				return next(c)
			}

			opts.Metrics.RateLimited(tghelpers.Platform)
			logger.Warn(tghelpers.BuildContext(c), "tg", "tg.rate_limit",
				slog.String("kind", kind),
				slog.String("outcome", "dropped"),
			)
			if opts.OnLimited != nil {
				_ = opts.OnLimited(c)
			}
			return nil
		}
	}
}
