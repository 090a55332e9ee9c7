package middleware

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/omnibus-mq/omnibus/core"
)

// Logging returns middleware that logs message processing duration and errors.
func Logging(log zerolog.Logger) core.MiddlewareFunc {
	return func(next core.HandlerFunc) core.HandlerFunc {
		return func(c core.Context) error {
			start := time.Now()
			err := next(c)
			elapsed := time.Since(start)

			if err != nil {
				log.Error().
					Str("topic", c.Topic()).
					Str("message_id", c.ID()).
					Int("attempt", c.Attempt()).
					Dur("elapsed", elapsed).
					Err(err).
					Msg("message failed")
			} else {
				log.Debug().
					Str("topic", c.Topic()).
					Str("message_id", c.ID()).
					Dur("elapsed", elapsed).
					Msg("message processed")
			}
			return err
		}
	}
}
