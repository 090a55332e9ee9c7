package middleware

import (
	"fmt"
	"runtime"

	"github.com/rs/zerolog"

	"github.com/omnibus-mq/omnibus/core"
)

// Recovery returns middleware that recovers from panics in handlers,
// logs the stack trace, and returns the panic as an error so the broker's
// default failure policy (nack with requeue) applies.
func Recovery(log zerolog.Logger) core.MiddlewareFunc {
	return func(next core.HandlerFunc) core.HandlerFunc {
		return func(c core.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					buf := make([]byte, 4096)
					n := runtime.Stack(buf, false)
					log.Error().
						Str("topic", c.Topic()).
						Str("message_id", c.ID()).
						Interface("panic", r).
						Bytes("stack", buf[:n]).
						Msg("panic recovered")
					err = fmt.Errorf("omnibus: panic recovered: %v", r)
				}
			}()
			return next(c)
		}
	}
}
