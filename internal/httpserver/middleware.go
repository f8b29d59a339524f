package httpserver

import (
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
)

// requestLogger logs every request through logger, after requestid.New() so
// the request id is available in Locals. logHealth, when true, also logs
// /health so an operator can confirm liveness checks are reaching the
// process; set false in noisy environments to quiet them.
func requestLogger(logger zerolog.Logger, logHealth bool) fiber.Handler {
	return func(c fiber.Ctx) error {
		if !logHealth && c.Path() == "/health" {
			return c.Next()
		}

		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		event := levelForStatus(logger, status)
		if rid, ok := c.Locals("requestid").(string); ok && rid != "" {
			event.Str("request_id", rid)
		}
		event.
			Str("method", c.Method()).
			Str("path", c.Path()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("ip", c.IP()).
			Msg("request")

		return err
	}
}

func levelForStatus(logger zerolog.Logger, status int) *zerolog.Event {
	switch {
	case status >= 500:
		return logger.Error()
	case status >= 400:
		return logger.Warn()
	default:
		return logger.Info()
	}
}
