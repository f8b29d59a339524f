package httpserver

import (
	"net/http"

	"github.com/gofiber/fiber/v3"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// adaptHandler mounts a standard net/http.Handler (promhttp's registry
// handler) on a fiber v3 route.
func adaptHandler(h http.Handler) fiber.Handler {
	fh := fasthttpadaptor.NewFastHTTPHandler(h)
	return func(c fiber.Ctx) error {
		fh(c.RequestCtx())
		return nil
	}
}
