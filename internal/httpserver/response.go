package httpserver

import "github.com/gofiber/fiber/v3"

// errorBody is the {code, message} shape nested under "error" in every
// non-2xx JSON response this server returns.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorResponse is the JSON shape of a non-2xx response.
type errorResponse struct {
	Error errorBody `json:"error"`
}

// success writes a 200 with data as the top-level JSON body.
func success(c fiber.Ctx, data any) error {
	return c.Status(fiber.StatusOK).JSON(data)
}

// fail writes a structured error response with the given status and code.
func fail(c fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(errorResponse{Error: errorBody{Code: code, Message: message}})
}
