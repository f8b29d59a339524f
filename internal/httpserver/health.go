package httpserver

import (
	"github.com/gofiber/fiber/v3"
)

// healthResponse is the JSON shape of GET /health.
type healthResponse struct {
	Status   string `json:"status"`
	Postgres string `json:"postgres"`
	Valkey   string `json:"valkey"`
}

// handleHealth pings Postgres and Valkey and reports 200/ok when both answer,
// 503/degraded otherwise. Unauthenticated, grounded on the teacher's own
// dual-ping readiness handler.
func (s *Server) handleHealth(c fiber.Ctx) error {
	ctx := c.Context()

	resp := healthResponse{Postgres: "ok", Valkey: "ok"}

	if s.db != nil {
		if err := s.db.Ping(ctx); err != nil {
			s.log.Warn().Err(err).Msg("health check: postgres ping failed")
			resp.Postgres = "error"
		}
	}

	if s.rdb != nil {
		if err := s.rdb.Ping(ctx).Err(); err != nil {
			s.log.Warn().Err(err).Msg("health check: valkey ping failed")
			resp.Valkey = "error"
		}
	}

	if resp.Postgres == "ok" && resp.Valkey == "ok" {
		resp.Status = "ok"
		return success(c, resp)
	}

	resp.Status = "degraded"
	return c.Status(fiber.StatusServiceUnavailable).JSON(resp)
}
