package httpserver

import "github.com/gofiber/fiber/v3"

// challengeRequest is the body of POST /auth/challenge.
type challengeRequest struct {
	AgentID string `json:"agent_id"`
}

// challengeResponse is the body returned on success.
type challengeResponse struct {
	Challenge string `json:"challenge"`
}

// handleIssueChallenge issues a fresh ChallengeStore entry for the named
// agent, the first step of the challenge-reconnect auth mode (spec §4.1).
func (s *Server) handleIssueChallenge(c fiber.Ctx) error {
	var body challengeRequest
	if err := c.Bind().Body(&body); err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid_body", "invalid request body")
	}
	if body.AgentID == "" {
		return fail(c, fiber.StatusBadRequest, "invalid_body", "agent_id is required")
	}

	challenge, err := s.challenges.Issue(body.AgentID)
	if err != nil {
		s.log.Warn().Err(err).Str("agent_id", body.AgentID).Msg("failed to issue challenge")
		return fail(c, fiber.StatusInternalServerError, "internal_error", "failed to issue challenge")
	}

	return success(c, challengeResponse{Challenge: challenge})
}
