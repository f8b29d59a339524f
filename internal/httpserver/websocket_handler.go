package httpserver

import (
	"strings"

	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"

	"github.com/ringforge/hub/internal/gateway"
)

// connectParamsFromRequest parses one of the three connect-parameter shapes
// from spec §4.1 out of the upgrade request's query string, falling back to
// the Sec-WebSocket-Protocol subprotocol header for clients that cannot set
// a query string on a WebSocket handshake.
func connectParamsFromRequest(c fiber.Ctx) gateway.AuthParams {
	p := gateway.AuthParams{
		APIKey:            c.Query("api_key"),
		AgentID:           c.Query("agent_id"),
		ChallengeResponse: c.Query("challenge_response"),
		Name:              c.Query("name"),
		Framework:         c.Query("framework"),
		PublicKey:         c.Query("public_key"),
	}
	if caps := c.Query("capabilities"); caps != "" {
		p.Capabilities = strings.Split(caps, ",")
	}

	if p.APIKey == "" && p.AgentID == "" {
		fillFromSubprotocol(c, &p)
	}

	return p
}

// fillFromSubprotocol parses "key=value" pairs out of the comma-separated
// Sec-WebSocket-Protocol header, used by clients that connect without a
// query string.
func fillFromSubprotocol(c fiber.Ctx, p *gateway.AuthParams) {
	header := c.Get("Sec-WebSocket-Protocol")
	if header == "" {
		return
	}
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "api_key":
			p.APIKey = kv[1]
		case "agent_id":
			p.AgentID = kv[1]
		case "challenge_response":
			p.ChallengeResponse = kv[1]
		case "name":
			p.Name = kv[1]
		case "framework":
			p.Framework = kv[1]
		case "public_key":
			p.PublicKey = kv[1]
		case "capabilities":
			p.Capabilities = strings.Split(kv[1], "|")
		}
	}
}

// handleUpgrade authenticates the connect parameters before accepting the
// WebSocket upgrade (spec §4.1: a rejected connection closes with a bare 401,
// never an upgraded-then-closed socket), then hands the accepted connection to
// the Hub.
func (s *Server) handleUpgrade(c fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	params := connectParamsFromRequest(c)
	result, err := s.authn.Authenticate(c.Context(), params)
	if err != nil {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	return websocket.New(func(conn *websocket.Conn) {
		s.hub.ServeWebSocket(conn.Conn, result)
	})(c)
}
