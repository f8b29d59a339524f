package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ringforge/hub/internal/agentdir"
	"github.com/ringforge/hub/internal/apikey"
	"github.com/ringforge/hub/internal/challenge"
	"github.com/ringforge/hub/internal/gateway"
)

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	return b
}

func parseError(t *testing.T, body []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal error response %q: %v", string(body), err)
	}
	return env
}

func jsonReq(method, url, body string) *http.Request {
	req := httptest.NewRequest(method, url, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func doReq(t *testing.T, app *fiber.App, req *http.Request) *http.Response {
	t.Helper()
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	return resp
}

// --- /health ---

func TestHandleHealthReportsOKWhenBothBackendsReachable(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	s := &Server{rdb: rdb, log: zerolog.Nop()}
	app := fiber.New()
	app.Get("/health", s.handleHealth)

	resp := doReq(t, app, httptest.NewRequest(http.MethodGet, "/health", nil))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("status = %d, want %d, body = %s", resp.StatusCode, fiber.StatusOK, body)
	}
	var health healthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatalf("unmarshal health response: %v", err)
	}
	if health.Status != "ok" || health.Valkey != "ok" {
		t.Errorf("health = %+v, want status/valkey ok", health)
	}
}

func TestHandleHealthReportsDegradedWhenValkeyUnreachable(t *testing.T) {
	t.Parallel()

	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	t.Cleanup(func() { _ = rdb.Close() })

	s := &Server{rdb: rdb, log: zerolog.Nop()}
	app := fiber.New()
	app.Get("/health", s.handleHealth)

	resp := doReq(t, app, httptest.NewRequest(http.MethodGet, "/health", nil))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d, body = %s", resp.StatusCode, fiber.StatusServiceUnavailable, body)
	}
	var health healthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatalf("unmarshal health response: %v", err)
	}
	if health.Status != "degraded" || health.Valkey != "error" {
		t.Errorf("health = %+v, want status/valkey degraded/error", health)
	}
}

// --- /auth/challenge ---

func testChallengeApp(t *testing.T) *fiber.App {
	t.Helper()
	s := &Server{challenges: challenge.New(), log: zerolog.Nop()}
	app := fiber.New()
	app.Post("/auth/challenge", s.handleIssueChallenge)
	return app
}

func TestHandleIssueChallengeRejectsInvalidJSON(t *testing.T) {
	t.Parallel()
	app := testChallengeApp(t)

	resp := doReq(t, app, jsonReq(http.MethodPost, "/auth/challenge", "not json"))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusBadRequest)
	}
	if env := parseError(t, body); env.Error.Code != "invalid_body" {
		t.Errorf("error code = %q, want invalid_body", env.Error.Code)
	}
}

func TestHandleIssueChallengeRejectsMissingAgentID(t *testing.T) {
	t.Parallel()
	app := testChallengeApp(t)

	resp := doReq(t, app, jsonReq(http.MethodPost, "/auth/challenge", `{}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusBadRequest)
	}
	if env := parseError(t, body); env.Error.Code != "invalid_body" {
		t.Errorf("error code = %q, want invalid_body", env.Error.Code)
	}
}

func TestHandleIssueChallengeSucceeds(t *testing.T) {
	t.Parallel()
	app := testChallengeApp(t)

	resp := doReq(t, app, jsonReq(http.MethodPost, "/auth/challenge", `{"agent_id":"ag_existing001"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("status = %d, want %d, body = %s", resp.StatusCode, fiber.StatusOK, body)
	}
	var challengeResp challengeResponse
	if err := json.Unmarshal(body, &challengeResp); err != nil {
		t.Fatalf("unmarshal challenge response: %v", err)
	}
	if challengeResp.Challenge == "" {
		t.Error("challenge is empty")
	}
}

// --- /gateway upgrade ---

type fakeUpgradeKeys struct{}

func (fakeUpgradeKeys) Validate(context.Context, string) (*apikey.Key, error) {
	return nil, apikey.ErrInvalid
}

type fakeUpgradeAgents struct{}

func (fakeUpgradeAgents) RegisterOrReconnect(context.Context, uuid.UUID, uuid.UUID, agentdir.Registration) (*agentdir.Agent, error) {
	return nil, errors.New("unused")
}
func (fakeUpgradeAgents) GetByID(context.Context, string) (*agentdir.Agent, error) {
	return nil, agentdir.ErrNotFound
}
func (fakeUpgradeAgents) TouchLastSeen(context.Context, string) error { return nil }

type fakeUpgradeChallenges struct{}

func (fakeUpgradeChallenges) Fetch(string) (string, error) { return "", errors.New("no pending challenge") }
func (fakeUpgradeChallenges) Revoke(string)                {}

func testUpgradeApp(t *testing.T) *fiber.App {
	t.Helper()
	authn := gateway.NewAuthenticator(fakeUpgradeKeys{}, fakeUpgradeAgents{}, fakeUpgradeChallenges{}, nil, zerolog.Nop())
	s := &Server{authn: authn, log: zerolog.Nop()}
	app := fiber.New()
	app.Get("/gateway", s.handleUpgrade)
	return app
}

func TestHandleUpgradeRejectsNonWebSocketRequest(t *testing.T) {
	t.Parallel()
	app := testUpgradeApp(t)

	resp := doReq(t, app, httptest.NewRequest(http.MethodGet, "/gateway", nil))
	_ = readBody(t, resp)

	if resp.StatusCode != fiber.StatusUpgradeRequired {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusUpgradeRequired)
	}
}

func TestHandleUpgradeRejectsFailedAuthWithBareStatus(t *testing.T) {
	t.Parallel()
	app := testUpgradeApp(t)

	req := httptest.NewRequest(http.MethodGet, "/gateway?api_key=rf_live_bogus", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")

	resp := doReq(t, app, req)
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusUnauthorized)
	}
	if len(body) != 0 {
		t.Errorf("body = %q, want empty body on auth failure per spec", body)
	}
}
