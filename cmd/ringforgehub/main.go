// Command ringforgehub runs one SessionGateway/AgentDirectory/PresenceRegistry/
// MessageRouter/TaskScheduler instance, wired to shared Postgres and Valkey
// backends so any number of instances can be run behind a load balancer.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ringforge/hub/internal/agentdir"
	"github.com/ringforge/hub/internal/apikey"
	"github.com/ringforge/hub/internal/audit"
	"github.com/ringforge/hub/internal/broker"
	"github.com/ringforge/hub/internal/challenge"
	"github.com/ringforge/hub/internal/config"
	"github.com/ringforge/hub/internal/docstore"
	"github.com/ringforge/hub/internal/eventbus"
	"github.com/ringforge/hub/internal/gateway"
	"github.com/ringforge/hub/internal/httpserver"
	"github.com/ringforge/hub/internal/postgres"
	"github.com/ringforge/hub/internal/presence"
	"github.com/ringforge/hub/internal/router"
	"github.com/ringforge/hub/internal/scheduler"
	"github.com/ringforge/hub/internal/valkey"
)

// valkeyDialTimeout bounds how long a single Valkey connection attempt waits.
const valkeyDialTimeout = 5 * time.Second

// Build metadata injected via ldflags at compile time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("hub stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	log.Info().Str("version", version).Str("commit", commit).Str("env", cfg.ServerEnv).Msg("starting ringforge hub")

	ctx := context.Background()

	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("postgres connected")

	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("database migrations complete")

	rdb, err := valkey.Connect(ctx, cfg.ValkeyURL, valkeyDialTimeout)
	if err != nil {
		return fmt.Errorf("connect valkey: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("valkey connected")

	bus, closeBus, err := newEventBus(cfg, log.Logger)
	if err != nil {
		return fmt.Errorf("init event bus: %w", err)
	}
	defer closeBus()

	b := broker.New(rdb, log.Logger)

	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()
	go runWithBackoff(subCtx, "broker", b.Run)

	pres := presence.New(b)
	docs := docstore.NewValkeyStore(rdb)
	agents := agentdir.NewRepository(db)
	keys := apikey.NewRepository(db)
	auditSink := audit.New(db, bus, log.Logger)
	challenges := challenge.New()
	go runWithBackoff(subCtx, "challenge-sweep", func(ctx context.Context) error {
		challenges.Run(ctx)
		return nil
	})

	r := router.New(b, bus, pres, docs, agents, log.Logger)
	dispatch := gateway.NewSchedulerDispatcher(b, r, log.Logger)
	sched := scheduler.New(b, pres, dispatch, localRegion(), log.Logger)
	go runWithBackoff(subCtx, "scheduler", func(ctx context.Context) error {
		sched.Run(ctx)
		return nil
	})

	authn := gateway.NewAuthenticator(keys, agents, challenges, auditSink, log.Logger)
	hub := gateway.NewHub(cfg, b, pres, r, sched, agents, log.Logger)

	srv := httpserver.New(cfg, db, rdb, authn, hub, challenges, log.Logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info().Msg("shutting down")
		hub.Shutdown()
		subCancel()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("hub listening")
	if err := srv.Listen(addr); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// newEventBus constructs the EventBus implementation named by
// cfg.EventBusBackend, along with a close func safe to call even for
// backends with nothing to close.
func newEventBus(cfg *config.Config, logger zerolog.Logger) (eventbus.Bus, func(), error) {
	switch cfg.EventBusBackend {
	case "kafka", "pulsar":
		sb := eventbus.NewStreaming(cfg.BusBrokers, cfg.BusClientID, cfg.BusPublishTimeout, cfg.BusReplayTimeout, cfg.BusMaxQueueSize, logger)
		return sb, func() { _ = sb.Close() }, nil
	default:
		return eventbus.NewLocal(cfg.LocalBusMaxEvents), func() {}, nil
	}
}

// localRegion reports the region this instance runs in, for the scheduler's
// region-affinity tie-break (spec §4.5). Dev deployments have no region
// concept, so "local" makes every candidate equally eligible.
func localRegion() string {
	if r := os.Getenv("RINGFORGE_REGION"); r != "" {
		return r
	}
	return "local"
}

// runWithBackoff restarts fn with exponential backoff whenever it returns a
// non-context-cancellation error, so a transient Valkey or broker hiccup
// doesn't take the whole background service down permanently.
func runWithBackoff(ctx context.Context, name string, fn func(context.Context) error) {
	const (
		initialDelay = time.Second
		maxDelay     = 2 * time.Minute
	)
	delay := initialDelay
	for {
		if err := fn(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error().Err(err).Str("service", name).Dur("retry_in", delay).Msg("background service stopped, restarting after delay")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, maxDelay)
			continue
		}
		return
	}
}
