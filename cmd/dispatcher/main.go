package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	agentservice "github.com/applydesk/dispatch/internal/agent/service"
	"github.com/applydesk/dispatch/internal/dispatcher/api/rest"
	"github.com/applydesk/dispatch/internal/dispatcher/api/ws"
	"github.com/applydesk/dispatch/internal/dispatcher/auth"
	"github.com/applydesk/dispatch/internal/dispatcher/bus"
	"github.com/applydesk/dispatch/internal/dispatcher/ratelimit"
	"github.com/applydesk/dispatch/internal/dispatcher/service"
	"github.com/applydesk/dispatch/internal/dispatcher/storage"
	"github.com/applydesk/dispatch/internal/shared/config"
	"github.com/applydesk/dispatch/internal/shared/logging"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	mintAccess := flag.String("mint-access", "", "print an API credential for the given owner id and exit")
	flag.Parse()

	cfg, err := config.LoadDispatcher(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.NewSlogLogger(logging.ParseLevel(cfg.Logging.Level))

	issuer, err := auth.NewHMACIssuer(cfg.Auth.Secret)
	if err != nil {
		logger.Fatal("Failed to create credential issuer", "error", err)
	}

	// Owner credentials normally come from the account system; minting one
	// locally covers development and smoke testing.
	if *mintAccess != "" {
		credential, claims, err := issuer.Issue(*mintAccess, auth.CredentialAccess, "", cfg.Auth.AccessTTL)
		if err != nil {
			logger.Fatal("Failed to issue access credential", "error", err)
		}
		fmt.Fprintf(os.Stderr, "access credential for %s (expires %s):\n", *mintAccess, time.Unix(claims.ExpiresAt, 0).UTC().Format(time.RFC3339))
		fmt.Println(credential)
		return
	}

	messageBus, err := bus.New(cfg.Bus.Kind, cfg.Bus.URL, cfg.Bus.BufferSize)
	if err != nil {
		logger.Fatal("Failed to connect message bus", "kind", cfg.Bus.Kind, "error", err)
	}
	defer messageBus.Close()

	taskStore := storage.NewInMemoryTaskStore()
	tokenStore := storage.NewInMemoryTokenStore()

	registry := service.NewAgentRegistry(logger)
	distribution := service.NewDistributionChannel(messageBus, taskStore, cfg.Queue.BacklogFlushLimit, logger)
	defer distribution.Close()

	coordinator := service.NewClaimCoordinator(taskStore, registry, distribution, logger)
	queue := service.NewTaskQueueService(taskStore, registry, distribution, cfg.Queue.MaxAttempts, logger)

	limiter := ratelimit.NewMemoryLimiter(ratelimit.Config{
		Capacity: cfg.Exchange.PairingPerMinute,
		Window:   time.Minute,
	})
	exchange := service.NewExchangeTokenService(
		tokenStore,
		issuer,
		distribution,
		cfg.Exchange.TokenTTL,
		cfg.Auth.DesktopTTL,
		logger,
	)

	api := rest.NewAPI(queue, registry, exchange, issuer, limiter, logger)
	gateway := ws.NewGateway(ws.Config{}, issuer, registry, coordinator, queue, distribution, logger)
	server := rest.NewServer(cfg.REST, logger, api, gateway)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var background sync.WaitGroup

	liveness := service.NewLivenessSweeper(
		cfg.Registry.HeartbeatInterval,
		2*cfg.Registry.HeartbeatInterval,
		registry,
		taskStore,
		coordinator,
		distribution,
		logger,
	)
	background.Go(func() { liveness.Start(ctx) })

	stall := service.NewStallSweeper(
		cfg.Queue.SweepInterval,
		cfg.Queue.StallInterval,
		2*cfg.Registry.HeartbeatInterval,
		taskStore,
		registry,
		queue,
		logger,
	)
	background.Go(func() { stall.Start(ctx) })

	purger := service.NewTokenPurger(
		cfg.Exchange.PurgeInterval,
		cfg.Exchange.Retention,
		tokenStore,
		limiter,
		logger,
	)
	background.Go(func() { purger.Start(ctx) })

	if cfg.Queue.LanesEnabled {
		backend := agentservice.NewLaneBackend(&agentservice.SimulatedExecutor{}, queue, logger)
		lanes := service.NewLanePool(
			service.LaneConfig{
				PollInterval: cfg.Queue.LanePollInterval,
				PrioritySize: cfg.Queue.PriorityLaneSize,
				NormalSize:   cfg.Queue.NormalLaneSize,
			},
			taskStore,
			registry,
			coordinator,
			queue,
			backend,
			logger,
		)
		background.Go(func() { lanes.Start(ctx) })
	}

	go func() {
		logger.Info("Dispatcher listening",
			"addr", cfg.REST.Addr,
			"bus", cfg.Bus.Kind,
			"lanes_enabled", cfg.Queue.LanesEnabled,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down dispatcher")

	// Stop sweeps and lanes first so nothing requeues work mid-shutdown,
	// then give in-flight requests time to finish.
	cancel()
	background.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("Server forced to shutdown", "error", err)
	}

	logger.Info("Dispatcher stopped")
}
