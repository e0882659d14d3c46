package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/google/uuid"

	"github.com/applydesk/dispatch/internal/agent/api/ws"
	"github.com/applydesk/dispatch/internal/agent/core"
	"github.com/applydesk/dispatch/internal/agent/service"
	"github.com/applydesk/dispatch/internal/shared/config"
	"github.com/applydesk/dispatch/internal/shared/logging"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	pairToken := flag.String("pair", "", "exchange token from the web app; pairs this device before running")
	deviceName := flag.String("device-name", "", "name shown for this device when pairing (defaults to hostname)")
	flag.Parse()

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.NewSlogLogger(logging.ParseLevel(cfg.Logging.Level))

	credsPath, err := credentialsPath(cfg)
	if err != nil {
		logger.Fatal("Failed to resolve credentials path", "error", err)
	}
	store := service.NewCredentialStore(credsPath)

	creds, err := store.Load()
	if err != nil {
		logger.Fatal("Failed to load credentials", "path", credsPath, "error", err)
	}

	if *pairToken != "" {
		creds, err = pair(cfg, store, creds, *pairToken, *deviceName, logger)
		if err != nil {
			logger.Fatal("Pairing failed", "error", err)
		}
	}
	if creds == nil {
		logger.Fatal("Device is not paired; request an exchange token in the web app and run with --pair <token>")
	}

	agent := service.NewAgent(&service.SimulatedExecutor{}, service.Options{
		MaxConcurrency:  cfg.Automation.MaxConcurrency,
		CaptchaHandling: cfg.Automation.CaptchaHandling,
	}, logger)

	client := ws.NewClient(ws.Config{
		URL:            ws.EndpointURL(cfg.Dispatcher.BaseURL),
		Token:          creds.Token,
		ConnectTimeout: cfg.Dispatcher.ConnectTimeout,
		MinBackoff:     cfg.Dispatcher.MinBackoff,
		MaxBackoff:     cfg.Dispatcher.MaxBackoff,
	}, agent, logger)
	agent.Bind(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	logger.Info("Agent started",
		"dispatcher", cfg.Dispatcher.BaseURL,
		"device_id", creds.DeviceID,
		"max_concurrency", cfg.Automation.MaxConcurrency,
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("Shutting down agent")
		cancel()
		<-done
	case err := <-done:
		if errors.Is(err, ws.ErrCredentialRejected) {
			logger.Fatal("Desktop credential rejected; pair again with --pair <token>")
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Fatal("Agent stopped", "error", err)
		}
	}

	logger.Info("Agent stopped")
}

// pair redeems the exchange token and persists the returned credentials. A
// device that re-pairs keeps its device id so the dispatcher recognizes it
// as the same desktop.
func pair(
	cfg *config.AgentConfig,
	store *service.CredentialStore,
	existing *core.Credentials,
	token string,
	deviceName string,
	logger logging.Logger,
) (*core.Credentials, error) {
	deviceID := uuid.NewString()
	if existing != nil && existing.DeviceID != "" {
		deviceID = existing.DeviceID
	}
	if deviceName == "" {
		if existing != nil && existing.DeviceName != "" {
			deviceName = existing.DeviceName
		} else if hostname, err := os.Hostname(); err == nil {
			deviceName = hostname
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Dispatcher.ConnectTimeout)
	defer cancel()

	pairing := service.NewPairingClient(cfg.Dispatcher.BaseURL, cfg.Dispatcher.ConnectTimeout, logger)
	creds, err := pairing.Complete(ctx, token, deviceID, deviceName, runtime.GOOS)
	if err != nil {
		return nil, err
	}
	if err := store.Save(creds); err != nil {
		return nil, err
	}
	return creds, nil
}

func credentialsPath(cfg *config.AgentConfig) (string, error) {
	if cfg.Credentials.Path != "" {
		return cfg.Credentials.Path, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "applydesk", "credentials.toml"), nil
}
