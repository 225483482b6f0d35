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
	"path/filepath"
	"syscall"
	"time"

	"github.com/MegaGrindStone/chat-web-ui/internal/handlers"
	"github.com/MegaGrindStone/chat-web-ui/internal/services"
	"github.com/MegaGrindStone/chat-web-ui/internal/telemetry"
)

const errLoggerKey = "err"

func main() {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		fatal(slog.Default(), "Error getting user config dir", err)
	}
	appDir := filepath.Join(cfgDir, "chatwebui")

	cfgFilePath := flag.String("config", filepath.Join(appDir, "config.yaml"), "path of the YAML config file")
	flag.Parse()

	cfg, err := loadConfig(*cfgFilePath)
	if err != nil {
		fatal(slog.Default(), "Error loading config", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	tel, err := telemetry.Setup(context.Background(), cfg.Telemetry)
	if err != nil {
		fatal(logger, "Error setting up telemetry", err)
	}

	query, err := cfg.Query.queryService(cfg.SystemPrompt, logger)
	if err != nil {
		fatal(logger, "Error creating query service", err)
	}

	var store handlers.Store
	var boltDB *services.BoltDB
	if cfg.Chats.BaseURL != "" {
		store = services.NewChatsClient(cfg.Chats.BaseURL, nil)
		logger.Info("Using remote chat store", slog.String("baseURL", cfg.Chats.BaseURL))
	} else {
		dbPath := cfg.DBPath
		if dbPath == "" {
			if err := os.MkdirAll(appDir, 0755); err != nil {
				fatal(logger, "Error creating config directory", err)
			}
			dbPath = filepath.Join(appDir, "store.db")
		}
		db, err := services.NewBoltDB(dbPath)
		if err != nil {
			fatal(logger, "Error opening chat store", err)
		}
		store = db
		boltDB = &db
		logger.Info("Using local chat store", slog.String("path", dbPath))
	}

	m, err := handlers.NewMain(query, store, cfg.Greeting, logger, handlers.WithSessionTTL(cfg.SessionTTL))
	if err != nil {
		fatal(logger, "Error creating handlers", err)
	}
	handler, err := m.Handler()
	if err != nil {
		fatal(logger, "Error creating router", err)
	}

	// Create custom server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Closing the sessions ends their event streams, which would otherwise keep the server from shutting down.
	sessionsClosed := make(chan struct{})
	srv.RegisterOnShutdown(func() {
		defer close(sessionsClosed)
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sessions", slog.String(errLoggerKey, err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("port", cfg.Port))
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Blocking select waiting for either interrupt or server error
	select {
	case err := <-serverErrors:
		logger.Error("Server error", slog.String(errLoggerKey, err.Error()))

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Gracefully shutdown the server
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String(errLoggerKey, err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String(errLoggerKey, err.Error()))
			}
		}
		// Pending transcript saves must be done before the store is closed.
		select {
		case <-sessionsClosed:
		case <-ctx.Done():
			logger.Warn("Sessions did not close in time")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tel.Shutdown(ctx); err != nil {
		logger.Error("Failed to shutdown telemetry", slog.String(errLoggerKey, err.Error()))
	}
	if boltDB != nil {
		if err := boltDB.Close(); err != nil {
			logger.Error("Failed to close chat store", slog.String(errLoggerKey, err.Error()))
		}
	}
}

// loadConfig reads the config file. A missing file means the defaults: the local query backend and the
// local chat store.
func loadConfig(path string) (config, error) {
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return config{}, fmt.Errorf("error reading config file: %w", err)
	}
	return parseConfig(string(data))
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, slog.String(errLoggerKey, err.Error()))
	os.Exit(1)
}
