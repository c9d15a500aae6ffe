package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guileen/pgnd/command"
	"github.com/guileen/pgnd/config"
	"github.com/guileen/pgnd/diag"
	"github.com/guileen/pgnd/driver"
	"github.com/guileen/pgnd/logger"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML driver config")
	flag.Parse()

	logger.Configure(logger.LoadConfig())

	if err := run(*configPath); err != nil {
		logger.Error("pgnd-diag failed", "error", err)
		os.Exit(1)
	}
}

// run serves diagnostics until a signal arrives or the server fails. The
// library and probe connection are always torn down before it returns.
func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config %q: %w", configPath, err)
	}

	if err := driver.Init(cfg); err != nil {
		return fmt.Errorf("initialize driver library: %w", err)
	}
	defer func() {
		if err := driver.End(); err != nil {
			logger.Error("Driver library teardown failed", "error", err)
		}
	}()

	lib := driver.Default()
	factory := lib.NewFactory()

	if cfg.Address != "" {
		conn, err := connect(factory, cfg)
		if err != nil {
			logger.Warn("Probe connection failed", "error", err, "address", cfg.Address)
		} else {
			defer conn.Close()
		}
	}

	server := &http.Server{
		Addr:              cfg.DiagAddr,
		Handler:           diag.NewHandler(lib, factory, cfg.LeakThreshold).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Diagnostics server listening", "addr", cfg.DiagAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("diagnostics server on %s: %w", cfg.DiagAddr, err)
		}
		return nil
	case <-sigChan:
	}

	logger.Info("Shutting down diagnostics server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown diagnostics server: %w", err)
	}
	return nil
}

func loadConfig(path string) (config.DriverConfig, error) {
	if path == "" {
		cfg := config.LoadDriverConfig()
		return cfg, cfg.Validate()
	}
	return config.LoadFile(path)
}

// connect opens a durable probe connection so the diagnostics show a live
// connection's counters
func connect(factory *driver.Factory, cfg config.DriverConfig) (*driver.Conn, error) {
	conn, err := factory.NewConnection(true)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.Background(), context.CancelFunc(func() {})
	if cfg.ConnectTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
	}
	defer cancel()

	err = conn.Connect(ctx, cfg.Network, cfg.Address, command.StartupParams{
		User:            cfg.User,
		Database:        cfg.Database,
		Password:        cfg.Password,
		ApplicationName: "pgnd-diag",
	})
	if err == nil {
		err = conn.Ping(ctx)
	}
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	logger.Info("Probe connection ready", "connection_id", conn.ID().String(), "address", cfg.Address)
	return conn, nil
}
