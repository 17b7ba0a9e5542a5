package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mir00r/trafficguard/internal/config"
	"github.com/mir00r/trafficguard/internal/container"
	"github.com/mir00r/trafficguard/internal/server"
	"github.com/mir00r/trafficguard/pkg/logger"
)

const version = "1.0.0"

// getConfigSource returns the configuration source for logging
func getConfigSource() string {
	configFile := os.Getenv("CONFIG_FILE")
	if configFile == "" {
		configFile = "config.yaml"
	}
	if _, err := os.Stat(configFile); err == nil {
		return "file+env"
	}

	for _, envVar := range []string{
		"TG_PORT", "TG_STRATEGY", "TG_INSTANCES", "TG_LOG_LEVEL",
		"TG_HEALTH_CHECK_ENABLED", "TG_RATE_LIMIT_MAX_REQUESTS",
	} {
		if os.Getenv(envVar) != "" {
			return "environment"
		}
	}

	return "defaults"
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	return logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		File:   cfg.Logging.File,
	})
}

func main() {
	if checkIfAdminMode() {
		runAdminProcess()
		return
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg.Server.Port = getPort(cfg.Server.Port)

	log, err := newLogger(cfg)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.WithFields(map[string]interface{}{
		"version":       version,
		"strategy":      cfg.Balancer.Strategy,
		"port":          cfg.Server.Port,
		"grpc_port":     cfg.Server.GRPCPort,
		"instances":     len(cfg.StaticInstances),
		"config_source": getConfigSource(),
		"process":       getProcessInfo(),
	}).Info("Starting traffic guard")

	c, err := container.New(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize components")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		log.WithError(err).Fatal("Failed to start background loops")
	}

	healthServer := c.HealthBridge().Server()
	if cfg.Server.GRPCPort == 0 {
		healthServer = nil
	}
	srv := server.New(cfg.Server, c.Handler(version), healthServer, log)
	if err := srv.Start(); err != nil {
		c.Stop()
		log.WithError(err).Fatal("Failed to start server")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithField("signal", sig.String()).Info("Shutdown signal received")
	case err := <-srv.Errors():
		log.WithError(err).Error("Server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// NOT_SERVING first so gRPC clients drain before the listeners close
	c.Stop()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Error shutting down server")
	}

	log.Info("Traffic guard stopped gracefully")
}
