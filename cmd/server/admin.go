package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mir00r/trafficguard/internal/config"
	"github.com/mir00r/trafficguard/internal/healthcheck"
	"github.com/mir00r/trafficguard/pkg/logger"
)

// runConfigValidation validates the current configuration
func runConfigValidation(out io.Writer) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	fmt.Fprintln(out, "Configuration validation passed ✓")
	fmt.Fprintf(out, "Strategy: %s\n", cfg.Balancer.Strategy)
	fmt.Fprintf(out, "Port: %d (gRPC %d)\n", cfg.Server.Port, cfg.Server.GRPCPort)
	fmt.Fprintf(out, "Heartbeat: every %v, ttl %v\n", cfg.Registry.HeartbeatInterval, cfg.Registry.TTL)
	fmt.Fprintf(out, "Circuit Breaker: %d failures, %v timeout, %d overrides\n",
		cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.Timeout, len(cfg.CircuitBreaker.Overrides))
	fmt.Fprintf(out, "Rate Limiting: %s, %d per %v, %d policies\n",
		cfg.RateLimit.Algorithm, cfg.RateLimit.Default.MaxRequests, cfg.RateLimit.Default.Window, len(cfg.RateLimit.Policies))
	fmt.Fprintf(out, "Health Check: %t\n", cfg.HealthCheck.Enabled)
	fmt.Fprintf(out, "Static instances: %d\n", len(cfg.StaticInstances))

	return nil
}

// runPrintConfig prints the effective configuration as YAML
func runPrintConfig(out io.Writer) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

// runHealthCheck probes every static instance once
func runHealthCheck(out io.Writer) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	hc := cfg.HealthCheck
	hc.Enabled = true
	checker := healthcheck.New(hc, nil, logger.NewNop())

	fmt.Fprintf(out, "Checking health of %d instances...\n", len(cfg.StaticInstances))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	failed := 0
	for _, ic := range cfg.StaticInstances {
		inst := ic.ToInstance()
		status := "✓ healthy"
		if err := checker.Probe(ctx, inst); err != nil {
			status = fmt.Sprintf("✗ unhealthy: %v", err)
			failed++
		}
		fmt.Fprintf(out, "Instance %s (%s): %s\n", inst.Key(), inst.URL(), status)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d instances unhealthy", failed, len(cfg.StaticInstances))
	}
	return nil
}

// runStats lists the configured instances per service
func runStats(out io.Writer) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	strategies := cfg.ServiceStrategies()
	byService := make(map[string]int)
	var order []string
	for _, ic := range cfg.StaticInstances {
		if _, ok := byService[ic.Service]; !ok {
			order = append(order, ic.Service)
		}
		byService[ic.Service]++
	}

	fmt.Fprintf(out, "Total instances: %d\n", len(cfg.StaticInstances))
	for _, svc := range order {
		strategy := cfg.Balancer.Strategy
		if s, ok := strategies[svc]; ok {
			strategy = string(s)
		}
		fmt.Fprintf(out, "  %s: %d instances (%s)\n", svc, byService[svc], strategy)
	}
	return nil
}

// runAdminProcess handles admin process execution
func runAdminProcess() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: trafficguard -admin <command>")
		fmt.Println("Commands:")
		fmt.Println("  validate-config - Validate configuration")
		fmt.Println("  print-config    - Print the effective configuration")
		fmt.Println("  health-check    - Probe every static instance once")
		fmt.Println("  stats           - List static instances per service")
		os.Exit(1)
	}

	command := os.Args[2]
	var err error

	switch command {
	case "validate-config", "validate":
		err = runConfigValidation(os.Stdout)
	case "print-config":
		err = runPrintConfig(os.Stdout)
	case "health-check":
		err = runHealthCheck(os.Stdout)
	case "stats":
		err = runStats(os.Stdout)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("Command failed: %v\n", err)
		os.Exit(1)
	}
}

// checkIfAdminMode checks if running in admin mode
func checkIfAdminMode() bool {
	for _, arg := range os.Args {
		if arg == "-admin" {
			return true
		}
	}
	return false
}
