// Package server runs the admin HTTP listener and the gRPC health listener.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/mir00r/trafficguard/pkg/logger"
)

// Config holds listener settings
type Config struct {
	Port int `yaml:"port"`
	// GRPCPort serves grpc.health.v1; zero disables the gRPC listener when
	// loaded from configuration
	GRPCPort        int           `yaml:"grpc_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	TLS             TLSConfig     `yaml:"tls"`
}

// TLSConfig defines TLS settings of the admin listener
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	MinVersion string `yaml:"min_version"` // "1.2", "1.3"
}

// DefaultConfig returns the default listener configuration
func DefaultConfig() Config {
	return Config{
		Port:            8080,
		GRPCPort:        9090,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Validate checks the configuration for correctness
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.GRPCPort < 0 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid grpc_port: %d", c.GRPCPort)
	}
	if c.GRPCPort != 0 && c.GRPCPort == c.Port {
		return fmt.Errorf("grpc_port must differ from port: %d", c.GRPCPort)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive: %v", c.ShutdownTimeout)
	}
	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return fmt.Errorf("tls requires cert_file and key_file")
	}
	return nil
}

// Server owns the admin HTTP server and the gRPC health server
type Server struct {
	config Config
	logger *logger.Logger

	httpServer *http.Server
	grpcServer *grpc.Server

	mu       sync.Mutex
	httpLn   net.Listener
	grpcLn   net.Listener
	errChan  chan error
	shutdown bool
}

// New creates a server for handler. When healthServer is nil no gRPC listener
// is opened; otherwise a zero GRPCPort picks an ephemeral port.
func New(config Config, handler http.Handler, healthServer *health.Server, log *logger.Logger) *Server {
	s := &Server{
		config:  config,
		logger:  log,
		errChan: make(chan error, 2),
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	if config.TLS.Enabled {
		s.httpServer.Handler = handler
		s.httpServer.TLSConfig = &tls.Config{MinVersion: tlsVersion(config.TLS.MinVersion)}
	} else {
		// cleartext HTTP/2 for clients that speak it, HTTP/1.1 for the rest
		s.httpServer.Handler = h2c.NewHandler(handler, &http2.Server{
			MaxConcurrentStreams: 250,
			IdleTimeout:          config.IdleTimeout,
		})
	}

	if healthServer != nil {
		s.grpcServer = grpc.NewServer()
		grpc_health_v1.RegisterHealthServer(s.grpcServer, healthServer)
		reflection.Register(s.grpcServer)
	}

	return s
}

// Start opens the listeners and serves in the background. Serve errors are
// reported on Errors.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config.TLS.Enabled {
		if err := http2.ConfigureServer(s.httpServer, &http2.Server{
			MaxConcurrentStreams: 250,
			IdleTimeout:          s.config.IdleTimeout,
		}); err != nil {
			return fmt.Errorf("failed to configure HTTP/2: %w", err)
		}
	}

	httpLn, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.httpLn = httpLn

	if s.grpcServer != nil {
		grpcLn, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.GRPCPort))
		if err != nil {
			httpLn.Close()
			return fmt.Errorf("failed to listen on grpc port %d: %w", s.config.GRPCPort, err)
		}
		s.grpcLn = grpcLn

		go func() {
			s.logger.WithField("addr", grpcLn.Addr().String()).Info("Starting gRPC health server")
			if err := s.grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				s.errChan <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	go func() {
		s.logger.WithFields(map[string]interface{}{
			"addr":        httpLn.Addr().String(),
			"tls_enabled": s.config.TLS.Enabled,
		}).Info("Starting admin HTTP server")

		var err error
		if s.config.TLS.Enabled {
			err = s.httpServer.ServeTLS(httpLn, s.config.TLS.CertFile, s.config.TLS.KeyFile)
		} else {
			err = s.httpServer.Serve(httpLn)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errChan <- fmt.Errorf("http server: %w", err)
		}
	}()

	return nil
}

// Errors reports failures of the serving goroutines
func (s *Server) Errors() <-chan error {
	return s.errChan
}

// Addr returns the admin listener address once started
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpLn == nil {
		return nil
	}
	return s.httpLn.Addr()
}

// GRPCAddr returns the gRPC listener address once started
func (s *Server) GRPCAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grpcLn == nil {
		return nil
	}
	return s.grpcLn.Addr()
}

// Shutdown gracefully stops both servers
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	var err error
	if shutdownErr := s.httpServer.Shutdown(ctx); shutdownErr != nil {
		s.logger.WithError(shutdownErr).Error("Failed to shutdown admin HTTP server")
		err = shutdownErr
	}

	if s.grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			s.grpcServer.Stop()
			if err == nil {
				err = ctx.Err()
			}
		}
	}

	return err
}

func tlsVersion(version string) uint16 {
	switch version {
	case "1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}
