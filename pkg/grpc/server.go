/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package grpc runs the node's gRPC endpoint, which carries the standard
// health service.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/carverauto/rdregistry/pkg/logger"
	"github.com/carverauto/rdregistry/pkg/models"
)

// ServiceName is the health-check name reporting the node's readiness.
const ServiceName = "rdregistry.Node"

const (
	shutdownTimer         = 5 * time.Second
	defaultHealthInterval = 5 * time.Second
)

var errInternalError = errors.New("internal error")

// ServerOption is a function type that modifies Server configuration.
type ServerOption func(*Server)

// ReadinessCheck reports whether the node can serve.
type ReadinessCheck func() bool

// Server wraps a gRPC server with health reporting.
type Server struct {
	srv         *grpc.Server
	healthCheck *health.Server
	addr        string
	logger      logger.Logger
	serverOpts  []grpc.ServerOption
	check       ReadinessCheck
	interval    time.Duration
	optErr      error

	mu      sync.Mutex
	serving bool
}

// WithServerOptions adds gRPC server options.
func WithServerOptions(opt ...grpc.ServerOption) ServerOption {
	return func(s *Server) {
		s.serverOpts = append(s.serverOpts, opt...)
	}
}

// WithReadinessCheck polls check every interval and mirrors the result
// into the health service.
func WithReadinessCheck(check ReadinessCheck, interval time.Duration) ServerOption {
	return func(s *Server) {
		s.check = check
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithSecurity serves over TLS when sec is in mtls mode.
func WithSecurity(sec *models.SecurityConfig) ServerOption {
	return func(s *Server) {
		if !sec.Enabled() {
			return
		}

		sec.NormalizePaths()

		creds, err := credentials.NewServerTLSFromFile(sec.TLS.CertFile, sec.TLS.KeyFile)
		if err != nil {
			s.optErr = fmt.Errorf("failed to load gRPC server certificate: %w", err)

			return
		}

		s.serverOpts = append(s.serverOpts, grpc.Creds(creds))
	}
}

// NewServer creates a gRPC server with logging, recovery and keepalive
// defaults, the health service and reflection registered.
func NewServer(addr string, log logger.Logger, opts ...ServerOption) (*Server, error) {
	s := &Server{
		addr:     addr,
		logger:   log,
		interval: defaultHealthInterval,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.optErr != nil {
		return nil, s.optErr
	}

	defaultOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			LoggingInterceptor(log),
			RecoveryInterceptor(log),
		),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     10 * time.Minute,
			MaxConnectionAge:      24 * time.Hour,
			MaxConnectionAgeGrace: 5 * time.Minute,
			Time:                  120 * time.Second,
			Timeout:               20 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             120 * time.Second,
			PermitWithoutStream: true,
		}),
	}

	s.srv = grpc.NewServer(append(defaultOpts, s.serverOpts...)...)
	s.healthCheck = health.NewServer()
	s.setServing(false)

	healthpb.RegisterHealthServer(s.srv, s.healthCheck)
	reflection.Register(s.srv)

	return s, nil
}

// Start listens on the configured address and serves until ctx is
// cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	lc := &net.ListenConfig{}

	lis, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.logger.Info().Str("addr", s.addr).Msg("gRPC server listening")

	return s.Serve(ctx, lis)
}

// Serve runs the server on lis.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.watchReadiness(watchCtx)

	stop := context.AfterFunc(ctx, func() { s.gracefulStop() })
	defer stop()

	if err := s.srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("failed to serve: %w", err)
	}

	return ctx.Err()
}

// Stop marks the node not serving and stops the server gracefully.
func (s *Server) Stop(context.Context) error {
	s.gracefulStop()

	return nil
}

func (s *Server) gracefulStop() {
	s.healthCheck.Shutdown()

	stopped := make(chan struct{})

	go func() {
		s.srv.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		s.logger.Info().Msg("gRPC server stopped gracefully")
	case <-time.After(shutdownTimer):
		s.logger.Warn().Msg("gRPC server shutdown timed out, forcing stop")
		s.srv.Stop()
	}
}

func (s *Server) watchReadiness(ctx context.Context) {
	if s.check == nil {
		s.setServing(true)

		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.setServing(s.check())

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) setServing(ok bool) {
	s.mu.Lock()
	changed := s.serving != ok
	s.serving = ok
	s.mu.Unlock()

	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}

	s.healthCheck.SetServingStatus("", status)
	s.healthCheck.SetServingStatus(ServiceName, status)

	if changed {
		s.logger.Info().Str("status", status.String()).Msg("Health status changed")
	}
}

// LoggingInterceptor logs every unary call at debug level.
func LoggingInterceptor(log logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()

		resp, err := handler(ctx, req)

		log.Debug().
			Str("method", info.FullMethod).
			Dur("duration", time.Since(start)).
			Err(err).
			Msg("gRPC call")

		return resp, err
	}
}

// RecoveryInterceptor handles panics in RPC handlers.
func RecoveryInterceptor(log logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("method", info.FullMethod).Interface("panic", r).Msg("Recovered from panic")

				err = errInternalError
			}
		}()

		return handler(ctx, req)
	}
}
