package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// LobbyService is the health service name reported alongside the overall status.
const LobbyService = "chessence.lobby"

// Checker reports whether a dependency is healthy.
type Checker func(ctx context.Context) error

// HealthService serves the standard gRPC health protocol. Its serving status
// follows a Checker polled on a fixed interval.
type HealthService struct {
	addr     string
	interval time.Duration
	check    Checker
	logger   *zap.Logger

	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
}

// NewHealthService creates a HealthService listening on addr.
//
// Precondition: check and logger must be non-nil; interval must be > 0.
func NewHealthService(addr string, interval time.Duration, check Checker, logger *zap.Logger) *HealthService {
	grpcServer := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(LobbyService, healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthService{
		addr:       addr,
		interval:   interval,
		check:      check,
		logger:     logger,
		grpcServer: grpcServer,
		health:     hs,
	}
}

// Addr returns the bound listener address once Start has begun listening.
func (h *HealthService) Addr() string {
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// Listen binds the listener. Start calls it when it has not been called.
func (h *HealthService) Listen() error {
	if h.listener != nil {
		return nil
	}
	lis, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", h.addr, err)
	}
	h.listener = lis
	return nil
}

// Start serves health checks until ctx is cancelled or Stop is called.
func (h *HealthService) Start(ctx context.Context) error {
	if err := h.Listen(); err != nil {
		return err
	}
	h.logger.Info("health service listening", zap.String("addr", h.listener.Addr().String()))

	go h.poll(ctx)

	if err := h.grpcServer.Serve(h.listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve gRPC health: %w", err)
	}
	return nil
}

// Stop marks the service not serving and stops the gRPC server.
func (h *HealthService) Stop(ctx context.Context) error {
	h.health.Shutdown()
	stopped := make(chan struct{})
	go func() {
		h.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		h.grpcServer.Stop()
		return ctx.Err()
	}
}

func (h *HealthService) poll(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	h.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.refresh(ctx)
		}
	}
}

func (h *HealthService) refresh(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if err := h.check(ctx); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		h.logger.Warn("health check failed", zap.Error(err))
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(LobbyService, status)
}
