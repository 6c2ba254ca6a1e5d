package utils

import (
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/reflection"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServer exposes the standard gRPC health service for the relay.
type HealthServer struct {
	srv    *grpc.Server
	health *health.Server
}

// NewHealthServer creates a gRPC server with the health and reflection services registered.
// The overall status starts as NOT_SERVING.
func NewHealthServer(opts ...grpc.ServerOption) *HealthServer {
	srv := grpc.NewServer(opts...)
	reflection.Register(srv)

	healthcheck := health.NewServer()
	healthpb.RegisterHealthServer(srv, healthcheck)
	healthcheck.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	return &HealthServer{srv: srv, health: healthcheck}
}

// SetServing reports the relay as serving or not serving.
func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
}

// Serve accepts connections on lis until Stop is called.
func (h *HealthServer) Serve(lis net.Listener) error {
	if err := h.srv.Serve(lis); err != nil {
		return fmt.Errorf("failed to serve: %v", err)
	}
	return nil
}

// ListenAndServe listens on the given port and serves the health service.
func (h *HealthServer) ListenAndServe(port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen: %v", err)
	}
	return h.Serve(lis)
}

// Stop marks the service as not serving and stops the gRPC server.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.srv.GracefulStop()
}
