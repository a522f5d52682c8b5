// Package healthsrv exposes the standard gRPC health service. The empty
// service name reports the process; ServiceRig follows the rig heartbeat.
package healthsrv

import (
	"context"
	"fmt"
	"log"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/agsys/rigpanel/internal/notice"
)

// ServiceRig is SERVING while the rig is ON
const ServiceRig = "rigpanel.Rig"

// Server wraps a gRPC server carrying only the health service
type Server struct {
	addr   string
	grpc   *grpc.Server
	health *health.Server
}

// New creates the health server. The rig starts NOT_SERVING until the
// first liveness verdict.
func New(addr string) *Server {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceRig, healthpb.HealthCheckResponse_NOT_SERVING)

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &Server{addr: addr, grpc: srv, health: hs}
}

// Observe updates the rig status from a liveness notice
func (s *Server) Observe(n notice.Notice) {
	if n.Kind != notice.LivenessComputed || n.Liveness == nil {
		return
	}
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if n.Liveness.IsOn() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceRig, status)
}

// Run observes notices from sub until ctx ends or sub closes
func (s *Server) Run(ctx context.Context, sub *notice.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-sub.C:
			if !ok {
				return
			}
			s.Observe(n)
		}
	}
}

// Serve listens on the configured address until ctx is cancelled
func (s *Server) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("health listen: %w", err)
	}
	return s.ServeListener(ctx, lis)
}

// ServeListener serves on lis until ctx is cancelled
func (s *Server) ServeListener(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		s.grpc.GracefulStop()
	}()

	log.Printf("gRPC health service listening on %s", lis.Addr())
	return s.grpc.Serve(lis)
}
