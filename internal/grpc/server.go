package grpc

import (
	"context"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"gorm.io/gorm"
)

// ServiceName is the health service name reported for this process.
const ServiceName = "reseller.v1.Reseller"

const checkInterval = 15 * time.Second

// Server exposes the standard gRPC health service. Status follows the
// database: SERVING while it answers a ping, NOT_SERVING otherwise.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	db     *gorm.DB
}

func NewServer(db *gorm.DB) *Server {
	s := &Server{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		db:     db,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	return s
}

// Check pings the database once and publishes the result.
func (s *Server) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		log.WithError(err).Warn("Database ping failed, reporting NOT_SERVING")
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	return status
}

// Serve listens on port and blocks until Stop is called.
func (s *Server) Serve(ctx context.Context, port string) error {
	lis, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return err
	}

	s.Check(ctx)
	go s.watch(ctx)

	log.WithField("port", port).Info("gRPC health server listening")
	return s.grpc.Serve(lis)
}

func (s *Server) watch(ctx context.Context) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			s.Check(checkCtx)
			cancel()
		}
	}
}

// Stop marks the process NOT_SERVING and drains in-flight calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
