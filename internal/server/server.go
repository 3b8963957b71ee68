// Package server exposes the search state over the standard gRPC health
// protocol. The overall service is always SERVING while the process is up;
// the search service reports SERVING while a search is running and
// NOT_SERVING while idle.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/farewatch/internal/controller"
)

var log = slog.Default()

// SearchService is the health service name tracking the search state.
const SearchService = "farewatch.Search"

// DefaultRefresh is how often the search state is polled.
const DefaultRefresh = time.Second

// StateSource reports the current search state.
type StateSource interface {
	State() controller.State
}

// Server is a gRPC server carrying the health service.
type Server struct {
	grpc    *grpc.Server
	health  *health.Server
	source  StateSource
	refresh time.Duration

	mu   sync.Mutex
	last controller.State
	set  bool
}

// New creates a server. A non-positive refresh uses DefaultRefresh.
func New(source StateSource, refresh time.Duration) *Server {
	if refresh <= 0 {
		refresh = DefaultRefresh
	}
	s := &Server{
		grpc:    grpc.NewServer(),
		health:  health.NewServer(),
		source:  source,
		refresh: refresh,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.Refresh()
	return s
}

// Refresh publishes the current search state.
func (s *Server) Refresh() {
	state := s.source.State()

	s.mu.Lock()
	changed := !s.set || state != s.last
	s.last, s.set = state, true
	s.mu.Unlock()

	if !changed {
		return
	}
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if state == controller.Running {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(SearchService, status)
	log.Debug("Health status updated", "service", SearchService, "state", state.String())
}

// Serve accepts connections on lis until ctx is cancelled, then stops
// gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.refresh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.health.Shutdown()
				s.grpc.GracefulStop()
				return
			case <-ticker.C:
				s.Refresh()
			}
		}
	}()

	log.Info("gRPC health server listening", "addr", lis.Addr().String())
	err := s.grpc.Serve(lis)
	cancel()
	<-done
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}
