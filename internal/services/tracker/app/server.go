// Package server wires the tracker runtime and gRPC lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/keybound/keybound/internal/platform/config"
	"github.com/keybound/keybound/internal/platform/metrics"
	"github.com/keybound/keybound/internal/services/tracker/domain/role"
	"github.com/keybound/keybound/internal/services/tracker/domain/task"
	"github.com/keybound/keybound/internal/services/tracker/service"
	"github.com/keybound/keybound/internal/services/tracker/storage"
	trackermemory "github.com/keybound/keybound/internal/services/tracker/storage/memory"
	trackersqlite "github.com/keybound/keybound/internal/services/tracker/storage/sqlite"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

const metricsReadHeaderTimeout = 5 * time.Second

type serverEnv struct {
	Storage     string `env:"KEYBOUND_TRACKER_STORAGE"`
	DBPath      string `env:"KEYBOUND_TRACKER_DB_PATH"`
	MetricsAddr string `env:"KEYBOUND_TRACKER_METRICS_ADDR"`
}

func loadServerEnv() serverEnv {
	var cfg serverEnv
	_ = config.ParseEnv(&cfg)
	if strings.TrimSpace(cfg.Storage) == "" {
		cfg.Storage = "sqlite"
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join("data", "tracker.db")
	}
	return cfg
}

// Server hosts the tracker gRPC endpoint and storage lifecycle.
type Server struct {
	listener    net.Listener
	grpcServer  *grpc.Server
	health      *health.Server
	store       storage.Store
	service     *service.Service
	metricsSrv  *http.Server
	metricsAddr string
}

// New creates a configured tracker server listening on the provided port.
func New(port int) (*Server, error) {
	return NewWithAddr(fmt.Sprintf(":%d", port))
}

// NewWithAddr creates a configured tracker server for the provided address.
func NewWithAddr(addr string) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	srvEnv := loadServerEnv()
	store, err := openTrackerStore(srvEnv)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}
	svc, err := service.New(store, service.WithNotifier(logNotifier{}))
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, fmt.Errorf("build tracker service: %w", err)
	}

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("keybound.tracker", grpc_health_v1.HealthCheckResponse_SERVING)

	server := &Server{
		listener:    listener,
		grpcServer:  grpcServer,
		health:      healthServer,
		store:       store,
		service:     svc,
		metricsAddr: strings.TrimSpace(srvEnv.MetricsAddr),
	}
	if server.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		server.metricsSrv = &http.Server{
			Addr:              server.metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: metricsReadHeaderTimeout,
		}
	}
	return server, nil
}

// Addr returns the listener address for the server.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Service exposes the tracker service for embedding callers.
func (s *Server) Service() *service.Service {
	if s == nil {
		return nil
	}
	return s.service
}

// Run creates and serves a tracker server until context cancellation.
func Run(ctx context.Context, port int) error {
	server, err := New(port)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve starts the gRPC server until context cancellation.
func (s *Server) Serve(ctx context.Context) error {
	if s == nil {
		return errors.New("server is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.Close()

	log.Printf("tracker server listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpcServer.Serve(s.listener)
	}()
	if s.metricsSrv != nil {
		go func() {
			if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("metrics listener: %v", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		if s.health != nil {
			s.health.Shutdown()
		}
		s.grpcServer.GracefulStop()
		err := <-serveErr
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	case err := <-serveErr:
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	}
}

// Close releases tracker server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.health != nil {
		s.health.Shutdown()
	}
	if s.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := s.metricsSrv.Shutdown(shutdownCtx); err != nil {
			_ = s.metricsSrv.Close()
		}
		cancel()
	}
	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close tracker store: %v", err)
		}
	}
}

// logNotifier records task workflow changes in the process log. Delivery to
// users happens outside this service.
type logNotifier struct{}

func (logNotifier) TaskStatusChanged(_ context.Context, relationshipID string, taskID string, actor role.Role, status task.Status) {
	log.Printf("task %s in relationship %s moved to %s by %s", taskID, relationshipID, status, actor)
}

func openTrackerStore(srvEnv serverEnv) (storage.Store, error) {
	switch strings.ToLower(strings.TrimSpace(srvEnv.Storage)) {
	case "memory":
		return trackermemory.NewStore(), nil
	case "sqlite":
		if dir := filepath.Dir(srvEnv.DBPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create storage dir: %w", err)
			}
		}
		store, err := trackersqlite.Open(srvEnv.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open tracker sqlite store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", srvEnv.Storage)
	}
}
