// Package grpc provides the gRPC server exposing the standard health service.
package grpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"go_tradedash/dataplane/internal/metrics"
	"go_tradedash/dataplane/internal/ratelimit"
	"go_tradedash/dataplane/internal/upstream"
	"go_tradedash/dataplane/pkg/types"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// ServiceName is the health service name reporting upstream availability.
const ServiceName = "tradedash.dataplane"

// Server is the gRPC server.
type Server struct {
	server  *grpc.Server
	health  *health.Server
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
	logger  *zap.Logger
	cfg     *Config
}

// Config holds gRPC server configuration.
type Config struct {
	Host                string
	Port                int
	MaxStreamsPerClient int
}

// NewServer creates a gRPC server whose health status follows the upstream
// connection: SERVING while connected, NOT_SERVING otherwise.
func NewServer(
	cfg *Config,
	upstreamMgr *upstream.Manager,
	limiter *ratelimit.Limiter,
	metricsInst *metrics.Metrics,
	logger *zap.Logger,
) *Server {
	s := &Server{
		health:  health.NewServer(),
		limiter: limiter,
		metrics: metricsInst,
		logger:  logger.With(zap.String("component", "grpc")),
		cfg:     cfg,
	}

	s.server = grpc.NewServer(
		grpc.ChainUnaryInterceptor(s.unaryLoggingInterceptor),
		grpc.ChainStreamInterceptor(s.streamLimitInterceptor, s.streamLoggingInterceptor),
	)
	healthpb.RegisterHealthServer(s.server, s.health)

	s.setServing(upstreamMgr.State() == types.StateConnected)
	upstreamMgr.OnStateChange(func(_, state types.ConnectionState) {
		s.setServing(state == types.StateConnected)
	})

	return s
}

func (s *Server) setServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "failed to listen")
	}

	s.logger.Info("Starting gRPC server", zap.String("addr", addr))
	return s.Serve(lis)
}

// Serve serves on an existing listener.
func (s *Server) Serve(lis net.Listener) error {
	return s.server.Serve(lis)
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}

func (s *Server) unaryLoggingInterceptor(
	ctx context.Context,
	req interface{},
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.observe(info.FullMethod, err, time.Since(start))
	return resp, err
}

func (s *Server) streamLoggingInterceptor(
	srv interface{},
	ss grpc.ServerStream,
	info *grpc.StreamServerInfo,
	handler grpc.StreamHandler,
) error {
	start := time.Now()
	err := handler(srv, ss)
	s.observe(info.FullMethod, err, time.Since(start))
	return err
}

// streamLimitInterceptor caps concurrent streams per peer address (Watch).
func (s *Server) streamLimitInterceptor(
	srv interface{},
	ss grpc.ServerStream,
	info *grpc.StreamServerInfo,
	handler grpc.StreamHandler,
) error {
	key := peerKey(ss.Context())
	if !s.limiter.AcquireStream(key, s.cfg.MaxStreamsPerClient) {
		return status.Error(codes.ResourceExhausted, "maximum concurrent streams exceeded")
	}
	defer s.limiter.ReleaseStream(key)

	return handler(srv, ss)
}

func (s *Server) observe(method string, err error, elapsed time.Duration) {
	code := status.Code(err)
	s.metrics.RecordRequest(method, code.String(), elapsed.Seconds())
	s.logger.Debug("gRPC call",
		zap.String("method", method),
		zap.String("code", code.String()),
		zap.Duration("latency", elapsed))
}

func peerKey(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return "unknown"
	}
	addr := p.Addr.String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
