package grpc_handler

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/config"
	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/domain"
	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/port"
	"github.com/anthanhphan/go-ingestion-pipeline/pkg/resilience"
	"github.com/anthanhphan/gosdk/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	principalKey        = "x-principal-id"
	healthCheckInterval = 5 * time.Second
)

// Server implements the ingest.v1.Ingestion gRPC service over port.IngestionService.
type Server struct {
	cfg     *config.Config
	service port.IngestionService
	grpc    *grpc.Server
	health  *grpchealth.Server
}

var _ IngestionServer = (*Server)(nil)

// NewServer creates a gRPC server with the ingestion and health services registered.
func NewServer(cfg *config.Config, service port.IngestionService) *Server {
	s := &Server{
		cfg:     cfg,
		service: service,
		grpc: grpc.NewServer(
			grpc.MaxRecvMsgSize(grpcMessageLimit(cfg)),
			grpc.ChainUnaryInterceptor(recoveryInterceptor, loggingInterceptor),
		),
		health: grpchealth.NewServer(),
	}

	// start pessimistic
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	RegisterIngestionServer(s.grpc, s)
	return s
}

// grpcMessageLimit leaves room for the base64 expansion of a full part.
func grpcMessageLimit(cfg *config.Config) int {
	limit := cfg.App.MaxPartSize*4/3 + 1<<20
	if limit < 4<<20 {
		return 4 << 20
	}
	return int(limit)
}

// Start listens on the configured address and keeps the health status fresh
// until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.Server.GRPCAddr)
	if err != nil {
		return err
	}
	go s.WatchHealth(ctx, healthCheckInterval)
	logger.Infow("gRPC server listening", "addr", s.cfg.Server.GRPCAddr)
	return s.Serve(lis)
}

func (s *Server) Serve(lis net.Listener) error {
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop drains in-flight calls, falling back to a hard stop when ctx ends first.
func (s *Server) Stop(ctx context.Context) error {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.grpc.Stop()
		return ctx.Err()
	}
}

// WatchHealth mirrors CheckHealth into the grpc health service.
func (s *Server) WatchHealth(ctx context.Context, interval time.Duration) {
	s.refreshHealth(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshHealth(ctx)
		}
	}
}

func (s *Server) refreshHealth(ctx context.Context) {
	serving := healthpb.HealthCheckResponse_SERVING
	if report := s.service.CheckHealth(ctx); report.Status == "unhealthy" {
		serving = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", serving)
	s.health.SetServingStatus(serviceName, serving)
}

func (s *Server) OpenSession(ctx context.Context, req *domain.OpenSessionRequest) (*domain.OpenSessionResult, error) {
	principal, err := principalFrom(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.service.OpenSession(ctx, principal, *req)
	if err != nil {
		return nil, toStatus(err)
	}
	return res, nil
}

func (s *Server) UploadPart(ctx context.Context, req *domain.UploadPartRequest) (*domain.UploadPartResult, error) {
	principal, err := principalFrom(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.service.UploadPart(ctx, principal, *req)
	if err != nil {
		return nil, toStatus(err)
	}
	return res, nil
}

func (s *Server) FinalizeSession(ctx context.Context, req *SessionRequest) (*domain.FinalizeResult, error) {
	principal, err := principalFrom(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.service.FinalizeSession(ctx, principal, req.SessionID)
	if err != nil {
		return nil, toStatus(err)
	}
	return res, nil
}

func (s *Server) GetStatus(ctx context.Context, req *SessionRequest) (*domain.SessionView, error) {
	principal, err := principalFrom(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.service.GetStatus(ctx, principal, req.SessionID)
	if err != nil {
		return nil, toStatus(err)
	}
	return res, nil
}

func (s *Server) AbortSession(ctx context.Context, req *SessionRequest) (*domain.AbortResult, error) {
	principal, err := principalFrom(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.service.AbortSession(ctx, principal, req.SessionID)
	if err != nil {
		return nil, toStatus(err)
	}
	return res, nil
}

func principalFrom(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if ok {
		if values := md.Get(principalKey); len(values) > 0 && values[0] != "" {
			return values[0], nil
		}
	}
	return "", status.Error(codes.Unauthenticated, "missing "+principalKey+" metadata")
}

var statusMappings = []struct {
	target error
	code   codes.Code
}{
	{domain.ErrQuotaExceeded, codes.ResourceExhausted},
	{domain.ErrInvalidMetadata, codes.InvalidArgument},
	{domain.ErrInvalidPart, codes.InvalidArgument},
	{domain.ErrUnsupportedFormat, codes.InvalidArgument},
	{domain.ErrDigestMismatch, codes.DataLoss},
	{domain.ErrSessionNotFound, codes.NotFound},
	{domain.ErrTaskNotFound, codes.NotFound},
	{domain.ErrSessionExpired, codes.FailedPrecondition},
	{domain.ErrDuplicatePart, codes.AlreadyExists},
	{domain.ErrIncompleteUpload, codes.FailedPrecondition},
	{domain.ErrIllegalTransition, codes.FailedPrecondition},
	{domain.ErrSessionClosed, codes.FailedPrecondition},
	{resilience.ErrCircuitOpen, codes.Unavailable},
}

// toStatus maps service errors to gRPC status codes. Internal errors are
// logged and returned without detail.
func toStatus(err error) error {
	for _, m := range statusMappings {
		if errors.Is(err, m.target) {
			return status.Error(m.code, err.Error())
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	logger.Errorw("gRPC call failed", "error", err.Error())
	return status.Error(codes.Internal, "internal error")
}

func recoveryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorw("gRPC handler panicked", "method", info.FullMethod, "panic", r)
			err = status.Error(codes.Internal, "internal error")
		}
	}()
	return handler(ctx, req)
}

func loggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	started := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)
	fields := []any{"method", info.FullMethod, "code", code.String(), "duration_ms", time.Since(started).Milliseconds()}
	if code == codes.Internal || code == codes.Unknown {
		logger.Warnw("gRPC request failed", fields...)
	} else {
		logger.Debugw("gRPC request", fields...)
	}
	return resp, err
}
