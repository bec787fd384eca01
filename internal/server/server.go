package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/elskow/binder-build/internal/auth"
	"github.com/elskow/binder-build/internal/config"
)

// BuildServiceName is the gRPC health service name reported for the build API.
const BuildServiceName = "binder.build"

type Server struct {
	config     *config.AppConfig
	log        *zap.Logger
	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server

	mu       sync.Mutex
	httpAddr net.Addr
	grpcAddr net.Addr
	serving  sync.WaitGroup
}

type Params struct {
	fx.In

	Config  *config.AppConfig
	Logger  *zap.Logger
	Handler http.Handler
	Auth    *auth.Service
}

func isPublicMethod(method string) bool {
	return strings.HasPrefix(method, "/"+healthpb.Health_ServiceDesc.ServiceName+"/")
}

func NewServer(p Params) *Server {
	authenticate := func(ctx context.Context, method string) error {
		if isPublicMethod(method) {
			return nil
		}
		md, _ := metadata.FromIncomingContext(ctx)
		var header string
		if values := md.Get("authorization"); len(values) > 0 {
			header = values[0]
		}
		if _, err := p.Auth.Authenticate(header); err != nil {
			p.Logger.Warn("authentication failed",
				zap.String("method", method),
				zap.Error(err))
			return status.Error(codes.Unauthenticated, "authentication required")
		}
		return nil
	}

	unary := func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if err := authenticate(ctx, info.FullMethod); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
	stream := func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := authenticate(ss.Context(), info.FullMethod); err != nil {
			return err
		}
		return handler(srv, ss)
	}

	opts := []grpc.ServerOption{
		grpc.UnaryInterceptor(unary),
		grpc.StreamInterceptor(stream),
	}
	if p.Config.GRPC.MaxReceiveMessageSize > 0 {
		opts = append(opts, grpc.MaxRecvMsgSize(p.Config.GRPC.MaxReceiveMessageSize))
	}
	if p.Config.GRPC.MaxSendMessageSize > 0 {
		opts = append(opts, grpc.MaxSendMsgSize(p.Config.GRPC.MaxSendMessageSize))
	}

	grpcServer := grpc.NewServer(opts...)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(BuildServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	if p.Config.GRPC.EnableReflection {
		reflection.Register(grpcServer)
	}

	return &Server{
		config: p.Config,
		log:    p.Logger,
		httpServer: &http.Server{
			Handler:  p.Handler,
			ErrorLog: zap.NewStdLog(p.Logger),
		},
		grpcServer: grpcServer,
		health:     healthServer,
	}
}

// Start binds the HTTP listener (and the gRPC listener when enabled) and
// serves in the background. Bind errors are returned.
func (s *Server) Start() error {
	httpLis, err := net.Listen("tcp", net.JoinHostPort(s.config.Server.Host, s.config.Server.Port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	var grpcLis net.Listener
	if s.config.GRPC.Enabled {
		grpcLis, err = net.Listen("tcp", net.JoinHostPort(s.config.Server.Host, s.config.GRPC.Port))
		if err != nil {
			httpLis.Close()
			return fmt.Errorf("failed to listen for gRPC: %w", err)
		}
	}

	if s.config.Server.PIDFile != "" {
		if err := WritePIDFile(s.config.Server.PIDFile); err != nil {
			httpLis.Close()
			if grpcLis != nil {
				grpcLis.Close()
			}
			return err
		}
	}

	s.mu.Lock()
	s.httpAddr = httpLis.Addr()
	if grpcLis != nil {
		s.grpcAddr = grpcLis.Addr()
	}
	s.mu.Unlock()

	s.log.Info("Starting HTTP server",
		zap.String("address", httpLis.Addr().String()),
		zap.Object("config", serverConfigToField(s.config)),
	)

	s.serving.Add(1)
	go func() {
		defer s.serving.Done()
		if err := s.httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server stopped", zap.Error(err))
		}
	}()

	if grpcLis != nil {
		s.log.Info("Starting gRPC server", zap.String("address", grpcLis.Addr().String()))
		s.health.SetServingStatus(BuildServiceName, healthpb.HealthCheckResponse_SERVING)

		s.serving.Add(1)
		go func() {
			defer s.serving.Done()
			if err := s.grpcServer.Serve(grpcLis); err != nil {
				s.log.Error("gRPC server stopped", zap.Error(err))
			}
		}()
	}

	return nil
}

// HTTPAddr returns the bound HTTP address, or nil before Start.
func (s *Server) HTTPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.httpAddr
}

// GRPCAddr returns the bound gRPC address, or nil when gRPC is disabled.
func (s *Server) GRPCAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grpcAddr
}

func serverConfigToField(config *config.AppConfig) zapcore.ObjectMarshaler {
	return zapcore.ObjectMarshalerFunc(func(enc zapcore.ObjectEncoder) error {
		enc.AddString("environment", Environment())
		enc.AddDuration("request_timeout", config.Server.RequestTimeout)
		enc.AddString("database_driver", config.Database.Driver)
		enc.AddString("builder_platform", config.Pipeline.Builder.Platform)
		enc.AddBool("grpc_enabled", config.GRPC.Enabled)
		enc.AddBool("reflection_enabled", config.GRPC.EnableReflection)
		return nil
	})
}

// Stop drains HTTP connections until ctx expires and gracefully stops gRPC.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("shutting down servers")
	s.health.Shutdown()

	err := s.httpServer.Shutdown(ctx)
	if err != nil {
		s.httpServer.Close()
	}

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}

	s.serving.Wait()

	if s.config.Server.PIDFile != "" {
		if rmErr := RemovePIDFile(s.config.Server.PIDFile); rmErr != nil {
			s.log.Warn("failed to remove pid file", zap.Error(rmErr))
		}
	}

	return err
}
