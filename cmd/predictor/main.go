// Command predictor serves math score predictions from the most recently
// published training run.
//
// On start the predictor loads the current artifact pair from the store and
// then polls it; a newly published run replaces the serving model as a whole
// without a restart. Until a pair has been loaded, prediction requests are
// rejected with 503 / UNAVAILABLE and /healthz reports unhealthy.
//
// The predictor serves:
//   - HTTP on -listen: POST /api/predict, POST /api/predict/batch,
//     GET /api/model, GET /healthz, GET /metrics
//   - gRPC on -grpc-listen: gradecast.v1.Predictor and grpc.health.v1.Health
//
// Usage:
//
//	predictor -artifact-dir=artifacts/models -listen=:8080 -grpc-listen=:9090
//
// Environment variables:
//
//	LISTEN          - HTTP listen address (default: :8080)
//	GRPC_LISTEN     - gRPC listen address (default: :9090, empty disables)
//	STORAGE         - Artifact backend: file or redis (default: file)
//	ARTIFACT_DIR    - Artifact directory for the file backend
//	REDIS_ADDR      - Redis address for the redis backend
//	RELOAD_INTERVAL - Artifact store poll interval (default: 30s)
//	CLIP            - Clip predictions to [0, 100] (default: true)
//	LOG_LEVEL       - Logging level: debug, info, warn, error (default: info)
//	LOG_FORMAT      - Logging format: text, json (default: text)
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/HatiCode/gradecast/cmd/predictor/config"
	"github.com/HatiCode/gradecast/cmd/predictor/metrics"
	"github.com/HatiCode/gradecast/cmd/predictor/router"
	"github.com/HatiCode/gradecast/pkg/httpx"
	"github.com/HatiCode/gradecast/pkg/logger"
	"github.com/HatiCode/gradecast/pkg/predict"
	"github.com/HatiCode/gradecast/pkg/rpc"
	"github.com/HatiCode/gradecast/pkg/storage"
	gctls "github.com/HatiCode/gradecast/pkg/tls"
)

// version is set via ldflags at build time
var version = "dev"

func main() {
	cfg := config.ParseFlags()

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	log.Info("starting gradecast predictor",
		"version", version,
		"listen", cfg.Listen,
		"grpc_listen", cfg.GRPCListen,
		"storage", cfg.Storage,
		"clip", cfg.Clip,
		"tls_enabled", cfg.TLS.Enabled,
	)

	store, err := storage.Open(cfg.StorageConfig(), log)
	if err != nil {
		log.Error("failed to open artifact store", "error", err)
		os.Exit(1)
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		defer func() {
			if err := closer.Close(); err != nil {
				log.Error("failed to close store", "error", err)
			}
		}()
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	healthServer := health.NewServer()
	healthServer.SetServingStatus(rpc.ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	svc := predict.NewService(store, predict.Options{Unclipped: !cfg.Clip}, log, &observer{Metrics: m, health: healthServer})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := svc.Reload(ctx); err != nil {
		log.Warn("no model loaded at startup, serving 503 until a run is published", "error", err)
	}
	go func() {
		if err := svc.Run(ctx, cfg.ReloadInterval); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("reload loop failed", "error", err)
		}
	}()

	var grpcServer *grpc.Server
	if cfg.GRPCListen != "" {
		grpcServer, err = newGRPCServer(cfg.TLS, svc, healthServer, m, log)
		if err != nil {
			log.Error("failed to create grpc server", "error", err)
			os.Exit(1)
		}
		lis, err := net.Listen("tcp", cfg.GRPCListen)
		if err != nil {
			log.Error("failed to listen", "error", err)
			os.Exit(1)
		}
		go func() {
			log.Info("grpc server listening", "address", cfg.GRPCListen)
			if err := grpcServer.Serve(lis); err != nil {
				log.Error("grpc server failed", "error", err)
				os.Exit(1)
			}
		}()
	}

	mux := router.SetupRoutes(svc, router.Options{MaxBatch: cfg.MaxBatch, MaxBodyBytes: cfg.MaxBodyBytes}, log, m)
	handler := httpx.RecoveryMiddleware(log)(httpx.LoggingMiddleware(log)(mux))
	httpServer := httpx.NewServer(cfg.Listen, handler, log)

	serverErr := make(chan error, 1)
	go func() {
		if cfg.TLS.Enabled {
			tlsCfg, err := gctls.ServerConfig(cfg.TLS)
			if err != nil {
				serverErr <- err
				return
			}
			serverErr <- httpServer.StartTLS(tlsCfg)
			return
		}
		serverErr <- httpServer.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig)
	case err := <-serverErr:
		if err != nil {
			log.Error("server failed", "error", err)
		}
	}

	log.Info("shutting down")
	cancel()
	healthServer.Shutdown()

	if grpcServer != nil {
		log.Info("shutting down grpc server")
		grpcServer.GracefulStop()
	}
	if err := httpServer.Stop(10 * time.Second); err != nil {
		log.Error("http server shutdown error", "error", err)
	}

	log.Info("shutdown complete")
}

// newGRPCServer builds the gRPC server with the predictor and health services.
func newGRPCServer(tlsCfg gctls.Config, svc *predict.Service, healthServer *health.Server, rec rpc.Recorder, log *slog.Logger) (*grpc.Server, error) {
	var opts []grpc.ServerOption
	if tlsCfg.Enabled {
		c, err := gctls.ServerConfig(tlsCfg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(c)))
	}

	s := grpc.NewServer(opts...)
	rpc.RegisterPredictorServer(s, rpc.NewServer(svc, log, rec))
	grpc_health_v1.RegisterHealthServer(s, healthServer)
	reflection.Register(s)
	return s, nil
}

// observer forwards reload outcomes to metrics and the gRPC health status.
type observer struct {
	*metrics.Metrics
	health *health.Server
}

func (o *observer) Reloaded(info predict.Info) {
	o.Metrics.Reloaded(info)
	o.health.SetServingStatus(rpc.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	o.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
}
