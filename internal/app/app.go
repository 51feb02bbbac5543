// Package app собирает сервис заказов: хранилище, gRPC API, служебный HTTP и фоновые воркеры.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vladislavdragonenkov/ordercore/internal/catalog"
	healthcheck "github.com/vladislavdragonenkov/ordercore/internal/health"
	"github.com/vladislavdragonenkov/ordercore/internal/metrics"
	grpcsvc "github.com/vladislavdragonenkov/ordercore/internal/service/grpc"
	"github.com/vladislavdragonenkov/ordercore/internal/service/idempotency"
	"github.com/vladislavdragonenkov/ordercore/internal/service/ordering"
	"github.com/vladislavdragonenkov/ordercore/internal/service/outbox"
	"github.com/vladislavdragonenkov/ordercore/internal/version"
)

// Run запускает сервис и блокируется до отмены ctx или падения одного из компонентов.
// При штатной остановке возвращает ctx.Err().
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	deps, err := NewDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close(logger)

	if cfg.SeedCatalog {
		if _, err := catalog.Seed(ctx, deps.Seeder, logger.WithField("component", "catalog-seed")); err != nil {
			return err
		}
	}

	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc %s: %w", cfg.GRPCAddr, err)
	}
	httpLis, err := net.Listen("tcp", cfg.MetricsAddr)
	if err != nil {
		_ = grpcLis.Close()
		return fmt.Errorf("listen http %s: %w", cfg.MetricsAddr, err)
	}

	orderMetrics := metrics.NewOrderMetrics()
	outboxMetrics := metrics.NewOutboxMetrics()
	idempotencyMetrics := metrics.NewIdempotencyMetrics()

	orders := ordering.NewService(deps.Catalog, deps.Orders, deps.Tx,
		ordering.WithLogger(logger.WithField("component", "ordering")),
		ordering.WithMetrics(orderMetrics),
		ordering.WithRetryPolicy(retryPolicy(cfg)),
	)

	var guard *idempotency.Guard
	if deps.Idempotency != nil {
		guard = idempotency.NewGuard(deps.Idempotency,
			idempotency.WithTTL(cfg.IdempotencyTTL),
			idempotency.WithGuardMetrics(idempotencyMetrics),
			idempotency.WithGuardLogger(logger.WithField("component", "idempotency")),
		)
	}

	grpcServer, healthServer := newGRPCServer(orders, guard, logger)

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	for name, checker := range deps.Checkers {
		healthHandler.RegisterChecker(name, checker)
	}

	outboxWorker := outbox.NewWorker(deps.Outbox, deps.Publisher,
		outbox.WithLogger(logger.WithField("component", "outbox-worker")),
		outbox.WithMetrics(outboxMetrics),
		outbox.WithDLQPublisher(deps.DLQPublisher),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Infof("gRPC сервер слушает %s", grpcLis.Addr())
		if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		stopGRPC(grpcServer, cfg.ShutdownTimeout, logger)
		return nil
	})
	g.Go(func() error {
		return serveHTTP(gctx, httpLis, newHTTPHandler(healthHandler, prometheus.DefaultGatherer), cfg.ShutdownTimeout, logger)
	})
	g.Go(func() error {
		return outboxWorker.Run(gctx)
	})
	if deps.Idempotency != nil && deps.IdempotencyCleanup {
		cleanup := idempotency.NewCleanupWorker(deps.Idempotency,
			idempotency.CleanupLogger(logger.WithField("component", "idempotency-cleanup")),
			idempotency.CleanupMetrics(idempotencyMetrics),
			idempotency.CleanupEvery(cfg.IdempotencyCleanupInterval),
			idempotency.CleanupBatch(cfg.IdempotencyCleanupBatchSize),
		)
		g.Go(func() error {
			return cleanup.Run(gctx)
		})
	}

	logger.WithFields(log.Fields{
		"storage":     cfg.StorageDriver,
		"idempotency": cfg.idempotencyDriver(),
		"version":     version.GetVersion(),
	}).Info("OrderService запущен")

	err = g.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		if err != nil {
			logger.WithError(err).Warn("component stopped with error during shutdown")
		}
		return ctxErr
	}
	if err == nil {
		// Компонент завершился сам, без отмены снаружи.
		return errors.New("service stopped unexpectedly")
	}
	return err
}

// newGRPCServer регистрирует OrderService и стандартный health-сервис.
func newGRPCServer(orders grpcsvc.Orders, guard *idempotency.Guard, logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := registerGRPCMetrics(logger)

	server := grpc.NewServer(grpc.ChainUnaryInterceptor(
		grpcMetrics.UnaryServerInterceptor(),
		grpcsvc.IdentityInterceptor(logger.WithField("component", "grpc-identity")),
	))

	grpcsvc.RegisterOrderServiceServer(server, grpcsvc.NewOrderService(orders, guard, logger.WithField("layer", "grpc")))
	grpcMetrics.InitializeMetrics(server)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(grpcsvc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)

	return server, healthServer
}

func registerGRPCMetrics(logger *log.Entry) *promgrpc.ServerMetrics {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				return existing
			}
		}
		logger.WithError(err).Warn("failed to register grpc metrics")
	}
	return grpcMetrics
}

// stopGRPC ждёт завершения активных вызовов не дольше timeout.
func stopGRPC(server *grpc.Server, timeout time.Duration, logger *log.Entry) {
	logger.Info("получен сигнал остановки, останавливаем gRPC сервер")
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(timeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		server.Stop()
	}
}

func retryPolicy(cfg Config) ordering.RetryPolicy {
	policy := ordering.DefaultRetryPolicy()
	if cfg.TxMaxAttempts > 0 {
		policy.MaxAttempts = cfg.TxMaxAttempts
	}
	if cfg.TxRetryDelay >= 0 {
		policy.InitialDelay = cfg.TxRetryDelay
	}
	return policy
}
