package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rl1809/wholesale-allocation/internal/adapter/handler"
	"github.com/rl1809/wholesale-allocation/internal/adapter/messaging"
	"github.com/rl1809/wholesale-allocation/internal/adapter/storage"
	"github.com/rl1809/wholesale-allocation/internal/core/allocation"
	"github.com/rl1809/wholesale-allocation/internal/core/service"
	"github.com/rl1809/wholesale-allocation/internal/port"
	"github.com/rl1809/wholesale-allocation/pkg/config"
	"github.com/rl1809/wholesale-allocation/pkg/logger"
	"github.com/rl1809/wholesale-allocation/pkg/metrics"
	"github.com/rl1809/wholesale-allocation/pkg/telemetry"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "wholesale-server"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: cfg.App.Name,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Format:      cfg.App.LogFormat,
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":    cfg.App.Env,
		"driver": cfg.DB.Driver,
	})

	if err := run(ctx, cfg, logg); err != nil {
		logg.Error(ctx, "server stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "server shut down gracefully")
}

func run(ctx context.Context, cfg *config.Config, logg *logger.Logger) (err error) {
	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		err = multierr.Append(err, shutdownTracing(flushCtx))
	}()

	store, err := storage.Open(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, store.Close()) }()
	logg.Info(ctx, "connected to database")

	var redisAdapter *storage.RedisAdapter
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		defer func() { err = multierr.Append(err, rdb.Close()) }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		redisAdapter = storage.NewRedisAdapter(rdb).WithLockTiming(cfg.Redis.LockTTL, cfg.Redis.LockRetryGap)
		logg.Info(ctx, "connected to redis")
	}

	var locker port.Locker = storage.NewMemoryLocker()
	if strings.EqualFold(cfg.Allocation.LockBackend, config.LockBackendRedis) {
		if redisAdapter == nil {
			return errors.New("redis lock backend needs redis enabled")
		}
		locker = redisAdapter
	}
	var cache port.CacheRepository
	if redisAdapter != nil {
		cache = redisAdapter
	}

	m := metrics.NewAllocationMetrics(prometheus.DefaultRegisterer)

	orders, err := service.NewOrderService(service.Dependencies{
		Ledger:  store,
		Locker:  locker,
		Cache:   cache,
		Engine:  allocation.NewEngine(logg, m),
		Logger:  logg,
		Metrics: m,
	}, service.Config{
		MaxConflictRetries: cfg.Allocation.MaxConflictRetries,
		LockWaitTimeout:    cfg.Allocation.LockWaitTimeout,
		IdempotencyTTL:     cfg.Allocation.IdempotencyTTL,
	})
	if err != nil {
		return err
	}
	inventory, err := service.NewInventoryService(store, locker, logg)
	if err != nil {
		return err
	}

	grpcServer := grpc.NewServer()
	handler.RegisterOrderServiceServer(grpcServer, handler.NewGRPCHandler(orders, logg))

	httpServer := &http.Server{
		Addr:              cfg.App.HTTPAddr,
		Handler:           handler.NewHTTPHandler(orders, inventory, logg).Routes(metrics.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var relay *messaging.OutboxRelay
	if cfg.Outbox.RelayInline {
		var publisher *messaging.KafkaPublisher
		publisher, relay, err = newRelay(cfg, store, logg, m)
		if err != nil {
			return err
		}
		defer func() { err = multierr.Append(err, publisher.Close()) }()
	}

	lis, err := net.Listen("tcp", cfg.App.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logg.Info(logg.WithField(gctx, "addr", cfg.App.GRPCAddr), "grpc server listening")
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logg.Info(logg.WithField(gctx, "addr", cfg.App.HTTPAddr), "http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if relay != nil {
		g.Go(func() error { return relay.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		logg.Info(context.WithoutCancel(gctx), "shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()

		err := httpServer.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		return err
	})

	return g.Wait()
}

func newRelay(cfg *config.Config, store *storage.Store, logg *logger.Logger, m *metrics.AllocationMetrics) (*messaging.KafkaPublisher, *messaging.OutboxRelay, error) {
	writer, err := messaging.NewKafkaWriter(cfg.Kafka, cfg.App.Name)
	if err != nil {
		return nil, nil, err
	}
	publisher := messaging.NewKafkaPublisher(writer)

	relay, err := messaging.NewOutboxRelay(store, publisher, messaging.RelayConfig{
		BatchSize:    cfg.Outbox.BatchSize,
		PollInterval: cfg.Outbox.PollInterval,
	}, logg, m)
	if err != nil {
		publisher.Close()
		return nil, nil, err
	}
	return publisher, relay, nil
}
