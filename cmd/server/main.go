package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"trading/cmd/server/config"
	"trading/internal/adapters/grpc"
	"trading/internal/bus"
	"trading/internal/catalog"
	"trading/internal/observability"
	"trading/internal/purchase"
	"trading/internal/realtime"
	"trading/internal/reliability"
	"trading/internal/scheduler"
)

func main() {
	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func run(ctx context.Context, logger *zap.Logger) error {
	storeCfg, err := config.LoadStore()
	if err != nil {
		return err
	}
	kafkaCfg, err := config.LoadKafka()
	if err != nil {
		return err
	}
	redisCfg, err := config.LoadRedis()
	if err != nil {
		return err
	}
	sagaCfg, err := config.LoadSaga()
	if err != nil {
		return err
	}
	grpcCfg, err := config.LoadGRPC()
	if err != nil {
		return err
	}
	obsCfg, err := config.LoadObservability()
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()
	retry := reliability.RetryPolicy{
		MaxAttempts: sagaCfg.RetryMaxAttempts,
		BaseDelay:   sagaCfg.RetryBaseDelay,
		MaxDelay:    sagaCfg.RetryMaxDelay,
	}

	stores, err := buildStorage(ctx, storeCfg, logger)
	if err != nil {
		return err
	}
	defer stores.cleanup()

	timeouts, cleanupScheduler, err := buildScheduler(ctx, redisCfg, logger)
	if err != nil {
		return err
	}
	defer cleanupScheduler()

	tr, err := buildTransport(kafkaCfg, retry, logger)
	if err != nil {
		return err
	}
	defer tr.cleanup()

	relay, err := bus.NewRelay(bus.RelayConfig{
		Outbox:    stores.outbox,
		Publisher: tr.publisher,
		Scheduler: timeouts,
		Guard: reliability.Guard{
			Breaker: reliability.NewCircuitBreaker(reliability.CircuitBreakerConfig{
				MaxFailures:  sagaCfg.BreakerMaxFailures,
				ResetTimeout: sagaCfg.BreakerResetTimeout,
			}),
			Retry: reliability.RetryPolicy{MaxAttempts: 3, BaseDelay: sagaCfg.RetryBaseDelay, MaxDelay: sagaCfg.RetryMaxDelay},
		},
		Interval:  sagaCfg.OutboxPollInterval,
		BatchSize: sagaCfg.OutboxBatchSize,
		Retention: sagaCfg.OutboxRetention,
		Logger:    logger.Named("relay"),
		Metrics:   metrics,
	})
	if err != nil {
		return err
	}
	poller := scheduler.NewPoller(timeouts, tr.publisher, sagaCfg.TimeoutPollInterval, sagaCfg.OutboxBatchSize, logger.Named("timeouts"), metrics)

	hub := realtime.NewHub(sagaCfg.NotifyBuffer, logger.Named("realtime"))
	orchestrator, err := purchase.NewOrchestrator(purchase.OrchestratorConfig{
		Store:    stores.store,
		Prices:   catalog.NewPriceBook(stores.catalog),
		Machine:  purchase.Machine{PaymentTimeout: sagaCfg.PaymentTimeout, ReservationTimeout: sagaCfg.ReservationTimeout},
		Retry:    retry,
		Relay:    relay,
		Notifier: purchase.Notifiers{hub},
		Logger:   logger.Named("purchase"),
		Metrics:  metrics,
	})
	if err != nil {
		return err
	}

	mux := buildMux(orchestrator, catalog.NewHandler(stores.catalog, logger.Named("catalog")), tr.external, logger)
	pool := bus.NewPool(tr.subscribers, mux.HandleEnvelope, logger.Named("pool"))

	lis, err := net.Listen("tcp", grpcCfg.Addr)
	if err != nil {
		return err
	}
	limiter := reliability.NewRateLimiter(grpcCfg.RateLimitInterval, grpcCfg.RateLimitBurst, metrics.AddRateLimitWait)
	server := grpcpkg.NewServer(
		grpcpkg.UnaryInterceptor(rateLimitUnaryInterceptor(limiter, metrics, logger)),
		grpcpkg.StreamInterceptor(rateLimitStreamInterceptor(limiter, metrics, logger)),
	)
	grpc.RegisterPurchaseServer(server, grpc.NewPurchaseServer(purchase.NewQuery(stores.store), tr.publisher))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus(grpc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	if grpcCfg.Reflection {
		reflection.Register(server)
		logger.Info("gRPC reflection enabled")
	}

	obsSrv := &http.Server{
		Addr:              obsCfg.Addr,
		Handler:           observabilityMux(metrics, hub),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return poller.Run(gctx) })
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error {
		logger.Info("grpc server listening", zap.String("addr", grpcCfg.Addr))
		return server.Serve(lis)
	})
	g.Go(func() error {
		logger.Info("observability server listening", zap.String("addr", obsCfg.Addr))
		if err := obsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		metrics.MarkShutdown()
		healthServer.SetServingStatus(grpc.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		server.GracefulStop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return obsSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("server stopped", zap.Any("metrics", metrics.Snapshot().Saga))
	return err
}

var inboundTypes = []string{
	purchase.TypeStartPurchase,
	purchase.TypeItemsReserved,
	purchase.TypeItemsReservationFailed,
	purchase.TypePaymentAccepted,
	purchase.TypePaymentCompleted,
	purchase.TypePaymentFailed,
	purchase.TypePurchaseTimeoutExpired,
}

// buildMux routes purchase replies to the orchestrator and catalog events to the replica.
// On the in-process bus the saga's own commands come back too; they are only logged.
func buildMux(orchestrator *purchase.Orchestrator, catalogHandler *catalog.Handler, external bool, logger *zap.Logger) *bus.Mux {
	mux := bus.NewMux(logger.Named("mux"))
	mux.Handle(orchestrator.HandleEnvelope, inboundTypes...)
	mux.Handle(catalogHandler.HandleEnvelope, catalog.TypeItemUpserted, catalog.TypeItemDeleted)
	if !external {
		mux.Handle(func(_ context.Context, env purchase.Envelope) error {
			logger.Debug("command without downstream service",
				zap.String("message_type", env.Type),
				zap.String("correlation_id", env.CorrelationID),
			)
			return nil
		}, purchase.TypeReserveItems, purchase.TypeReleaseItems, purchase.TypeDebitFunds)
	}
	return mux
}

func observabilityMux(metrics *observability.Metrics, hub *realtime.Hub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(metrics))
	mux.Handle("/readyz", observability.ReadyHandler(metrics))
	mux.HandleFunc("/ws", hub.ServeWS)
	mux.HandleFunc("/debug/purchase.dot", func(w http.ResponseWriter, r *http.Request) {
		dot, err := purchase.TransitionGraphDOT()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/vnd.graphviz")
		_, _ = w.Write(dot)
	})
	return mux
}
