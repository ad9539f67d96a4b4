package main

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trading/cmd/server/config"
	"trading/internal/bus"
	"trading/internal/catalog"
	purchasesdb "trading/internal/db/purchases"
	"trading/internal/observability"
	"trading/internal/purchase"
	"trading/internal/realtime"
	"trading/internal/reliability"
	"trading/internal/scheduler"
)

func TestBuildSchedulerFallsBackToMemory(t *testing.T) {
	store, cleanup, err := buildScheduler(context.Background(), config.RedisConfig{}, zap.NewNop())
	require.NoError(t, err)
	defer cleanup()
	assert.IsType(t, &scheduler.MemoryScheduler{}, store)
}

func TestBuildSchedulerUsesRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.RedisConfig{
		URL:                "redis://" + mr.Addr() + "/0",
		Prefix:             "test:timeouts",
		HealthcheckTimeout: time.Second,
	}

	store, cleanup, err := buildScheduler(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer cleanup()
	assert.IsType(t, &scheduler.RedisScheduler{}, store)
}

func TestBuildSchedulerFailsWhenRedisIsDown(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, _, err := buildScheduler(context.Background(), config.RedisConfig{URL: "redis://" + addr, HealthcheckTimeout: 200 * time.Millisecond}, zap.NewNop())
	assert.Error(t, err)
}

func TestBuildStorageInMemorySeedsCatalog(t *testing.T) {
	stores, err := buildStorage(context.Background(), config.StoreConfig{CatalogSeed: map[string]float64{"sword": 12.5}}, zap.NewNop())
	require.NoError(t, err)
	defer stores.cleanup()

	assert.IsType(t, &purchase.MemoryStore{}, stores.store)
	price, err := catalog.NewPriceBook(stores.catalog).UnitPrice(context.Background(), "sword")
	require.NoError(t, err)
	assert.Equal(t, 12.5, price)
}

func TestBuildStorageUsesSQL(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	prev := openDB
	openDB = func(driver, dsn string) (*sql.DB, error) {
		assert.Equal(t, "pgx", driver)
		assert.Equal(t, "postgres://db/trading", dsn)
		return db, nil
	}
	t.Cleanup(func() { openDB = prev })

	mock.ExpectExec("INSERT INTO catalog_items").
		WithArgs("sword", "sword", 12.5, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectClose()

	stores, err := buildStorage(context.Background(), config.StoreConfig{
		Driver:      "pgx",
		DatabaseURL: "postgres://db/trading",
		CatalogSeed: map[string]float64{"sword": 12.5},
	}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &purchasesdb.StateStore{}, stores.store)
	assert.IsType(t, &purchasesdb.CatalogStore{}, stores.catalog)

	stores.cleanup()
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildStorageNormalizesMySQLDSN(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	var opened string
	prev := openDB
	openDB = func(driver, dsn string) (*sql.DB, error) {
		assert.Equal(t, "mysql", driver)
		opened = dsn
		return db, nil
	}
	t.Cleanup(func() { openDB = prev })
	mock.ExpectClose()

	stores, err := buildStorage(context.Background(), config.StoreConfig{
		Driver:      "mysql",
		DatabaseURL: "trading:secret@tcp(db:3306)/trading",
	}, zap.NewNop())
	require.NoError(t, err)

	cfg, err := mysql.ParseDSN(opened)
	require.NoError(t, err)
	assert.True(t, cfg.ParseTime, "dsn %q must scan DATETIME into time.Time", opened)
	assert.Equal(t, time.UTC, cfg.Loc)
	assert.Equal(t, "trading", cfg.DBName)

	stores.cleanup()
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildStorageRejectsMalformedMySQLDSN(t *testing.T) {
	prev := openDB
	openDB = func(string, string) (*sql.DB, error) {
		t.Fatalf("openDB must not be called with a malformed dsn")
		return nil, nil
	}
	t.Cleanup(func() { openDB = prev })

	_, err := buildStorage(context.Background(), config.StoreConfig{Driver: "mysql", DatabaseURL: "no-slash"}, zap.NewNop())
	require.Error(t, err)
}

func TestSeedCatalogDoesNotRestoreDeletedItems(t *testing.T) {
	ctx := context.Background()
	repo := catalog.NewMemoryCatalog()
	require.NoError(t, seedCatalog(ctx, repo, map[string]float64{"sword": 12.5, "shield": 8}))
	require.NoError(t, repo.Delete(ctx, "sword", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))

	// A restart seeds the same items again.
	require.NoError(t, seedCatalog(ctx, repo, map[string]float64{"sword": 12.5, "shield": 8}))

	book := catalog.NewPriceBook(repo)
	_, err := book.UnitPrice(ctx, "sword")
	assert.ErrorIs(t, err, catalog.ErrItemNotFound)
	price, err := book.UnitPrice(ctx, "shield")
	require.NoError(t, err)
	assert.Equal(t, 8.0, price)
}

func TestObservabilityMuxServesTransitionGraph(t *testing.T) {
	mux := observabilityMux(observability.NewMetrics(), realtime.NewHub(1, nil))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/purchase.dot", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "Accepted"))
}

// TestPurchaseFlowInProcess wires the in-memory backends the way run does and drives
// a purchase to completion by answering the saga's commands.
func TestPurchaseFlowInProcess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := zap.NewNop()
	metrics := observability.NewMetrics()
	retry := reliability.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	stores, err := buildStorage(ctx, config.StoreConfig{CatalogSeed: map[string]float64{"item7": 2.5}}, logger)
	require.NoError(t, err)
	timeouts, cleanupScheduler, err := buildScheduler(ctx, config.RedisConfig{}, logger)
	require.NoError(t, err)
	defer cleanupScheduler()
	tr, err := buildTransport(config.KafkaConfig{Workers: 2}, retry, logger)
	require.NoError(t, err)
	defer tr.cleanup()

	relay, err := bus.NewRelay(bus.RelayConfig{
		Outbox:    stores.outbox,
		Publisher: tr.publisher,
		Scheduler: timeouts,
		Interval:  10 * time.Millisecond,
		Metrics:   metrics,
	})
	require.NoError(t, err)
	orchestrator, err := purchase.NewOrchestrator(purchase.OrchestratorConfig{
		Store:   stores.store,
		Prices:  catalog.NewPriceBook(stores.catalog),
		Retry:   retry,
		Relay:   relay,
		Metrics: metrics,
	})
	require.NoError(t, err)
	pool := bus.NewPool(tr.subscribers, buildMux(orchestrator, catalog.NewHandler(stores.catalog, logger), tr.external, logger).HandleEnvelope, logger)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = relay.Run(ctx)
	}()
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		_ = pool.Run(ctx)
	}()

	publish := func(id string, msg purchase.Message) {
		env, err := purchase.NewEnvelope(id, msg, time.Now())
		require.NoError(t, err)
		require.NoError(t, tr.publisher.Publish(ctx, env))
	}
	status := func() purchase.Status {
		state, err := stores.store.Load(ctx, "c1")
		if err != nil {
			return ""
		}
		return state.Status
	}

	publish("m1", purchase.StartPurchase{CorrelationID: "c1", UserID: "u1", ItemID: "item7", Quantity: 4})
	require.Eventually(t, func() bool { return status() == purchase.StatusAccepted }, 2*time.Second, 5*time.Millisecond)

	publish("m2", purchase.ItemsReserved{CorrelationID: "c1", ReservationID: "r1"})
	require.Eventually(t, func() bool { return status() == purchase.StatusItemsReserved }, 2*time.Second, 5*time.Millisecond)

	publish("m3", purchase.PaymentCompleted{CorrelationID: "c1", BillID: "b1"})
	require.Eventually(t, func() bool { return status() == purchase.StatusCompleted }, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		pending, err := stores.outbox.PendingOutbox(ctx, 0)
		return err == nil && len(pending) == 0
	}, 2*time.Second, 5*time.Millisecond)

	state, err := stores.store.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 10.0, state.PurchaseTotal)
	assert.Equal(t, "b1", state.BillID)
	assert.Equal(t, int64(3), metrics.Snapshot().Saga.Outcomes[string(purchase.OutcomeApplied)])

	cancel()
	<-done
	<-poolDone
}
