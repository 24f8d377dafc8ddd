package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"caravel/cmd/server/config"
	"caravel/internal/adapters/httpapi"
	idempotencydb "caravel/internal/db/idempotency"
	outboxdb "caravel/internal/db/outbox"
	sagadb "caravel/internal/db/saga"
	"caravel/internal/inventory"
	"caravel/internal/messaging"
	"caravel/internal/observability"
	"caravel/internal/order"
	"caravel/internal/outbox"
	"caravel/internal/participant"
	"caravel/internal/payment"
	"caravel/internal/realtime"
	"caravel/internal/saga"
	"caravel/internal/telemetry"

	"github.com/google/uuid"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var openDB = func(driver, dsn string) (*sql.DB, error) {
	return sql.Open(driver, dsn)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := telemetry.NewLogger("caravel", slog.LevelInfo)
	if err := run(ctx, log); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *slog.Logger) error {
	dsn, err := config.LoadDatabaseURL()
	if err != nil {
		return err
	}
	redisCfg, err := config.LoadRedis()
	if err != nil {
		return err
	}
	httpCfg, err := config.LoadHTTP()
	if err != nil {
		return err
	}
	sagaCfg, err := config.LoadSaga()
	if err != nil {
		return err
	}
	relayCfg, err := config.LoadRelay()
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()

	db, err := openDB("pgx", dsn)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("close db", "error", err)
		}
	}()

	client, err := buildRedisClient(ctx, redisCfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Error("close redis", "error", err)
		}
	}()

	outboxStore, err := outboxdb.NewStoreWithSchema(ctx, db)
	if err != nil {
		return err
	}
	ledger, err := idempotencydb.NewLedgerWithSchema(ctx, db)
	if err != nil {
		return err
	}
	sagaStore, err := sagadb.NewStoreWithSchema(ctx, db, outboxStore)
	if err != nil {
		return err
	}
	orderStore, err := order.NewStoreWithSchema(ctx, db)
	if err != nil {
		return err
	}
	paymentStore, err := payment.NewStoreWithSchema(ctx, db)
	if err != nil {
		return err
	}
	inventoryStore, err := inventory.NewStoreWithSchema(ctx, db)
	if err != nil {
		return err
	}
	if err := seedStockFromEnv(ctx, inventoryStore); err != nil {
		return err
	}

	hub := realtime.NewHub()
	go hub.Run()

	coordinator := saga.NewCoordinator(sagaStore, saga.CoordinatorConfig{
		Policy:       saga.CompensationFailurePolicy(sagaCfg.CompensationPolicy),
		OnTransition: hub.BroadcastTransition,
	}, log, metrics)

	orderHandler := participant.New("order", db, ledger, outboxStore, log, metrics)
	order.NewService(orderStore, log).Register(orderHandler)
	paymentHandler := participant.New("payment", db, ledger, outboxStore, log, metrics)
	payment.NewService(paymentStore, payment.Config{MaxAmount: sagaCfg.PaymentMaxAmount}, log).Register(paymentHandler)
	inventoryHandler := participant.New("inventory", db, ledger, outboxStore, log, metrics)
	inventory.NewService(inventoryStore, log).Register(inventoryHandler)

	busCfg := messaging.StreamBusConfig{
		Group:    redisCfg.Group,
		Consumer: redisCfg.Consumer,
		MaxLen:   redisCfg.StreamMaxLen,
	}
	if redisCfg.Block != nil {
		busCfg.Block = *redisCfg.Block
	}
	if redisCfg.BatchSize != nil {
		busCfg.BatchSize = int64(*redisCfg.BatchSize)
	}
	if redisCfg.ReclaimIdle != nil {
		busCfg.ReclaimIdle = *redisCfg.ReclaimIdle
	}
	if redisCfg.MaxDeliveries != nil {
		busCfg.MaxDeliveries = int64(*redisCfg.MaxDeliveries)
	}
	bus := messaging.NewStreamBus(client, busCfg, log)

	errCh := make(chan error, 8)
	subscribe := func(topic string, fn messaging.HandlerFunc) {
		go func() {
			if err := bus.Subscribe(ctx, topic, fn); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
			}
		}()
	}
	subscribe(messaging.TopicOrderCommands, orderHandler.MessageHandler())
	subscribe(messaging.TopicPaymentCommands, paymentHandler.MessageHandler())
	subscribe(messaging.TopicInventoryCommands, inventoryHandler.MessageHandler())
	subscribe(messaging.TopicSagaReplies, coordinator.ReplyHandler())

	relay := outbox.NewRelay(outboxStore, bus, outbox.RelayConfig{
		Interval:  derefDuration(relayCfg.Interval),
		BatchSize: derefInt(relayCfg.BatchSize),
		Retry:     outbox.RetryPolicy{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second},
		Breaker:   outbox.NewCircuitBreaker(outbox.CircuitBreakerConfig{MaxFailures: 5, ResetTimeout: 2 * time.Second}),
	}, log, metrics)
	go func() {
		if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	monitorCfg := saga.MonitorConfig{}
	if sagaCfg.MonitorInterval != nil {
		monitorCfg.Interval = *sagaCfg.MonitorInterval
	}
	if sagaCfg.MonitorThreshold != nil {
		monitorCfg.Threshold = *sagaCfg.MonitorThreshold
	}
	monitor := saga.NewMonitor(sagaStore, monitorCfg, log, metrics)
	go func() {
		if err := monitor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	api := httpapi.NewHandler(coordinator, sagaStore, hub, metrics, log)
	srv := &http.Server{
		Addr:    httpCfg.Addr,
		Handler: httpapi.NewRouter(api),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	log.Info("server running", "addr", httpCfg.Addr)

	select {
	case <-ctx.Done():
		metrics.MarkShutdown(0)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown", "error", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

// seedStockFromEnv preloads inventory for a single product when
// STOCK_PRODUCT_ID and STOCK_UNITS are set. Handy for demo environments;
// production stock is managed out of band.
func seedStockFromEnv(ctx context.Context, store *inventory.Store) error {
	rawID := strings.TrimSpace(os.Getenv("STOCK_PRODUCT_ID"))
	rawUnits := strings.TrimSpace(os.Getenv("STOCK_UNITS"))
	if rawID == "" && rawUnits == "" {
		return nil
	}
	productID, err := uuid.Parse(rawID)
	if err != nil {
		return errors.New("STOCK_PRODUCT_ID must be a UUID when stock seeding is enabled")
	}
	units, err := strconv.Atoi(rawUnits)
	if err != nil || units < 0 {
		return errors.New("STOCK_UNITS must be a non-negative integer")
	}
	return store.SeedStock(ctx, productID, units)
}

func derefDuration(d *time.Duration) time.Duration {
	if d == nil {
		return 0
	}
	return *d
}

func derefInt(n *int) int {
	if n == nil {
		return 0
	}
	return *n
}
