package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	appcart "github.com/campusmart/fulfillment/internal/application/cart"
	appfeed "github.com/campusmart/fulfillment/internal/application/feed"
	"github.com/campusmart/fulfillment/internal/application/notify"
	"github.com/campusmart/fulfillment/internal/application/postorder"
	appstock "github.com/campusmart/fulfillment/internal/application/stock"
	"github.com/campusmart/fulfillment/internal/config"
	"github.com/campusmart/fulfillment/internal/docstore/memory"
	"github.com/campusmart/fulfillment/internal/domain/booking"
	"github.com/campusmart/fulfillment/internal/domain/cart"
	domfeed "github.com/campusmart/fulfillment/internal/domain/feed"
	domorder "github.com/campusmart/fulfillment/internal/domain/order"
	domstock "github.com/campusmart/fulfillment/internal/domain/stock"
	amqpnotifier "github.com/campusmart/fulfillment/internal/infrastructure/amqp"
	"github.com/campusmart/fulfillment/internal/infrastructure/counters"
	"github.com/campusmart/fulfillment/internal/infrastructure/id"
	infraobs "github.com/campusmart/fulfillment/internal/infrastructure/observability"
	"github.com/campusmart/fulfillment/internal/infrastructure/observability/oteltrace"
	"github.com/campusmart/fulfillment/internal/infrastructure/observability/prometrics"
	"github.com/campusmart/fulfillment/internal/infrastructure/observability/zaplogger"
	infrapayment "github.com/campusmart/fulfillment/internal/infrastructure/payment"
	"github.com/campusmart/fulfillment/internal/observability"
	"github.com/campusmart/fulfillment/internal/pkg/logging"
	"github.com/campusmart/fulfillment/internal/pkg/retry"
	httppresentation "github.com/campusmart/fulfillment/internal/presentation/http"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	baseLogger := logging.MustNewLogger(cfg.ServiceName, cfg.Env)
	defer func() { _ = baseLogger.Sync() }()
	zap.ReplaceGlobals(baseLogger)
	systemLogger := logging.WithTrace(baseLogger, logging.SystemTraceID, logging.SystemSpanID)

	obsLogger := zaplogger.New(
		observability.F("service", cfg.ServiceName),
		observability.F("env", cfg.Env),
	)

	registry := prometrics.New(cfg.ServiceName, "")
	tel := infraobs.New(
		oteltrace.New(cfg.ServiceName),
		obsLogger,
		map[observability.MetricKey]observability.Counter{
			observability.MUsecaseRequests: registry.Counter(string(observability.MUsecaseRequests),
				"Total number of use case invocations.", "use_case", "outcome"),
			observability.MHTTPRequests: registry.Counter(string(observability.MHTTPRequests),
				"Total number of HTTP requests.", "method", "route", "status"),
			observability.MFeedEvents: registry.Counter(string(observability.MFeedEvents),
				"Classified change-feed events delivered.", "entity", "kind"),
			observability.MNotifications: registry.Counter(string(observability.MNotifications),
				"Merchant notifications emitted.", "entity"),
			observability.MStockClamped: registry.Counter(string(observability.MStockClamped),
				"Stock decrements floored at zero."),
			observability.MStockRetries: registry.Counter(string(observability.MStockRetries),
				"Retried stock decrement attempts."),
		},
		map[observability.MetricKey]observability.Histogram{
			observability.MUsecaseDuration: registry.Histogram(string(observability.MUsecaseDuration),
				"Duration of use case execution in seconds.", prometheus.DefBuckets, "use_case"),
			observability.MHTTPRequestDuration: registry.Histogram(string(observability.MHTTPRequestDuration),
				"Duration of HTTP requests in seconds.", prometheus.DefBuckets, "method", "route"),
		},
	)

	store := memory.New(tel.Logger())
	store.Index(domorder.Collection, "merchantId")
	store.Index(booking.Collection, "merchantId")
	store.Index(cart.Collection, cart.OwnerField)

	var counterBackend appstock.Counters = counters.NewStoreCounters(store)
	var redisCounters *counters.RedisCounters
	if cfg.RedisAddr != "" {
		client, err := counters.Dial(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			systemLogger.Warn("redis_unavailable_falling_back",
				zap.String("addr", cfg.RedisAddr),
				zap.Error(err),
			)
		} else {
			redisCounters = counters.NewRedisCounters(client)
			counterBackend = redisCounters
			defer func() { _ = client.Close() }()
		}
	}
	seedStock(store, redisCounters, systemLogger)

	ledger := appstock.NewLedger(counterBackend, tel)
	clearer := appcart.NewClearer(store, tel)
	orchestrator := postorder.NewOrchestrator(ledger, clearer, tel,
		postorder.WithRetryPolicy(retry.Policy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.StoreOpTimeout,
		}),
		postorder.WithOpTimeout(cfg.StoreOpTimeout),
	)

	var notifier notify.Notifier = notify.NewLogNotifier(tel.Logger())
	if cfg.AMQPURL != "" {
		n, err := amqpnotifier.Dial(cfg.AMQPURL, cfg.NotifyQueue, tel.Logger())
		if err != nil {
			systemLogger.Warn("amqp_unavailable_falling_back",
				zap.String("queue", cfg.NotifyQueue),
				zap.Error(err),
			)
		} else {
			notifier = n
			defer func() { _ = n.Close() }()
		}
	}

	dispatcher := notify.NewDispatcher(notifier, func(ev domfeed.Event) {
		systemLogger.Debug("event_forwarded",
			zap.String("entity", string(ev.Entity)),
			zap.String("entity_id", ev.EntityID),
			zap.String("kind", string(ev.Kind)),
		)
	}, tel)

	subscriber := appfeed.NewSubscriber(store, tel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// One merchant dashboard subscription for the demo; real embeddings call
	// Subscribe per signed-in merchant.
	merchantID := getenvDefault("DEMO_MERCHANT_ID", "merchant-demo")
	cancelFeed, err := subscriber.Subscribe(ctx, domfeed.EntityOrder, merchantID,
		func(ev domfeed.Event) { dispatcher.OnEvent(ctx, ev) },
		func(err error) {
			systemLogger.Warn("feed_error", zap.Error(err))
		},
	)
	if err != nil {
		systemLogger.Error("feed_subscribe_failed", zap.Error(err))
	} else {
		defer cancelFeed()
	}

	handler := httppresentation.NewHandler(store, infrapayment.NewStubGateway(), orchestrator, id.NewUUIDGenerator(), tel)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", handler.Router())

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}

	go func() {
		systemLogger.Info("http_server_start",
			zap.String("addr", server.Addr),
		)
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			systemLogger.Error("http_server_error",
				zap.Error(err),
			)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		systemLogger.Error("http_server_shutdown_error",
			zap.Error(err),
		)
	} else {
		systemLogger.Info("http_server_stopped")
	}
}

// seedStock loads demo quantities so checkouts have something to decrement.
// The quantities go to whichever counter backend is live.
func seedStock(store *memory.Store, redisCounters *counters.RedisCounters, logger *zap.Logger) {
	seeds := map[string]int64{
		"prod-espresso":  25,
		"prod-bagel":     40,
		"prod-notebook":  15,
		"prod-room-keys": 3,
	}
	ctx := context.Background()
	for productID, qty := range seeds {
		amount := qty
		var err error
		if redisCounters != nil {
			err = redisCounters.Seed(ctx, productID, amount)
		} else {
			_, err = store.UpdateNumeric(ctx, domstock.Collection, productID, domstock.QuantityField,
				func(int64) int64 { return amount })
		}
		if err != nil {
			logger.Warn("stock_seed_failed", zap.String("product_id", productID), zap.Error(err))
		}
	}
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
