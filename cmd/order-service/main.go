// @title        Marketplace order service
// @version      1.0
// @description  Orders, frozen quotes and the payment saga of the marketplace.
// @BasePath     /
package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/MikeMC777/marketplace-saga/docs"
	"github.com/MikeMC777/marketplace-saga/internal/config"
	"github.com/MikeMC777/marketplace-saga/internal/gateway"
	"github.com/MikeMC777/marketplace-saga/internal/grpcx"
	"github.com/MikeMC777/marketplace-saga/internal/guard"
	"github.com/MikeMC777/marketplace-saga/internal/httpx"
	"github.com/MikeMC777/marketplace-saga/internal/logx"
	"github.com/MikeMC777/marketplace-saga/internal/memstore"
	"github.com/MikeMC777/marketplace-saga/internal/order"
	"github.com/MikeMC777/marketplace-saga/internal/outbox"
	"github.com/MikeMC777/marketplace-saga/internal/payment"
	"github.com/MikeMC777/marketplace-saga/internal/postgres"
	"github.com/MikeMC777/marketplace-saga/internal/reconcile"
)

// appStore is what the service needs from a storage backend.
type appStore interface {
	order.Store
	Ping(ctx context.Context) error
	Outbox() outbox.Repository
}

type app struct {
	store     appStore
	assembler *order.Assembler
	saga      *payment.Saga
	orders    *order.Service
}

func newRouter(a *app, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), httpx.RequestID(), httpx.Logger(logger), httpx.Metrics(), httpx.Identity())

	r.GET("/healthz", func(c *gin.Context) {
		if err := a.store.Ping(c.Request.Context()); err != nil {
			c.String(http.StatusServiceUnavailable, "store unavailable")
			return
		}
		c.String(http.StatusOK, "ok")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	r.POST("/items", createItemHandler(a.store.Items()))
	r.GET("/items", listItemsHandler(a.store.Items()))

	r.POST("/orders", createOrderHandler(a.assembler))
	r.GET("/orders/:id", getOrderHandler(a.orders))
	r.GET("/orders/user/:user_id", listOrdersByUserHandler(a.orders))
	r.POST("/orders/:id/payment", initiatePaymentHandler(a.saga))
	r.POST("/orders/:id/cancel", cancelOrderHandler(a.saga))
	r.PUT("/orders/:id/status", updateOrderStatusHandler(a.orders))

	// the gateway returns the buyer with POST (form) or GET (query)
	r.POST("/payments/confirm", confirmPaymentHandler(a.saga))
	r.GET("/payments/confirm", confirmPaymentHandler(a.saga))
	return r
}

func openStore(ctx context.Context, cfg config.Config) (appStore, func(), error) {
	if cfg.StoreDriver == "memory" {
		return memstore.New(), func() {}, nil
	}
	if err := postgres.Migrate(cfg.PostgresDSN, postgres.Up); err != nil {
		return nil, nil, err
	}
	pool, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	return postgres.NewStore(pool), pool.Close, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logx.New("order-service", cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	cfg.Log(logger)

	if cfg.Env != "local" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal("store", zap.Error(err))
	}
	defer closeStore()

	var locker guard.Locker = guard.Nop{}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		locker = guard.NewRedisLocker(rdb)
	}

	gw := gateway.NewClient(cfg.GatewayBaseURL, cfg.GatewayCommerceCode, cfg.GatewayAPIKey, cfg.GatewayTimeout)
	a := &app{
		store:     store,
		assembler: order.NewAssembler(store, cfg.StockPolicy),
		saga: payment.NewSaga(store, gw, cfg.StockPolicy,
			payment.WithLocker(locker),
			payment.WithLockTTL(cfg.ConfirmLockTTL),
			payment.WithTokenTTL(cfg.GatewayTokenTTL),
			payment.WithReturnURL(cfg.PaymentReturnURL)),
		orders: order.NewService(store),
	}

	var pub outbox.Publisher = outbox.LogPublisher{Log: logger}
	if len(cfg.KafkaBrokers) > 0 {
		kp := outbox.NewKafkaPublisher(cfg.OutboxTopic, cfg.KafkaBrokers...)
		defer kp.Close()
		pub = kp
	}
	go outbox.NewPoller(store.Outbox(), pub, time.Second, logger).Run(ctx)

	rec := reconcile.New(store, a.saga, reconcile.Config{AbandonAfter: cfg.ReservationTTL}, logger)
	go rec.Loop(ctx, cfg.ReconcileEvery)

	grpcSrv, health := grpcx.NewServer(store, logger)
	go health.Watch(ctx, 10*time.Second)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("grpc listen", zap.Error(err))
	}
	go func() {
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Error("grpc serve", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:              cfg.OrderSvcAddr,
		Handler:           newRouter(a, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("order-service listening", zap.String("addr", cfg.OrderSvcAddr), zap.String("grpc_addr", cfg.GRPCAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http serve", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	grpcSrv.GracefulStop()
}
