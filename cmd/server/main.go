package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rl1809/seckill/internal/adapter/handler"
	"github.com/rl1809/seckill/internal/adapter/queue"
	"github.com/rl1809/seckill/internal/adapter/storage"
	"github.com/rl1809/seckill/internal/clock"
	"github.com/rl1809/seckill/internal/config"
	"github.com/rl1809/seckill/internal/core/domain"
	"github.com/rl1809/seckill/internal/core/service"
	"github.com/rl1809/seckill/internal/core/snowflake"
	"github.com/rl1809/seckill/internal/logger"
	"github.com/rl1809/seckill/internal/metrics"
	"github.com/rl1809/seckill/internal/port"
	"github.com/rl1809/seckill/internal/telemetry"
	"github.com/rl1809/seckill/migrations"
)

const shutdownTimeout = 10 * time.Second

// store is what the service needs from the durable database.
type store interface {
	port.OrderRepository
	port.ProductRepository
	CreateProduct(ctx context.Context, p domain.Product) (int64, error)
}

func main() {
	cfg := config.Load()

	zl, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	if err := run(cfg, zl); err != nil {
		zl.Fatal("server exited", zap.Error(err))
	}
	zl.Info("server stopped")
}

func run(cfg config.Config, zl *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.OTLPEndpoint, cfg.ServiceName)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			zl.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	rec, err := metrics.New(nil)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	db, closeDB, err := openStore(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer closeDB()
	zl.Info("connected to database", zap.String("driver", cfg.DB.Driver))

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	zl.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))

	publisher, err := queue.NewPublisher(cfg.RabbitMQ.URL, zl.Named("publisher"))
	if err != nil {
		return fmt.Errorf("connect rabbitmq: %w", err)
	}
	defer publisher.Close()
	zl.Info("connected to rabbitmq")

	clk := clock.NewSystem()
	ids, err := snowflake.NewGenerator(cfg.Snowflake.DatacenterID, cfg.Snowflake.WorkerID, clk)
	if err != nil {
		return err
	}
	filter, err := storage.NewBloomFilter(rdb, storage.BloomKey, cfg.Bloom.Capacity, cfg.Bloom.ErrorRate)
	if err != nil {
		return err
	}
	ledger := storage.NewRedisAdapter(rdb)
	tokens := storage.NewRedisTokenStore(rdb, cfg.Order.TokenSecret, cfg.Order.TokenTTL)
	limiter := storage.NewSlidingWindowLimiter(rdb, clk, cfg.RateLimit.Threshold, cfg.RateLimit.Window, cfg.RateLimit.TTL)

	deps := service.Deps{
		Filter:    filter,
		Products:  ledger,
		Ledger:    ledger,
		Tokens:    tokens,
		Results:   tokens,
		IDs:       ids,
		Publisher: publisher,
		Orders:    db,
		Clock:     clk,
		Metrics:   rec,
		Logger:    zl,
	}
	svcCfg := service.DefaultConfig()
	svcCfg.PaymentTimeout = cfg.Order.PaymentTimeout
	svcCfg.ResultTTL = cfg.Order.TokenTTL
	svcCfg.Persist = service.Retries(cfg.Order.PersistRetries, cfg.Order.PersistBackoff)
	svcCfg.Timeout = service.Retries(cfg.Order.TimeoutRetries, cfg.Order.TimeoutBackoff)

	orders := service.NewOrderService(deps, svcCfg)
	worker := service.NewOrderWorker(deps, svcCfg)
	supervisor := service.NewTimeoutSupervisor(deps, svcCfg)
	catalog := service.NewCatalogService(db, ledger, filter, clk, cfg.Catalog.WarmUpWindow, zl)

	if cfg.SeedDemo {
		if err := seedDemo(ctx, db, clk.Now(), zl); err != nil {
			return err
		}
	}

	// Populate the filter and snapshots before taking traffic.
	if _, err := catalog.RefreshStatuses(ctx); err != nil {
		zl.Warn("initial status refresh", zap.Error(err))
	}
	if n, err := catalog.WarmUp(ctx); err != nil {
		zl.Warn("initial warm up", zap.Error(err))
	} else {
		zl.Info("initial warm up done", zap.Int("products", n))
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(logger.RequestLogger(zl.Named("http")))
	limit := handler.RateLimit(limiter, rec, zl.Named("ratelimit"))
	if !cfg.RateLimit.Enabled {
		limit = func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	if cfg.PaymentNotifySecret == "" {
		zl.Warn("PAYMENT_NOTIFY_SECRET not set, payment callbacks are accepted from any caller")
	}
	handler.NewHTTPHandler(orders, catalog, zl.Named("http")).Register(e,
		handler.Identity(cfg.JWTSecret), limit, handler.NotifySecret(cfg.PaymentNotifySecret))

	interceptors := []grpc.UnaryServerInterceptor{handler.LoggingInterceptor(zl.Named("grpc"))}
	if cfg.RateLimit.Enabled {
		interceptors = append(interceptors, handler.RateLimitInterceptor(limiter, rec, zl.Named("ratelimit")))
	}
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(interceptors...))
	handler.RegisterSeckillServer(grpcServer, handler.NewGRPCHandler(orders))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(handler.ServiceName, healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		zl.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := e.Start(cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		zl.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	createConsumer := queue.NewConsumer(cfg.RabbitMQ.URL, queue.QueueCreateOrder,
		cfg.RabbitMQ.WorkerCount, cfg.RabbitMQ.Prefetch,
		queue.JSONHandler(worker.HandleCreateOrder), zl.Named("consumer"))
	timeoutConsumer := queue.NewConsumer(cfg.RabbitMQ.URL, queue.QueueOrderTimeout,
		cfg.RabbitMQ.WorkerCount, cfg.RabbitMQ.Prefetch,
		queue.JSONHandler(supervisor.HandleTimeout), zl.Named("consumer"))
	g.Go(func() error { return createConsumer.Run(gctx) })
	g.Go(func() error { return timeoutConsumer.Run(gctx) })

	g.Go(func() error {
		catalog.Run(gctx, cfg.Catalog.WarmUpEvery, cfg.Catalog.StatusEvery)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		zl.Info("shutting down")
		healthServer.Shutdown()

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := e.Shutdown(sctx); err != nil {
			zl.Warn("http shutdown", zap.Error(err))
		}
		grpcServer.GracefulStop()
		return nil
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg config.DBConfig) (store, func(), error) {
	switch cfg.Driver {
	case "postgres":
		pcfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("parse postgres dsn: %w", err)
		}
		pcfg.MaxConns = int32(cfg.MaxOpen)
		pcfg.MaxConnLifetime = cfg.MaxLifetime
		pool, err := pgxpool.NewWithConfig(ctx, pcfg)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		if err := migrations.ApplyPostgres(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return storage.NewPostgresAdapter(pool), pool.Close, nil

	case "mysql", "":
		db, err := sql.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open mysql: %w", err)
		}
		db.SetMaxOpenConns(cfg.MaxOpen)
		db.SetMaxIdleConns(cfg.MaxIdle)
		db.SetConnMaxLifetime(cfg.MaxLifetime)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("ping mysql: %w", err)
		}
		if err := migrations.ApplyMySQL(ctx, db); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrate mysql: %w", err)
		}
		return storage.NewMySQLAdapter(db), func() { _ = db.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.Driver)
}

// seedDemo inserts sales running now plus one opening shortly.
func seedDemo(ctx context.Context, db store, now time.Time, zl *zap.Logger) error {
	demo := []domain.Product{
		{Name: "Phone 15 Pro 256GB", BasePrice: decimal.RequireFromString("999.00"), SellPrice: decimal.RequireFromString("599.00"), Stock: 100},
		{Name: "Noise Cancelling Headphones", BasePrice: decimal.RequireFromString("349.00"), SellPrice: decimal.RequireFromString("149.00"), Stock: 50},
		{Name: "Mechanical Keyboard", BasePrice: decimal.RequireFromString("129.00"), SellPrice: decimal.RequireFromString("59.00"), Stock: 20},
	}
	for i, p := range demo {
		p.TotalStock = p.Stock
		p.StartTime = now.Add(-time.Minute)
		p.Status = domain.ProductStatusActive
		if i == len(demo)-1 {
			p.StartTime = now.Add(2 * time.Minute)
			p.Status = domain.ProductStatusPending
		}
		p.EndTime = now.Add(2 * time.Hour)
		id, err := db.CreateProduct(ctx, p)
		if err != nil {
			return fmt.Errorf("seed product %q: %w", p.Name, err)
		}
		zl.Info("seeded demo product", zap.Int64("product_id", id), zap.String("name", p.Name))
	}
	return nil
}
