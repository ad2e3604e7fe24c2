package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"github.com/rl1809/grocery-booking/internal/adapter/handler"
	"github.com/rl1809/grocery-booking/internal/adapter/messaging"
	"github.com/rl1809/grocery-booking/internal/adapter/storage"
	"github.com/rl1809/grocery-booking/internal/config"
	"github.com/rl1809/grocery-booking/internal/core/service"
	"github.com/rl1809/grocery-booking/internal/logging"
	"github.com/rl1809/grocery-booking/internal/metrics"
	"github.com/rl1809/grocery-booking/internal/port"
)

const (
	publisherWorkers = 4
	publisherQueue   = 10000
	shutdownTimeout  = 10 * time.Second
)

func main() {
	boot := logging.New("")
	cfg, err := config.Load(boot)
	if err != nil {
		boot.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel)
	if err := run(cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize MySQL
	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return errors.Join(errors.New("mysql unreachable"), err)
	}
	if err := storage.Migrate(ctx, db); err != nil {
		return err
	}
	log.Info("connected to mysql")
	mysqlAdapter := storage.NewMySQLAdapter(db)

	// Initialize Redis when configured
	var redisAdapter *storage.RedisAdapter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			PoolSize: 100,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return errors.Join(errors.New("redis unreachable"), err)
		}
		log.Info("connected to redis", "addr", cfg.RedisAddr)
		redisAdapter = storage.NewRedisAdapter(rdb)
	}

	reg := metrics.NewRegistry()

	var ledger port.StockLedger = mysqlAdapter
	var mirror port.StockMirror
	if cfg.LedgerBackend == config.LedgerRedis {
		ledger = redisAdapter
		mirror = redisAdapter
	}
	log.Info("stock ledger selected", "backend", cfg.LedgerBackend)

	catalog := service.NewCatalogService(mysqlAdapter, mirror, log)
	seeded, err := catalog.SeedMirror(ctx)
	if err != nil {
		return err
	}
	if mirror != nil {
		log.Info("stock mirror seeded", "items", seeded)
	}

	opts := []service.Option{
		service.WithRetryPolicy(service.RetryPolicy{
			Attempts:  cfg.ReserveAttempts,
			BaseDelay: cfg.RetryBaseDelay,
			MaxDelay:  service.DefaultRetryPolicy().MaxDelay,
		}),
		service.WithLedgerTimeout(cfg.LedgerTimeout),
		service.WithMetrics(reg),
	}
	if redisAdapter != nil {
		opts = append(opts, service.WithIdempotency(redisAdapter))
	}

	var publisher *messaging.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher = messaging.NewPublisher(
			messaging.NewKafkaWriter(cfg.KafkaBrokers),
			messaging.Topics{Orders: cfg.OrderTopic, Alarms: cfg.AlarmTopic},
			log, reg, publisherWorkers, publisherQueue,
		)
		opts = append(opts, service.WithPublisher(publisher))
		log.Info("event publishing enabled", "brokers", cfg.KafkaBrokers)
	}

	booking := service.NewBookingService(ledger, mysqlAdapter, log, opts...)

	// Start gRPC server
	var grpcServer *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		grpcServer = grpc.NewServer(grpc.UnaryInterceptor(handler.LoggingInterceptor(log)))
		handler.RegisterBookingServer(grpcServer, handler.NewGRPCHandler(booking))

		go func() {
			log.Info("gRPC server listening", "addr", cfg.GRPCAddr)
			if err := grpcServer.Serve(lis); err != nil {
				log.Error("gRPC server error", "error", err)
			}
		}()
	}

	// Start HTTP server
	httpHandler := handler.NewHTTPHandler(catalog, booking, reg.Handler(), log)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpHandler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return err
	}
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP shutdown", "error", err)
	}
	log.Info("HTTP server stopped")

	if grpcServer != nil {
		grpcServer.GracefulStop()
		log.Info("gRPC server stopped")
	}

	if publisher != nil {
		if err := publisher.Close(); err != nil {
			log.Error("close publisher", "error", err)
		}
		log.Info("publisher drained")
	}
	return nil
}
