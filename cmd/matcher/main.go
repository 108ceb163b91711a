package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/hypermarket/params"
	"github.com/uhyunpark/hypermarket/pkg/api"
	"github.com/uhyunpark/hypermarket/pkg/app/core/settlement"
	"github.com/uhyunpark/hypermarket/pkg/app/matcher"
	"github.com/uhyunpark/hypermarket/pkg/broadcast"
	"github.com/uhyunpark/hypermarket/pkg/storage"
	"github.com/uhyunpark/hypermarket/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Log.File != "" {
		logger, err = util.NewLoggerWithFile(cfg.Log.File, cfg.Log.Level)
	} else {
		logger, err = util.NewLogger(cfg.Log.Level)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Log.File, "level", cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Storage ----
	store, err := openStore(ctx, cfg.Store, sugar)
	if err != nil {
		sugar.Fatalw("store_init_failed", "backend", cfg.Store.Backend, "err", err)
	}
	defer store.Close()

	// ---- Broadcast ----
	hub := api.NewHub(logger)
	sinks := broadcast.Multi{hub}
	if len(cfg.Broadcast.KafkaBrokers) > 0 {
		sinks = append(sinks, broadcast.NewKafkaPublisher(cfg.Broadcast.KafkaBrokers, cfg.Broadcast.KafkaTopic))
		sugar.Infow("kafka_publisher_enabled", "brokers", cfg.Broadcast.KafkaBrokers, "topic", cfg.Broadcast.KafkaTopic)
	}
	if cfg.Broadcast.RedisAddr != "" {
		sinks = append(sinks, broadcast.NewRedisPublisher(cfg.Broadcast.RedisAddr, cfg.Broadcast.RedisChannelPrefix))
		sugar.Infow("redis_publisher_enabled", "addr", cfg.Broadcast.RedisAddr, "prefix", cfg.Broadcast.RedisChannelPrefix)
	}
	defer sinks.Close()

	// ---- Matcher ----
	policy, err := settlement.ParseFeePolicy(cfg.Fees.Policy)
	if err != nil {
		sugar.Fatalw("invalid_fee_policy", "err", err)
	}
	worker := matcher.NewWorker(store, matcher.Config{
		BatchSize:    cfg.Matcher.BatchSize,
		ClaimTimeout: cfg.Matcher.ClaimTimeout,
		Fees: settlement.FeeSchedule{
			RateBps:  cfg.Fees.RateBps,
			Currency: cfg.Fees.Currency,
			Policy:   policy,
		},
	}, logger, matcher.WithPublisher(sinks))

	sugar.Infow("matcher_starting",
		"worker", worker.ID(),
		"backend", cfg.Store.Backend,
		"batch_size", cfg.Matcher.BatchSize,
		"interval_ms", cfg.Matcher.Interval.Milliseconds(),
		"fee_bps", cfg.Fees.RateBps,
		"fee_policy", policy.String())

	// ---- API Server ----
	apiServer := api.NewServer(worker, store, hub, api.Options{AllowedOrigins: cfg.API.AllowedOrigins}, logger)
	go func() {
		if err := apiServer.Start(cfg.API.Addr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	// Periodic runs are optional; without them the matcher only runs when invoked
	if cfg.Matcher.Interval > 0 {
		go worker.Run(ctx, cfg.Matcher.Interval)
	}

	<-ctx.Done()
	sugar.Info("shutting_down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("api_shutdown_failed", "err", err)
	}
}

func openStore(ctx context.Context, cfg params.Store, sugar *zap.SugaredLogger) (storage.Store, error) {
	switch cfg.Backend {
	case "postgres":
		pg, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		sugar.Infow("store_opened", "backend", "postgres")
		return pg, nil
	default:
		pb, err := storage.NewPebbleStore(cfg.PebblePath)
		if err != nil {
			return nil, err
		}
		sugar.Infow("store_opened", "backend", "pebble", "path", cfg.PebblePath)
		return pb, nil
	}
}
