// call-reaper ends pending calls that have rung for longer than the stale
// threshold. It runs one sweep and exits, for use from cron or a Kubernetes
// CronJob when the in-process reaper of call-service is disabled.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	intDatabase "chatcall-backend/internal/database"
	"chatcall-backend/internal/notify"
	"chatcall-backend/internal/repository/cockroach"
	callService "chatcall-backend/internal/service/call"
	"chatcall-backend/pkg/config"
	pkgDatabase "chatcall-backend/pkg/database"
	"chatcall-backend/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var (
		threshold time.Duration
		timeout   time.Duration
		notifyOn  bool
	)
	flagSet := pflag.NewFlagSet("call-reaper", pflag.ContinueOnError)
	flagSet.DurationVar(&threshold, "threshold", cfg.Calls.StaleThreshold, "end pending calls that started longer ago than this")
	flagSet.DurationVar(&timeout, "timeout", time.Minute, "give up on the sweep after this long")
	flagSet.BoolVar(&notifyOn, "notify", true, "publish call.ended events to the redis channels of both parties")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if err := logger.Init(&logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		Output:      cfg.Log.Output,
		FilePath:    cfg.Log.FilePath,
		ServiceName: "call-reaper",
	}); err != nil {
		return fmt.Errorf("failed to initialise logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	db, err := pkgDatabase.NewCockroachDB(ctx, &pkgDatabase.CockroachConfig{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: 2,
		MinConns: 1,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	opts := []callService.Option{callService.WithStoreTimeout(cfg.Calls.StoreTimeout)}

	var dispatcher *notify.Dispatcher
	if notifyOn {
		redisDB := intDatabase.NewRedisDB(&intDatabase.RedisConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: 2,
			Timeout:  cfg.Redis.Timeout,
		})
		defer redisDB.Close()
		if err := redisDB.HealthCheck(ctx); err != nil {
			logger.Warn("Redis unavailable, reaped calls will not be announced", zap.Error(err))
		}

		dispatcher = notify.NewDispatcher(notify.DispatcherConfig{
			Workers: 1,
			Timeout: cfg.Calls.NotifyTimeout,
		}, notify.NewRedisSink(redisDB))
		opts = append(opts, callService.WithNotifier(dispatcher))
	}

	manager := callService.NewManager(
		cockroach.NewCallRepository(db.Pool),
		cockroach.NewBlockedUserRepository(db.Pool),
		cockroach.NewConversationRepository(db.Pool),
		opts...,
	)

	n, reapErr := manager.ReapStale(ctx, threshold)

	if dispatcher != nil {
		if err := dispatcher.Close(ctx); err != nil {
			logger.Warn("Some call.ended events were not delivered", zap.Error(err))
		}
	}

	logger.Info("Reaper sweep finished", zap.Int("reaped", n), zap.Duration("threshold", threshold))
	fmt.Printf("reaped %d stale call(s)\n", n)
	return reapErr
}
