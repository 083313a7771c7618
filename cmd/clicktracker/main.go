package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	clicktracker "github.com/damjankuznar/clicktracker"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := clicktracker.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Fatal("configuration failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, cleanup, err := openStore(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("store setup failed")
	}
	defer cleanup()
	log.WithField("store", store.Description()).Info("store ready")

	var buffer clicktracker.WriteBuffer
	var queue clicktracker.TaskQueue
	var resolver clicktracker.CampaignResolver
	var invalidator clicktracker.CacheInvalidator

	storeResolver := &clicktracker.StoreResolver{Store: store}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()

		buffer = clicktracker.NewRedisBuffer(client, "counters")

		redisQueue := clicktracker.NewRedisQueue(client, "tasks")
		redisQueue.PollInterval = cfg.Queue.PollInterval
		redisQueue.LeaseTTL = cfg.Queue.LeaseTTL
		redisQueue.RetryBase = cfg.Queue.RetryBase
		redisQueue.RetryMax = cfg.Queue.RetryMax
		redisQueue.TombstoneTTL = cfg.Queue.TombstoneTTL
		redisQueue.Log = log
		queue = redisQueue

		cache := clicktracker.NewRedisCampaignCache(client, storeResolver)
		cache.FreshTTL = cfg.Cache.FreshTTL
		cache.StaleTTL = cfg.Cache.StaleTTL
		cache.Log = log
		resolver = cache
		invalidator = cache
		log.WithField("addr", cfg.Redis.Addr).Info("redis buffer, queue and cache enabled")
	} else {
		buffer = clicktracker.NewMemoryBuffer()
		memQueue := clicktracker.NewMemoryQueue()
		memQueue.PollInterval = cfg.Queue.PollInterval
		memQueue.RetryBase = cfg.Queue.RetryBase
		memQueue.RetryMax = cfg.Queue.RetryMax
		memQueue.TombstoneTTL = cfg.Queue.TombstoneTTL
		queue = memQueue
		resolver = storeResolver
		log.Info("running with in-process buffer and queue")
	}

	scheduler := clicktracker.NewFlushScheduler(buffer, store, queue, cfg.FlushInterval, cfg.ShardCount, log)
	queue.Start(ctx)
	defer queue.Shutdown()

	tracker := &clicktracker.Tracker{
		Store:         store,
		Buffer:        buffer,
		Scheduler:     scheduler,
		Resolver:      resolver,
		FallbackURL:   cfg.FallbackURL,
		FlushInterval: cfg.FlushInterval,
		ShardCount:    cfg.ShardCount,
		Log:           log,
	}
	admin := &clicktracker.AdminAPI{
		Store:      store,
		Cache:      invalidator,
		Platforms:  cfg.Platforms,
		ShardCount: cfg.ShardCount,
		Username:   cfg.Admin.Username,
		Password:   cfg.Admin.Password,
		Log:        log,
	}

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: clicktracker.NewRouter(tracker, admin),
	}

	go func() {
		log.WithField("addr", cfg.Addr).Info("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server shutdown failed")
	}
}

// openStore builds the configured store and runs its schema setup. The
// returned cleanup closes the underlying connection.
func openStore(ctx context.Context, cfg clicktracker.Config, log *logrus.Logger) (clicktracker.Store, func(), error) {
	switch cfg.Store.Type {
	case "sqlite":
		db, err := sql.Open("sqlite", cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		store := clicktracker.NewSQLiteStore(db)
		if err := store.Setup(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return store, func() { db.Close() }, nil
	case "postgres":
		db, err := sql.Open("pgx", cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		store := clicktracker.NewPostgresStore(db)
		if err := store.Setup(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return store, func() { db.Close() }, nil
	case "mysql":
		db, err := sql.Open("mysql", cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		store := clicktracker.NewMySQLStore(db)
		if err := store.Setup(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return store, func() { db.Close() }, nil
	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Store.DSN))
		if err != nil {
			return nil, nil, err
		}
		store := clicktracker.NewMongoStore(client.Database(cfg.Store.MongoDatabase))
		if err := store.Setup(ctx); err != nil {
			_ = client.Disconnect(ctx)
			return nil, nil, err
		}
		cleanup := func() {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := client.Disconnect(disconnectCtx); err != nil {
				log.WithError(err).Warn("mongo disconnect failed")
			}
		}
		return store, cleanup, nil
	default:
		return nil, nil, errors.New("unknown store type " + cfg.Store.Type)
	}
}
