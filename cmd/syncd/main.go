package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/fathima-sithara/groupsync/internal/api"
	"github.com/fathima-sithara/groupsync/internal/auth"
	"github.com/fathima-sithara/groupsync/internal/config"
	"github.com/fathima-sithara/groupsync/internal/engine"
	"github.com/fathima-sithara/groupsync/internal/events"
	"github.com/fathima-sithara/groupsync/internal/feed"
	"github.com/fathima-sithara/groupsync/internal/feed/mongofeed"
	"github.com/fathima-sithara/groupsync/internal/feed/redisfeed"
	"github.com/fathima-sithara/groupsync/internal/logger"
	"github.com/fathima-sithara/groupsync/internal/metrics"
	"github.com/fathima-sithara/groupsync/internal/repository"
	"github.com/fathima-sithara/groupsync/internal/session"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config load: %v", err)
	}
	zlog, err := logger.New(logger.Config{Development: cfg.App.Env == "development"})
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer zlog.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		zlog.Fatalw("mongo connect", "err", err)
	}
	if err := mongoClient.Ping(ctx, nil); err != nil {
		zlog.Fatalw("mongo ping", "err", err)
	}
	cancel()
	db := mongoClient.Database(cfg.Mongo.Database)

	var jv *auth.JWTValidator
	if cfg.JWT.Algorithm == "RS256" {
		jv, err = auth.NewRS256(cfg.JWT.PublicKeyPath)
	} else {
		jv, err = auth.NewHS256(cfg.JWT.HSSecret)
	}
	if err != nil {
		zlog.Fatalw("jwt validator init", "err", err)
	}

	var (
		changeFeed feed.Feed
		feedPub    feed.Publisher
	)
	switch cfg.Sync.Feed {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rf := redisfeed.New(rdb, cfg.Redis.Prefix, zlog)
		changeFeed, feedPub = rf, rf
		defer rdb.Close()
	default:
		changeFeed = mongofeed.New(db, zlog)
	}

	repo := repository.NewMongoRepo(db, feedPub, zlog)

	var publisher engine.MessagePublisher
	if cfg.Kafka.Enabled {
		kp := events.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, zlog)
		defer kp.Close()
		publisher = kp
	}

	opts := engine.Options{
		FetchRetries: cfg.Sync.FetchRetries,
		RetryBackoff: cfg.Sync.RetryBackoff,
		FetchTimeout: cfg.Sync.FetchTimeout,
		NotifyBuffer: cfg.Sync.NotifyBuffer,
	}
	sessions := session.NewManager(func(userID string) *engine.Engine {
		return engine.New(userID, repo, changeFeed, publisher, opts, zlog.With("user", userID))
	}, zlog)

	srv := api.NewServer(sessions, jv, zlog)

	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.App.MetricsPort),
		Handler: metrics.Handler(),
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Errorw("metrics server", "err", err)
		}
	}()

	errs := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.App.Port)
		zlog.Infow("starting groupsync", "addr", addr, "feed", cfg.Sync.Feed)
		errs <- srv.Listen(addr)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case e := <-errs:
		zlog.Fatalw("server error", "err", e)
	case s := <-sig:
		zlog.Infow("signal received", "signal", s.String())
	}

	if err := srv.Shutdown(); err != nil {
		zlog.Warnw("server shutdown", "err", err)
	}
	sessions.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	if err := mongoClient.Disconnect(shutdownCtx); err != nil {
		zlog.Warnw("mongo disconnect", "err", err)
	}
	zlog.Info("shut down")
}
