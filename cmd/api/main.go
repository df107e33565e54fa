package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	"media-ingest-pipeline/internal/api"
	"media-ingest-pipeline/internal/batch"
	"media-ingest-pipeline/internal/catalog"
	"media-ingest-pipeline/internal/config"
	"media-ingest-pipeline/internal/events"
	"media-ingest-pipeline/internal/jobqueue"
	"media-ingest-pipeline/internal/ratelimit"
	"media-ingest-pipeline/internal/sortindex"
	"media-ingest-pipeline/internal/store"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	queue := jobqueue.New(st, cfg.BackoffInitial, cfg.BackoffMax)
	allocator := batch.NewAllocator(st)
	repo := catalog.NewRepo(st, allocator)
	builder := sortindex.NewBuilder(st)
	eventLog := events.NewLog(st)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewLibraryLimiter(redisClient, ratelimit.Limit{
		Capacity:        cfg.RateLimitCapacity,
		RefillPerSecond: cfg.RateLimitRefill,
	}, time.Hour)

	server := api.New(cfg, queue, repo, allocator, builder, eventLog, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
