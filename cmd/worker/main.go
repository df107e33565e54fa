package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"media-ingest-pipeline/internal/batch"
	"media-ingest-pipeline/internal/catalog"
	"media-ingest-pipeline/internal/config"
	"media-ingest-pipeline/internal/events"
	"media-ingest-pipeline/internal/jobqueue"
	"media-ingest-pipeline/internal/models"
	"media-ingest-pipeline/internal/sortindex"
	"media-ingest-pipeline/internal/store"
	"media-ingest-pipeline/internal/telemetry"
	"media-ingest-pipeline/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
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

	workerID := cfg.WorkerID
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	processor := worker.NewProcessor(cfg, queue, workerID)
	worker.NewPipelineHandlers(repo, queue, builder, eventLog).Register(processor)

	artwork, err := worker.NewArtworkHandler(ctx, cfg)
	if err != nil {
		log.Fatalf("init artwork handler: %v", err)
	}
	processor.RegisterHandler(models.KindImage, artwork.Handle)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker %s started with lease_ttl=%s backoff_initial=%s", workerID, cfg.LeaseTTL, cfg.BackoffInitial)
	if err := processor.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
