package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/apphub-oss/tagging-service/internal/archive"
	"github.com/apphub-oss/tagging-service/internal/catalogclient"
	"github.com/apphub-oss/tagging-service/internal/config"
	"github.com/apphub-oss/tagging-service/internal/eventbus"
	"github.com/apphub-oss/tagging-service/internal/fileexplorer"
	"github.com/apphub-oss/tagging-service/internal/modelclient"
	"github.com/apphub-oss/tagging-service/internal/notifier"
	"github.com/apphub-oss/tagging-service/internal/queue"
	"github.com/apphub-oss/tagging-service/internal/ratelimit"
	"github.com/apphub-oss/tagging-service/internal/store"
	"github.com/apphub-oss/tagging-service/internal/telemetry"
	workerproc "github.com/apphub-oss/tagging-service/internal/worker"
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

	st, err := store.New(ctx, cfg.DatabasePath)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("parse redis url: %v", err)
	}
	redisClient := redis.NewClient(opt)
	defer redisClient.Close()

	q := queue.New(redisClient, cfg.QueueDedupPrefix)
	bus := eventbus.New(redisClient, cfg.RedisEventsChannel)

	catalog := catalogclient.New(cfg.CatalogBaseURL, cfg.CatalogToken, cfg.HTTPTimeout)
	explorer := fileexplorer.New(cfg.FileExplorerBaseURL, cfg.FileExplorerToken, cfg.HTTPTimeout)
	model := modelclient.New(cfg.AIConnectorBaseURL, cfg.AIConnectorModel, cfg.HTTPTimeout, cfg.ModelRetries, cfg.ModelBaseDelay)
	notify := notifier.New(bus, cfg.WebhookURL, cfg.HTTPTimeout)
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	archiver, err := archive.New(ctx, cfg.AuditArchiveS3Bucket, cfg.AuditArchiveS3Region, cfg.AuditArchiveS3Endpoint)
	if err != nil {
		log.Fatalf("init archiver: %v", err)
	}

	processor := workerproc.New(cfg, q, st, catalog, explorer, model, notify, archiver, limiter)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.Handler())
		if err := http.ListenAndServe(":"+cfg.HTTPPort, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	if n, err := st.ReapOrphanedRuns(ctx, cfg.ShutdownGrace*4); err != nil {
		log.Printf("worker: startup reap of orphaned runs failed: %v", err)
	} else if n > 0 {
		log.Printf("worker: reaped %d orphaned run(s) on startup", n)
	}

	reapTicker := time.NewTicker(cfg.ShutdownGrace)
	defer reapTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-reapTicker.C:
				if n, err := st.ReapOrphanedRuns(ctx, cfg.ShutdownGrace*4); err != nil {
					log.Printf("worker: reap orphaned runs failed: %v", err)
				} else if n > 0 {
					log.Printf("worker: reaped %d orphaned run(s)", n)
				}
			}
		}
	}()

	log.Printf("worker started with concurrency=%d", cfg.TaggingConcurrency)
	if err := processor.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
