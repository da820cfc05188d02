package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	api "github.com/apphub-oss/tagging-service/internal/api"
	"github.com/apphub-oss/tagging-service/internal/admission"
	"github.com/apphub-oss/tagging-service/internal/catalogclient"
	"github.com/apphub-oss/tagging-service/internal/config"
	"github.com/apphub-oss/tagging-service/internal/eventbus"
	"github.com/apphub-oss/tagging-service/internal/queue"
	"github.com/apphub-oss/tagging-service/internal/scheduler"
	"github.com/apphub-oss/tagging-service/internal/store"
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

	admitter := admission.New(st, q, cfg.QueueDedupPrefix, cfg.EventRecencyWindow)
	messages, closeSub := bus.Subscribe(ctx)
	go admitter.Run(ctx, adaptMessages(messages))

	sched := scheduler.New(catalog, st, q, cfg.SchedulerInterval, cfg.SchedulerRecencyWindow, cfg.SchedulerPageSize)
	go sched.Run(ctx)

	server := api.New(cfg, st, q, redisClient)
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
	log.Printf("api shutting down, grace=%s", cfg.ShutdownGrace)
	_ = closeSub()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

// adaptMessages bridges eventbus.Bus's RawMessage channel to the plain
// []byte channel admission.Admitter.Run expects, keeping admission free of
// any dependency on the eventbus wire type.
func adaptMessages(in <-chan eventbus.RawMessage) <-chan []byte {
	out := make(chan []byte)
	go func() {
		defer close(out)
		for msg := range in {
			out <- msg.Data
		}
	}()
	return out
}
