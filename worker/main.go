// worker/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"video-overlay-api-scalable/bootstrap"
	"video-overlay-api-scalable/shared"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("INFO: no .env file loaded, using process environment")
	}
	cfg := shared.LoadConfig()
	log.Printf("Worker Service starting on port %s with %d max concurrent jobs", cfg.WorkerPort, cfg.MaxWorkers)

	if cfg.QueueBackend == shared.QueueNone || cfg.QueueBackend == shared.QueueMemory {
		log.Fatalf("FATAL: worker needs a shared backend queue (redis or kafka), got QUEUE_BACKEND=%s", cfg.QueueBackend)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := bootstrap.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	defer svc.Close()

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := svc.Dispatcher.Run(ctx); err != nil {
			log.Printf("ERROR: queue consumer stopped: %v", err)
			stop()
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/health", healthHandler(cfg, svc.Dispatcher))
	srv := &http.Server{
		Addr:              ":" + cfg.WorkerPort,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		fmt.Printf("⚙️ Worker Service running on http://localhost:%s\n", cfg.WorkerPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("FATAL: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("🛑 Graceful shutdown signal received")
	<-consumerDone
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("WARN: HTTP shutdown: %v", err)
	}
}
