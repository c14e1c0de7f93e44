// api-gateway/main.go
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
	log.Printf("API Gateway starting on port %s", cfg.APIGatewayPort)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := bootstrap.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	defer svc.Close()

	// An in-process queue has no other consumer, so the gateway drains it itself
	if cfg.QueueBackend == shared.QueueMemory {
		go func() {
			if err := svc.Dispatcher.Run(ctx); err != nil {
				log.Printf("ERROR: in-process consumer stopped: %v", err)
			}
		}()
		log.Println("INFO: Running in-process queue consumer (QUEUE_BACKEND=memory).")
	}

	g := &gateway{
		cfg:        cfg,
		db:         svc.DB,
		dispatcher: svc.Dispatcher,
		status:     svc.Status,
		prober:     svc.Engine,
	}
	srv := &http.Server{
		Addr:              ":" + cfg.APIGatewayPort,
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		fmt.Printf("🚀 API Gateway Server running on http://localhost:%s\n", cfg.APIGatewayPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("FATAL: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("🛑 Graceful shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("WARN: HTTP shutdown: %v", err)
	}
}
