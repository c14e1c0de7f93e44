// Package bootstrap wires configuration, backends and the pipeline for the binaries.
package bootstrap

import (
	"context"
	"fmt"
	"log"
	"os"

	redis "github.com/redis/go-redis/v9"

	"video-overlay-api-scalable/compositor"
	"video-overlay-api-scalable/dispatch"
	"video-overlay-api-scalable/engine"
	"video-overlay-api-scalable/shared"
	"video-overlay-api-scalable/status"
	"video-overlay-api-scalable/transcoder"
)

// Services is everything a binary needs to serve the pipeline
type Services struct {
	Config     *shared.Config
	Redis      *redis.Client
	DB         shared.DatabaseClient
	Queue      shared.MessageQueueClient
	Engine     *engine.FFmpeg
	Worker     *transcoder.Worker
	Dispatcher *dispatch.Dispatcher
	Status     *status.Service
}

// Open connects the configured backends and starts the dispatcher's health state
func Open(ctx context.Context, cfg *shared.Config) (*Services, error) {
	for _, dir := range []string{cfg.UploadDir, cfg.OutputDir} {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	s := &Services{Config: cfg}
	s.Redis = shared.NewRedisClient(cfg)
	if s.Redis != nil {
		if err := shared.PingRedis(ctx, s.Redis); err != nil {
			log.Printf("WARN: Redis at %s not reachable at startup: %v", cfg.RedisAddr, err)
		} else {
			log.Printf("INFO: Connected to Redis at %s", cfg.RedisAddr)
		}
	}

	db, err := shared.OpenDatabase(cfg, s.Redis)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreBackend, err)
	}
	s.DB = db
	log.Printf("INFO: Job store backend: %s", cfg.StoreBackend)

	queue, err := shared.OpenQueue(cfg, s.Redis)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open %s queue: %w", cfg.QueueBackend, err)
	}
	s.Queue = queue
	log.Printf("INFO: Backend queue: %s", cfg.QueueBackend)

	s.Engine = engine.New(cfg.FFmpegPath, cfg.FFprobePath)
	s.Worker = transcoder.New(s.DB, s.Engine, transcoder.Config{
		OutputDir:        cfg.OutputDir,
		PublicAPIBaseURL: PublicBaseURL(cfg),
		Compositor: compositor.Options{
			BaseDir:      cfg.UploadDir,
			TextOverlays: cfg.TextOverlays,
		},
		Debug: cfg.Debug,
	})
	s.Dispatcher = dispatch.New(s.DB, s.Queue, s.Worker, dispatch.ConfigFrom(cfg))
	s.Dispatcher.Start(ctx)
	s.Status = status.NewService(s.DB)
	return s, nil
}

// PublicBaseURL is the configured public API URL, or the local gateway address
func PublicBaseURL(cfg *shared.Config) string {
	if cfg.PublicAPIBaseURL != "" {
		return cfg.PublicAPIBaseURL
	}
	return "http://localhost:" + cfg.APIGatewayPort
}

// Close stops running jobs and releases backends in reverse order
func (s *Services) Close() {
	if s.Dispatcher != nil {
		s.Dispatcher.Close()
	}
	if s.Queue != nil {
		if err := s.Queue.Close(); err != nil {
			log.Printf("WARN: closing queue: %v", err)
		}
	}
	if s.DB != nil {
		if err := s.DB.Close(); err != nil {
			log.Printf("WARN: closing job store: %v", err)
		}
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			log.Printf("WARN: closing redis client: %v", err)
		}
	}
}
