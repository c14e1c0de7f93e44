package shared

import (
	"testing"
	"time"
)

// TestLoadConfigDefaults verifies a bare environment selects the in-process backends
func TestLoadConfigDefaults(t *testing.T) {
	for _, k := range []string{"REDIS_ADDR", "STORE_BACKEND", "QUEUE_BACKEND", "MAX_WORKERS", "ADMIN_TOKEN", "ALLOWED_ORIGINS", "PUBLIC_API_BASE_URL", "ENGINE_TEXT_OVERLAYS"} {
		t.Setenv(k, "")
	}
	cfg := LoadConfig()
	if cfg.StoreBackend != StoreMemory || cfg.QueueBackend != QueueNone {
		t.Fatalf("unexpected backends %s/%s", cfg.StoreBackend, cfg.QueueBackend)
	}
	if cfg.MaxWorkers != DefaultMaxWorkers || cfg.AdminToken != DefaultAdminToken {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.DispatchAttempts != 3 || cfg.DispatchBackoff != 5*time.Second || cfg.InlineScheduleTimeout != 10*time.Second {
		t.Fatalf("unexpected dispatch policy %d/%v/%v", cfg.DispatchAttempts, cfg.DispatchBackoff, cfg.InlineScheduleTimeout)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" || !cfg.TextOverlays {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

// TestLoadConfigFromEnv verifies explicit settings win and bad numbers fall back
func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("STORE_BACKEND", "SQLite")
	t.Setenv("QUEUE_BACKEND", "")
	t.Setenv("MAX_WORKERS", "0")
	t.Setenv("DISPATCH_BACKOFF_SECONDS", "1")
	t.Setenv("ALLOWED_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("PUBLIC_API_BASE_URL", "https://api.example/")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("ENGINE_TEXT_OVERLAYS", "false")

	cfg := LoadConfig()
	if cfg.StoreBackend != StoreSQLite || cfg.QueueBackend != QueueRedis {
		t.Fatalf("unexpected backends %s/%s", cfg.StoreBackend, cfg.QueueBackend)
	}
	if cfg.MaxWorkers != DefaultMaxWorkers {
		t.Fatalf("invalid MAX_WORKERS should fall back, got %d", cfg.MaxWorkers)
	}
	if cfg.DispatchBackoff != time.Second {
		t.Fatalf("unexpected backoff %v", cfg.DispatchBackoff)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins %q", cfg.AllowedOrigins)
	}
	if cfg.PublicAPIBaseURL != "https://api.example" || len(cfg.KafkaBrokers) != 2 || cfg.TextOverlays {
		t.Fatalf("unexpected config %+v", cfg)
	}
}
