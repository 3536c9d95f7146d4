package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ignite/relay-rotor/internal/api"
	"github.com/ignite/relay-rotor/internal/auditlog"
	"github.com/ignite/relay-rotor/internal/config"
	"github.com/ignite/relay-rotor/internal/pkg/distlock"
	"github.com/ignite/relay-rotor/internal/rotation"
	"github.com/ignite/relay-rotor/internal/store"
	"github.com/ignite/relay-rotor/internal/templates"
	"github.com/ignite/relay-rotor/internal/transport"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if os.Getenv("DATABASE_URL") != "" {
		log.Println("[config] DATABASE_URL env override active")
	}

	// Pre-flight check: verify the target port is available
	host := cfg.Server.GetHost()
	addr := fmt.Sprintf("%s:%d", host, cfg.Server.Port)
	if err := api.CheckPortAvailable(addr); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}
	log.Printf("Pre-flight check passed: %s is available", addr)

	ctx := context.Background()

	// Postgres (optional; in-memory stores are used when unset)
	var db *sql.DB
	if cfg.Database.URL != "" {
		db, err = sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Minute)
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			log.Fatalf("Database ping failed: %v", err)
		}
		log.Println("[db] connected")
	} else {
		log.Println("[db] DATABASE_URL not set, using in-memory stores")
	}

	// Redis (optional; config falls back to static defaults without it)
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Printf("[redis] unreachable (%v), hot config and daily limits degrade to defaults", err)
		} else {
			log.Println("[redis] connected")
		}
	}

	// Persistence
	var providerStore rotation.ProviderStore
	var auditStore auditlog.Store
	var templateStore templates.Store
	if db != nil {
		ps := store.NewProviderStore(db)
		as := auditlog.NewPostgresStore(db)
		ts := templates.NewPostgresStore(db)
		for name, ensure := range map[string]func(context.Context) error{
			"providers": ps.EnsureSchema,
			"audit":     as.EnsureSchema,
			"templates": ts.EnsureSchema,
		} {
			if err := ensure(ctx); err != nil {
				log.Fatalf("Schema setup failed (%s): %v", name, err)
			}
		}
		providerStore, auditStore, templateStore = ps, as, ts
	} else {
		auditStore = auditlog.NewMemoryStore()
		templateStore = templates.NewMemoryStore()
	}

	// Rotation engine
	registry := rotation.NewRegistry(providerStore)
	if err := registry.Load(ctx); err != nil {
		log.Fatalf("Failed to load providers: %v", err)
	}
	if len(registry.List("", false)) == 0 && len(cfg.Providers) > 0 {
		seedBootstrapProviders(ctx, cfg, registry, redisClient, db)
	}

	health := rotation.NewHealthTracker()
	counters := auditlog.NewCounters(redisClient)
	selector := rotation.NewSelector(registry, health, counters)
	settings := rotation.NewSettings(redisClient, cfg.Rotation.Defaults())

	dispatcher := transport.NewDispatcher()
	defer dispatcher.Close()

	orchestrator := rotation.NewOrchestrator(selector, health, settings, dispatcher, auditStore, counters)
	if d := cfg.Delivery.AttemptTimeout(); d > 0 {
		orchestrator.SetAttemptTimeout(d)
	}

	auditSvc := auditlog.NewService(auditStore, registry, health, counters)

	handlers := api.NewHandlers(orchestrator, registry, health, settings, auditSvc, templateStore)
	server := api.NewServer(handlers)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Listening on http://%s", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	if db != nil {
		db.Close()
	}
	if redisClient != nil {
		redisClient.Close()
	}
	log.Println("Stopped")
}

// seedBootstrapProviders writes the YAML providers into the registry on
// first boot. When shared storage is in play, a distributed lock keeps
// concurrent replicas from racing the seed; the loser reloads instead.
func seedBootstrapProviders(ctx context.Context, cfg *config.Config, registry *rotation.Registry, redisClient *redis.Client, db *sql.DB) {
	if redisClient != nil || db != nil {
		lock := distlock.NewLock(redisClient, db, "bootstrap", time.Minute)
		acquired, err := lock.Acquire(ctx)
		if err != nil {
			log.Fatalf("Bootstrap lock failed: %v", err)
		}
		if !acquired {
			log.Println("[providers] another replica is seeding, reloading")
			time.Sleep(2 * time.Second)
			if err := registry.Load(ctx); err != nil {
				log.Fatalf("Failed to reload providers: %v", err)
			}
			return
		}
		defer lock.Release(ctx)
	}

	log.Printf("[providers] seeding %d bootstrap providers", len(cfg.Providers))
	for i, pc := range cfg.Providers {
		p := pc.Provider()
		if p.CreatedAt.IsZero() {
			p.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Millisecond)
		}
		if err := registry.Upsert(ctx, p); err != nil {
			log.Fatalf("Bootstrap provider %q invalid: %v", pc.ID, err)
		}
	}
}
