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

	"github.com/ScarletRedJoker/Nebula-Command-sub013/internal/api"
	"github.com/ScarletRedJoker/Nebula-Command-sub013/internal/config"
	"github.com/ScarletRedJoker/Nebula-Command-sub013/internal/ratelimit"
	"github.com/ScarletRedJoker/Nebula-Command-sub013/internal/scheduler"
	"github.com/ScarletRedJoker/Nebula-Command-sub013/internal/store"
	"github.com/ScarletRedJoker/Nebula-Command-sub013/internal/vram"
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

	st, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	manager := vram.NewManager(st, cfg.LockLease, vram.StaleJobPolicy(cfg.StaleJobPolicy))
	sched := scheduler.New(st, manager, cfg.DefaultVramMb)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	// Background stale-lock sweep: the only mechanism that reclaims VRAM
	// from crashed or hung workers.
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				swept, err := manager.CleanupStaleLocks(ctx, cfg.StaleLockAge)
				if err != nil {
					log.Printf("stale lock sweep: %v", err)
					continue
				}
				if swept > 0 {
					log.Printf("stale lock sweep released %d lock(s)", swept)
				}
			}
		}
	}()

	server := api.New(cfg, st, sched, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("scheduler listening on :%s (store=%s lease=%s sweep=%s)",
		cfg.HTTPPort, cfg.StoreDriver, cfg.LockLease, cfg.SweepInterval)
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

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	if cfg.StoreDriver == "memory" {
		return store.NewMemory(), nil
	}
	pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if err := pg.RunMigrations(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}
