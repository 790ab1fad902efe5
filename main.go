package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	cfg := LoadConfig()

	if cfg.SessionPubKey == "" {
		log.Fatal("SYNC_SESSION_PUBKEY is required")
	}
	verifier, err := NewSessionVerifier(cfg.SessionPubKey)
	if err != nil {
		log.Fatalf("session key: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var (
		store   SnapshotStore
		access  RoomAccess = OpenAccess{}
		channel Channel
		checks  []HealthCheck
	)

	if cfg.MongoURI != "" {
		ms, err := NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			log.Fatalf("mongo: %v", err)
		}
		defer ms.Close(context.Background())
		store = ms
		access = ms
		checks = append(checks, HealthCheck{Name: "mongodb", Ping: ms.Ping})
	} else {
		log.Println("WARNING: no SYNC_MONGO_URI — snapshots are not durable and every user may join any room")
	}

	if cfg.RedisAddr != "" {
		rc, err := NewRedisChannel(cfg.RedisAddr)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		defer rc.Close()
		channel = rc
		checks = append(checks, HealthCheck{Name: "redis", Ping: rc.Ping})
	} else {
		log.Println("WARNING: no SYNC_REDIS_ADDR — cross-instance propagation disabled")
	}

	metrics := NewCounterMetrics()
	manager := NewRoomManager(cfg, store, channel, metrics)
	srv := NewServer(cfg, manager, verifier, access, metrics, checks)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("shutting down...")
		manager.Shutdown()
		srv.Shutdown()
	}()

	log.Printf("canvas sync starting on %s", cfg.Addr)
	if err := srv.ListenAndServe(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
