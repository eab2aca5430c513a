package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"messattend/internal/config"
	"messattend/internal/ledger"
	"messattend/internal/model"
	"messattend/internal/queue"
	"messattend/internal/store"
)

// The worker drains fraud alerts off the queue into the fraud_alerts table
// so admins can review clone flags and rapid-rescan bursts out of band.
func main() {
	cfg := config.Load()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer func() { _ = db.Close() }()

	var alerts queue.Queue
	if cfg.QueueBackend == "memory" {
		log.Println("warning: memory queue backend is per-process, the worker will see nothing the api publishes")
		alerts = queue.NewInMemory(64)
	} else {
		redisClient := store.NewRedis(cfg.RedisAddr)
		alerts = queue.NewRedisQueue(redisClient.Client, "messattend:alerts")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down worker...")
		cancel()
	}()

	msgs, err := alerts.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume failed: %v", err)
	}

	repo := ledger.NewRepo(db.Client)
	log.Println("worker started, waiting for alerts")
	for msg := range msgs {
		var alert model.FraudAlert
		if err := json.Unmarshal(msg.Body, &alert); err != nil {
			log.Printf("dropping malformed alert: %v", err)
			continue
		}
		if err := repo.InsertFraudAlert(ctx, alert); err != nil {
			log.Printf("alert insert failed (kind=%s user=%s): %v", alert.Kind, alert.UserID, err)
			continue
		}
		log.Printf("recorded %s alert for user %s", alert.Kind, alert.UserID)
	}
	log.Println("Worker exited")
}
