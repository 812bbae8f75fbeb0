package main

import (
	"database/sql"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/lumencrm/delivery-engine/internal/config"
	"github.com/lumencrm/delivery-engine/internal/pkg/distlock"
	"github.com/lumencrm/delivery-engine/internal/transport"
	"github.com/lumencrm/delivery-engine/internal/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("database url is required")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	if err := db.Ping(); err != nil {
		log.Fatalf("ping database: %v", err)
	}

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("parse redis url: %v", err)
		}
		redisClient = redis.NewClient(opt)
		defer redisClient.Close()
	}

	sender, err := transport.NewSESSender(cfg.SES.AccessKey, cfg.SES.SecretKey, cfg.SES.Region)
	if err != nil {
		log.Fatalf("ses sender: %v", err)
	}

	lock := distlock.NewLock(redisClient, db, "delivery-engine:queue-drain", time.Minute)
	w := worker.NewQueueWorker(db, sender, lock, worker.Options{
		FromName:     cfg.Site.FromName,
		FromEmail:    cfg.Site.FromEmail,
		ReplyTo:      cfg.Site.ReplyTo,
		BatchSize:    cfg.Delivery.BatchSize,
		PollInterval: cfg.Delivery.PollInterval(),
		SendTimeout:  cfg.SES.Timeout(),
	})

	w.Start()
	w.Wake() // drain anything already due at boot

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down queue worker...")
	w.Stop()
}
