package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/lumencrm/delivery-engine/internal/config"
	"github.com/lumencrm/delivery-engine/internal/ratelimit"
	"github.com/lumencrm/delivery-engine/internal/repository/postgres"
	"github.com/lumencrm/delivery-engine/internal/token"
	"github.com/lumencrm/delivery-engine/internal/tracking"
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
	if cfg.Tracking.SigningKey == "" {
		log.Fatal("tracking signing key is required")
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

	var limiter *ratelimit.Limiter
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("parse redis url: %v", err)
		}
		client := redis.NewClient(opt)
		defer client.Close()
		limiter = ratelimit.NewLimiter(client)
	} else {
		log.Println("no redis configured; unsubscribe rate limiting disabled")
	}

	signer := token.NewSigner(cfg.Tracking.SigningKey)
	handler := tracking.NewHandler(
		signer,
		postgres.NewTrackingRepo(db),
		postgres.NewSubscriberRepo(db),
		limiter,
		tracking.HandlerOptions{
			AnonymizeIPs:            cfg.Tracking.AnonymizeIPsEnabled(),
			UnsubscribeLimitPerHour: cfg.Tracking.UnsubscribeLimitPerHour,
		},
	)

	port := os.Getenv("TRACKING_PORT")
	if port == "" {
		port = strconv.Itoa(cfg.Server.Port + 1)
	}
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      handler.Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("tracking service listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down tracking service...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}
