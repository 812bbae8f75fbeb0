package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/lumencrm/delivery-engine/internal/api"
	"github.com/lumencrm/delivery-engine/internal/config"
	"github.com/lumencrm/delivery-engine/internal/repository/postgres"
	"github.com/lumencrm/delivery-engine/internal/service/campaign"
	"github.com/lumencrm/delivery-engine/internal/token"
	"github.com/lumencrm/delivery-engine/internal/transport"
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

	sender, err := transport.NewSESSender(cfg.SES.AccessKey, cfg.SES.SecretKey, cfg.SES.Region)
	if err != nil {
		log.Fatalf("ses sender: %v", err)
	}

	signer := token.NewSigner(cfg.Tracking.SigningKey)
	renderer, err := campaign.NewRenderer(signer,
		cfg.Tracking.BaseURL, cfg.Tracking.UnsubscribeURL, cfg.Site.Name, "")
	if err != nil {
		log.Fatalf("renderer: %v", err)
	}

	svc := campaign.NewService(postgres.NewCampaignRepo(db), sender, renderer, campaign.Options{
		FromName:             cfg.Site.FromName,
		FromEmail:            cfg.Site.FromEmail,
		ReplyTo:              cfg.Site.ReplyTo,
		QueueThreshold:       cfg.Delivery.QueueThreshold,
		ImmediateConcurrency: cfg.Delivery.ImmediateConcurrency,
		SendTimeout:          cfg.SES.Timeout(),
	})

	handlers := api.NewHandlers(svc, nil)
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.SetupRoutes(handlers, nil),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute, // immediate sends are paced and can run long
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("operator API listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down operator API...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}
