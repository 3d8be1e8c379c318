package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/GriffinCanCode/backbone/internal/infrastructure/config"
	"github.com/GriffinCanCode/backbone/internal/infrastructure/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	queues := flag.String("queues", strings.Join(cfg.Queue.Names, ","), "Comma separated queue names")
	flag.StringVar(&cfg.Redis.Addr, "redis", cfg.Redis.Addr, "Redis address")
	flag.IntVar(&cfg.Queue.Concurrency, "concurrency", cfg.Queue.Concurrency, "Workers per queue")
	flag.StringVar(&cfg.Notify.WebhookURL, "webhook", cfg.Notify.WebhookURL, "Default notification webhook URL")
	flag.BoolVar(&cfg.Logging.Development, "dev", cfg.Logging.Development, "Development logging")
	flag.Parse()

	cfg.Queue.Names = nil
	for _, name := range strings.Split(*queues, ",") {
		if name = strings.TrimSpace(name); name != "" {
			cfg.Queue.Names = append(cfg.Queue.Names, name)
		}
	}
	if cfg.Server.ServiceName == "gateway" {
		cfg.Server.ServiceName = "worker"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.NewServer(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if err := srv.RunWorker(ctx); err != nil {
		_ = srv.Close()
		log.Fatalf("Worker error: %v", err)
	}

	srv.Logger().Info("Shutting down gracefully...")
	if err := srv.Close(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
}
