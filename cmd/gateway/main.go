package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/GriffinCanCode/backbone/internal/infrastructure/config"
	"github.com/GriffinCanCode/backbone/internal/infrastructure/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// flags override the environment
	flag.StringVar(&cfg.Server.Port, "port", cfg.Server.Port, "HTTP listen port")
	flag.StringVar(&cfg.Redis.Addr, "redis", cfg.Redis.Addr, "Redis address")
	flag.StringVar(&cfg.Gateway.Routes, "routes", cfg.Gateway.Routes, "Proxied routes as prefix=origin pairs")
	flag.StringVar(&cfg.Gateway.RoutesFile, "routes-file", cfg.Gateway.RoutesFile, "YAML or TOML route file")
	flag.BoolVar(&cfg.Logging.Development, "dev", cfg.Logging.Development, "Development logging")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.NewServer(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.RunGateway(ctx)
	}()

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		srv.Logger().Info("Shutting down gracefully...")
		if err := <-errChan; err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
	case err := <-errChan:
		if err != nil {
			_ = srv.Close()
			log.Fatalf("Server error: %v", err)
		}
	}

	if err := srv.Close(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
}
