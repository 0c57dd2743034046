package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"tradefeatures/config"
	"tradefeatures/internal/featengine"
	"tradefeatures/internal/logger"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "Path to YAML config (optional; env vars override)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[featengine] config: %v", err)
	}
	logger.Init(cfg.Service, cfg.SlogLevel())
	log.Printf("[featengine] features: %v, rule: %s, source: %s", cfg.Features, cfg.Rule, cfg.Source)

	svc, err := featengine.New(cfg)
	if err != nil {
		log.Fatalf("[featengine] init failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := svc.Run(ctx); err != nil {
		log.Fatalf("[featengine] fatal: %v", err)
	}
}
