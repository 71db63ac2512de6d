package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/viktorstiskala/marie/pkg/app"
	"github.com/viktorstiskala/marie/pkg/config"
	"github.com/viktorstiskala/marie/pkg/logger"
)

func main() {
	configPath := flag.String("config", "marie.yml", "path to the configuration file")
	flag.Parse()

	// A missing .env is fine; environment overrides are optional.
	_ = godotenv.Load()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "marie:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	container, err := app.NewContainer(ctx, cfg)
	if err != nil {
		return err
	}
	container.Finalize()

	if err := container.Engine.Start(ctx); err != nil {
		container.Close()
		return fmt.Errorf("transport start: %w", err)
	}
	if err := container.API.Start(ctx); err != nil {
		container.Close()
		return fmt.Errorf("listener start: %w", err)
	}

	logger.InfoCF("main", "Bot runtime started", map[string]interface{}{
		"transport": cfg.Transport.Kind,
		"store":     cfg.Store.Backend,
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.InfoC("main", "Shutting down")
	cancel()
	return container.Close()
}
