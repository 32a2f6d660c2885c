package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"

	"robotrelay/internal/app"
	"robotrelay/internal/config"
	"robotrelay/internal/logger"
)

type Options struct {
	Config string `short:"c" long:"config" description:"YAML configuration file" env:"RELAY_CONFIG"`
}

func main() {
	// .env is optional
	_ = godotenv.Load()

	var opts Options
	parser := flags.NewParser(&opts, flags.Default)
	parser.LongDescription = "Robot relay: telemetry hub, detection scheduler and operator API"
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logs, err := logger.NewLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logs.Close()

	application, err := app.New(cfg, logs)
	if err != nil {
		logs.Error("Failed to start relay: %v", err)
		os.Exit(1)
	}
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		logs.Error("Relay stopped: %v", err)
		os.Exit(1)
	}
}
