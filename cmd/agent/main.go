package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"

	"robotrelay/internal/actuator"
	"robotrelay/internal/agent"
	"robotrelay/internal/config"
	"robotrelay/internal/logger"
	"robotrelay/internal/sensor"
	"robotrelay/internal/service/ai"
	"robotrelay/internal/service/camera"
)

type Options struct {
	Config   string `short:"c" long:"config" description:"YAML configuration file" env:"AGENT_CONFIG"`
	Server   string `short:"s" long:"server" description:"Relay websocket base URL, e.g. ws://relay:8000/ws"`
	ClientID string `long:"client-id" description:"Client id announced to the relay"`
	NoCamera bool   `long:"no-camera" description:"Run without a camera"`
}

func main() {
	_ = godotenv.Load()

	var opts Options
	parser := flags.NewParser(&opts, flags.Default)
	parser.LongDescription = "Robot agent: streams telemetry to the relay and runs the pursuit controller"
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
	if opts.Server != "" {
		cfg.Agent.ServerURL = opts.Server
	}
	if opts.ClientID != "" {
		cfg.Agent.ClientID = opts.ClientID
	}
	if opts.NoCamera {
		cfg.Agent.NoCamera = true
	}
	if cfg.Agent.ClientID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "robot"
		}
		cfg.Agent.ClientID = host
	}

	logs, err := logger.NewLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logs.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agentOpts := agent.Options{
		ClientID:     cfg.Agent.ClientID,
		Capabilities: agent.CapabilitiesFromConfig(cfg.Agent),
	}

	if !cfg.Agent.NoCamera {
		cam, err := camera.Open(cfg.Agent, logs)
		if err != nil {
			logs.Warning("Camera unavailable, continuing without it: %v", err)
		} else {
			defer cam.Close()
			go cam.Run(ctx)
			agentOpts.Camera = cam
		}
	}

	if cfg.Agent.DistancePort != "" {
		distance, err := sensor.OpenSerialDistance(cfg.Agent.DistancePort, cfg.Agent.DistanceBaud)
		if err != nil {
			logs.Warning("Distance sensor unavailable: %v", err)
		} else {
			defer distance.Close()
			agentOpts.Distance = distance
		}
	}

	router := actuator.Router{Body: &actuator.LogExecutor{Logger: logs, StepTime: 300 * time.Millisecond}}
	if cfg.Agent.HeadServoPort != "" {
		head, err := actuator.NewHeadServo(ctx, cfg.Agent.HeadServoPort, cfg.Agent.HeadServoID,
			cfg.Agent.HeadServoMin, cfg.Agent.HeadServoMax)
		if err != nil {
			logs.Warning("Head servo unavailable: %v", err)
		} else {
			defer head.Close(context.Background())
			router.Head = head
			agentOpts.Capabilities.Head = true
		}
	}
	agentOpts.Executor = router

	if cfg.Agent.DetectionSource == agent.SourceDetector {
		detector, closer, err := ai.NewBackend(cfg.Detection, 1, logs)
		if err != nil {
			logs.Error("Failed to create detector: %v", err)
			os.Exit(1)
		}
		if closer != nil {
			defer closer.Close()
		}
		agentOpts.Detector = detector
	}

	logs.Info("Robot agent %s connecting to %s", cfg.Agent.ClientID, cfg.Agent.ServerURL)
	if err := agent.New(cfg, agentOpts, logs).Run(ctx); err != nil {
		logs.Error("Agent stopped: %v", err)
	}
}
