package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/marmos91/dittobox/internal/logger"
	"github.com/marmos91/dittobox/pkg/config"
	"github.com/marmos91/dittobox/pkg/server"
)

const usage = `DittoBox - multi-client file storage server

Usage:
  dittobox <command> [flags]

Commands:
  init     Write a sample configuration file
  start    Start the server

Flags:
  --config string   Path to config file (default: $XDG_CONFIG_HOME/dittobox/config.yaml)
  --force           Overwrite an existing config file (init only)
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	command := os.Args[1]
	flags := flag.NewFlagSet(command, flag.ExitOnError)
	configPath := flags.String("config", "", "Path to config file")
	force := flags.Bool("force", false, "Overwrite an existing config file")
	_ = flags.Parse(os.Args[2:])

	var err error
	switch command {
	case "init":
		err = runInit(*configPath, *force)
	case "start":
		err = runStart(*configPath)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n%s", command, usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runInit(configPath string, force bool) error {
	if configPath == "" {
		path, err := config.InitConfig(force)
		if err != nil {
			return err
		}
		configPath = path
	} else if err := config.InitConfigToPath(configPath, force); err != nil {
		return err
	}

	fmt.Printf("Configuration written to %s\n", configPath)
	fmt.Println("Start the server with: dittobox start")
	return nil
}

func runStart(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger.SetLevel(cfg.Logging.Level)
	logger.SetFormat(cfg.Logging.Format)
	if err := logger.SetOutput(cfg.Logging.Output); err != nil {
		return fmt.Errorf("failed to configure log output: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("DittoBox starting (log level %s)", cfg.Logging.Level)

	metricsResult := config.InitializeMetrics(cfg)

	reg, err := config.InitializeRegistry(ctx, cfg, metricsResult.BoxMetrics)
	if err != nil {
		return err
	}
	defer func() {
		if err := reg.Close(); err != nil {
			logger.Error("Failed to close services: %v", err)
		}
	}()

	adapters, err := config.CreateAdapters(cfg, metricsResult.BoxMetrics)
	if err != nil {
		return err
	}

	srv := server.New(reg, server.Options{
		AdapterStopTimeout: cfg.Server.ShutdownTimeout,
		DrainTimeout:       cfg.Server.ShutdownTimeout,
	})
	for _, a := range adapters {
		if err := srv.AddAdapter(a); err != nil {
			return err
		}
	}

	if collector := config.CreateStagingCollector(cfg, reg.Staging()); collector != nil {
		collector.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			_ = collector.Stop(stopCtx)
		}()
	}

	if metricsResult.Server != nil {
		go func() {
			if err := metricsResult.Server.Start(ctx); err != nil {
				logger.Error("Metrics server error: %v", err)
			}
		}()
	}

	logger.Info("Server is running. Press Ctrl+C to stop.")

	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("Server stopped gracefully")
	return nil
}
