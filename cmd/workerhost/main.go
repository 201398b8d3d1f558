package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/GriffinCanCode/AgentOS/workerhost/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/server"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Flags override the environment
	flag.StringVar(&cfg.Server.Port, "port", cfg.Server.Port, "Server port")
	flag.StringVar(&cfg.Server.Host, "host", cfg.Server.Host, "Server host")
	flag.StringVar(&cfg.Logging.Level, "log-level", cfg.Logging.Level, "Log level (debug, info, warn, error)")
	flag.BoolVar(&cfg.Logging.Development, "dev", cfg.Logging.Development, "Development logging")
	flag.StringVar(&cfg.Launcher.Package, "package", cfg.Launcher.Package, "Default worker package")
	flag.StringVar(&cfg.Launcher.ManifestGlob, "manifest", cfg.Launcher.ManifestGlob, "Glob of service manifests (YAML or TOML)")
	flag.BoolVar(&cfg.Launcher.SpareEnabled, "spare", cfg.Launcher.SpareEnabled, "Warm up a spare connection at startup")
	flag.IntVar(&cfg.ExecHost.MaxServices, "max-services", cfg.ExecHost.MaxServices, "Maximum concurrent worker processes (0 = unlimited)")
	command := flag.String("command", strings.Join(cfg.ExecHost.Command, " "), "Worker executable and leading arguments")
	flag.Parse()

	if *command != "" {
		cfg.ExecHost.Command = strings.Fields(*command)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	server.Version = version
	srv, err := server.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
