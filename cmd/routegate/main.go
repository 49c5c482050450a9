package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/wudi/routegate/internal/config"
	"github.com/wudi/routegate/internal/diagnostics"
	"github.com/wudi/routegate/internal/gateway"
	"github.com/wudi/routegate/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/routegate.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("routegate %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.NewLoader().Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.NewWithOptions(logging.Options{
		Level:      cfg.Logging.Level,
		Output:     cfg.Logging.Output,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	routes := 0
	for _, v := range cfg.Versions {
		routes += len(v.Routes)
	}
	logging.Info("Starting routegate",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("address", cfg.Server.Address),
		zap.Int("services", len(cfg.Services)),
		zap.Int("routes", routes),
		zap.String("rate_limit_store", cfg.RateLimit.Store),
	)

	server, err := gateway.NewServer(cfg, *configPath, gateway.Options{
		Build: diagnostics.BuildInfo{Version: version, BuildTime: buildTime},
	})
	if err != nil {
		logging.Error("Failed to create gateway", zap.Error(err))
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	}
}
