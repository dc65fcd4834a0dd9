// Command collabhub runs the real-time collaboration coordinator.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"collabhub/internal/app"
	"collabhub/internal/config"
	"collabhub/internal/logging"
)

// FUNCTIONAL DISCOVERY: Main entry point with comprehensive error handling and signal management
// Graceful shutdown on SIGINT/SIGTERM ensures proper resource cleanup
func main() {
	if err := run(os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "collabhub:", err)
		os.Exit(1)
	}
}

// ARCHITECTURAL DISCOVERY: Separate run function enables testing and error handling
func run(args []string, stderr io.Writer) error {
	flags := flag.NewFlagSet("collabhub", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.StringP("config", "c", os.Getenv(config.EnvPrefix+"_CONFIG_FILE"), "path to a YAML, JSON or TOML config file")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		fmt.Fprintln(stderr, err)
		flags.Usage()
		return err
	}

	// STEP 1: Load configuration (defaults < file < COLLABHUB_* env)
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	// STEP 2: Logging
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	// STEP 3: Create application with configuration
	application, err := app.NewApplication(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	// STEP 4: Serve until SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting collabhub", zap.String("addr", application.GetAddr()))
	if err := application.Run(ctx); err != nil {
		return fmt.Errorf("application error: %w", err)
	}
	return nil
}
