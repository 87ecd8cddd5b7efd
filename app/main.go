package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/nvr-ai/segconvert/config"
	"github.com/nvr-ai/segconvert/conversion"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Setup loads the configuration and configures the standard logger.
//
// Returns:
//   - *config.Config: The validated configuration.
//   - error: An error if the configuration is invalid.
func Setup() (*config.Config, error) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Logger.Apply(log.StandardLogger()); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Main runs one family against the OS filesystem and returns the process
// exit code.
func Main(family conversion.Family) int {
	cfg, err := Setup()
	if err != nil {
		log.WithError(err).Error("Invalid configuration")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := New(cfg, afero.NewOsFs(), os.Stdout).Run(ctx, family); err != nil {
		return 1
	}
	return 0
}
