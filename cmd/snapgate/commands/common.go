package commands

import (
	"log/slog"
	"os"

	"github.com/bigbes/snapshot-gate/internal/config"
	"github.com/bigbes/snapshot-gate/internal/porttracker"
	"github.com/bigbes/snapshot-gate/internal/signer"
	"github.com/bigbes/snapshot-gate/internal/tier"
)

const defaultConfigPath = "configs/snapgate.yaml"

// loadConfig loads and validates the config or exits.
func loadConfig(path string, logger *slog.Logger) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	if err := porttracker.Check(cfg); err != nil {
		logger.Error("invalid config", "err", err)
		os.Exit(1)
	}
	return cfg
}

func mustPolicy(cfg *config.Config, logger *slog.Logger) *tier.Policy {
	p, err := cfg.Policy()
	if err != nil {
		logger.Error("invalid tier policy", "err", err)
		os.Exit(1)
	}
	return p
}

func mustSigner(cfg *config.Config, logger *slog.Logger) *signer.Signer {
	s, err := signer.New(signer.Options{
		Secret:      cfg.Secret,
		BaseURL:     cfg.ExternalBaseURL,
		MountPrefix: cfg.MountPrefix,
	})
	if err != nil {
		logger.Error("failed to create link signer", "err", err)
		os.Exit(1)
	}
	return s
}
