package commands

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/bigbes/snapshot-gate/internal/auth"
)

// Token issues a caller token signed with auth.jwt_secret, for the upstream
// session service and for manual testing.
func Token(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	user := fs.String("user", "", "user id (required)")
	tierName := fs.String("tier", "free", "tier claim")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime, 0 for no expiry")
	fs.Parse(args)

	if *user == "" {
		fmt.Fprintln(os.Stderr, "error: -user is required")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(*configPath, logger)
	if cfg.Auth.JWTSecret == "" {
		fmt.Fprintln(os.Stderr, "error: auth.jwt_secret is not configured")
		os.Exit(1)
	}
	if !mustPolicy(cfg, logger).Has(*tierName) {
		fmt.Fprintf(os.Stderr, "error: tier %q is not configured\n", *tierName)
		os.Exit(1)
	}

	tok, err := auth.IssueToken(cfg.Auth.JWTSecret, *user, *tierName, *ttl)
	if err != nil {
		logger.Error("failed to issue token", "err", err)
		os.Exit(1)
	}
	fmt.Println(tok)
}
