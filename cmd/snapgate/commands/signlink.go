package commands

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"
)

func SignLink(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("signlink", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	path := fs.String("path", "", "object path under the mount prefix, e.g. /cosmos-hub/snap.tar.zst")
	tierName := fs.String("tier", "free", "tier to sign for")
	hours := fs.Int("hours", 0, "link lifetime in hours (default: the tier's link_expiry_hours)")
	verify := fs.String("verify", "", "verify this link instead of signing")
	fs.Parse(args)

	cfg := loadConfig(*configPath, logger)
	s := mustSigner(cfg, logger)

	if *verify != "" {
		p, t, err := s.VerifyURL(*verify, time.Now())
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("valid: path=%s tier=%s\n", p, t)
		return
	}

	if *path == "" {
		fmt.Fprintln(os.Stderr, "error: -path is required")
		fs.Usage()
		os.Exit(1)
	}

	policy := mustPolicy(cfg, logger)
	limits, ok := policy.Lookup(*tierName)
	if !ok {
		fmt.Fprintf(os.Stderr, "error: tier %q is not configured\n", *tierName)
		os.Exit(1)
	}
	h := limits.LinkExpiryHours
	if *hours > 0 {
		h = *hours
	}

	link, err := s.Sign(*path, *tierName, h)
	if err != nil {
		logger.Error("failed to sign link", "err", err)
		os.Exit(1)
	}
	fmt.Println(link.URL)
	fmt.Fprintf(os.Stderr, "expires %s\n", time.Unix(link.ExpiresAt, 0).UTC().Format(time.RFC3339))
}
