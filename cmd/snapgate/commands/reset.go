package commands

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/bigbes/snapshot-gate/internal/config"
)

// Reset triggers the monthly usage reset on a running instance. Meant for cron.
func Reset(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	target := fs.String("url", "", "gate base URL (default: derived from listen)")
	fs.Parse(args)

	cfg := loadConfig(*configPath, logger)
	if cfg.Auth.ResetToken == "" {
		fmt.Fprintln(os.Stderr, "error: auth.reset_token is not configured")
		os.Exit(1)
	}

	base := *target
	if base == "" {
		base = localURL(cfg)
	}

	req, err := http.NewRequest(http.MethodPost, base+"/internal/usage/reset", nil)
	if err != nil {
		logger.Error("failed to build request", "err", err)
		os.Exit(1)
	}
	req.Header.Set("Authorization", "Bearer "+cfg.Auth.ResetToken)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		logger.Error("reset request failed", "url", req.URL.String(), "err", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Error("reset rejected", "status", resp.Status)
		os.Exit(1)
	}
	var body struct {
		ResetUsers int `json:"reset_users"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		logger.Error("failed to decode reset response", "err", err)
		os.Exit(1)
	}
	fmt.Printf("Reset %d user counters\n", body.ResetUsers)
}

// localURL turns the listen address into a URL reachable from this host.
func localURL(cfg *config.Config) string {
	host, port, err := net.SplitHostPort(cfg.Listen)
	if err != nil {
		return "http://" + cfg.Listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}
