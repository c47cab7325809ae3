package commands

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/bigbes/snapshot-gate/internal/journal"
)

func Backup(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	out := fs.String("out", "", "backup file to write (default: snapgate-journal-<time>.db)")
	password := fs.String("password", "", "encrypt the backup with this password")
	restore := fs.String("restore", "", "restore the journal from this backup (service must be stopped)")
	fs.Parse(args)

	cfg := loadConfig(*configPath, logger)
	if cfg.Journal.Path == "" {
		fmt.Fprintln(os.Stderr, "error: journal.path is not configured")
		os.Exit(1)
	}

	if *restore != "" {
		f, err := os.Open(*restore)
		if err != nil {
			logger.Error("failed to open backup", "err", err)
			os.Exit(1)
		}
		defer f.Close()
		if err := journal.Restore(cfg.Journal.Path, f, *password, logger); err != nil {
			logger.Error("restore failed", "err", err)
			os.Exit(1)
		}
		fmt.Printf("Restored %s from %s\n", cfg.Journal.Path, *restore)
		return
	}

	store, err := journal.Open(cfg.Journal.Path, logger)
	if err != nil {
		logger.Error("failed to open journal", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	path := *out
	if path == "" {
		path = fmt.Sprintf("snapgate-journal-%s.db", time.Now().Format("20060102-150405"))
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		logger.Error("failed to create backup file", "err", err)
		os.Exit(1)
	}
	if err := store.Backup(f, *password); err != nil {
		f.Close()
		os.Remove(path)
		logger.Error("backup failed", "err", err)
		os.Exit(1)
	}
	if err := f.Close(); err != nil {
		logger.Error("failed to write backup", "err", err)
		os.Exit(1)
	}

	encrypted := "plain"
	if *password != "" {
		encrypted = "encrypted"
	}
	fmt.Printf("Wrote %s backup to %s\n", encrypted, path)
}
