package commands

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/bigbes/snapshot-gate/internal/journal"
)

func Sessions(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	user := fs.String("user", "", "only sessions of this user")
	limit := fs.Int("limit", 20, "maximum sessions to print, 0 for all")
	totals := fs.Bool("totals", false, "print per-user totals since the last reset instead")
	fs.Parse(args)

	cfg := loadConfig(*configPath, logger)
	if cfg.Journal.Path == "" {
		fmt.Fprintln(os.Stderr, "error: journal.path is not configured")
		os.Exit(1)
	}
	store, err := journal.Open(cfg.Journal.Path, logger)
	if err != nil {
		logger.Error("failed to open journal", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	if *totals {
		var since time.Time
		last, ok, err := store.LastReset()
		if err != nil {
			logger.Error("failed to read last reset", "err", err)
			os.Exit(1)
		}
		if ok {
			since = last.At
			fmt.Printf("Since reset at %s (%d counters cleared)\n\n", last.At.UTC().Format(time.RFC3339), last.Users)
		}
		rows, err := store.UserTotals(since)
		if err != nil {
			logger.Error("failed to read totals", "err", err)
			os.Exit(1)
		}
		fmt.Fprintln(tw, "USER\tTIER\tSESSIONS\tBYTES")
		for _, r := range rows {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", r.UserID, r.Tier, r.Sessions, humanize.Bytes(uint64(r.Bytes)))
		}
		return
	}

	rows, err := store.Sessions(*user, *limit)
	if err != nil {
		logger.Error("failed to read sessions", "err", err)
		os.Exit(1)
	}
	fmt.Fprintln(tw, "ENDED\tUSER\tTIER\tBYTES\tDURATION\tCONNECTION")
	for _, s := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			humanize.Time(s.EndedAt), s.UserID, s.Tier,
			humanize.Bytes(uint64(s.Bytes)), s.Duration().Round(time.Second), s.ConnectionID)
	}
}
