package commands

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/bigbes/snapshot-gate/internal/porttracker"
)

func ShowConf(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("showconf", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	raw := fs.Bool("yaml", false, "print the effective config as YAML (secrets masked)")
	fs.Parse(args)

	cfg := loadConfig(*configPath, logger)

	if *raw {
		data, err := yaml.Marshal(cfg.Redacted())
		if err != nil {
			logger.Error("failed to marshal config", "err", err)
			os.Exit(1)
		}
		os.Stdout.Write(data)
		return
	}

	policy := mustPolicy(cfg, logger)

	fmt.Printf("Links:     %s%s/<path>\n", cfg.ExternalBaseURL, cfg.MountPrefix)
	fmt.Printf("API:       %s\n", cfg.Listen)
	if cfg.ObservabilityHTTP.Addr != "" {
		fmt.Printf("Metrics:   %s (metrics=%v pprof=%v)\n", cfg.ObservabilityHTTP.Addr, cfg.ObservabilityHTTP.Metrics, cfg.ObservabilityHTTP.Pprof)
	}
	if cfg.Journal.Path != "" {
		fmt.Printf("Journal:   %s\n", cfg.Journal.Path)
	}
	if cfg.GeoIP.Path != "" {
		fmt.Printf("GeoIP:     %s (refresh %ds)\n", cfg.GeoIP.Path, cfg.GeoIP.Refresh)
	}
	fmt.Println()

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIER\tSHARED CAPACITY\tMONTHLY CAP\tLINK EXPIRY\tMAX CONNECTIONS")
	for _, name := range policy.Names() {
		l, _ := policy.Lookup(name)
		maxConn := "unlimited"
		if l.MaxConnections > 0 {
			maxConn = fmt.Sprint(l.MaxConnections)
		}
		fmt.Fprintf(tw, "%s\t%s/s\t%s\t%dh\t%s\n", name,
			humanize.Bytes(uint64(l.SharedCapacity)), humanize.Bytes(uint64(l.MonthlyCap)),
			l.LinkExpiryHours, maxConn)
	}
	tw.Flush()

	fmt.Println()
	for _, p := range porttracker.UsedPorts(cfg) {
		fmt.Printf("port %-5d %s\n", p.Port, p.Owner)
	}
}
