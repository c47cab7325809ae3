package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/bigbes/snapshot-gate/cmd/snapgate/commands"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		commands.Run(os.Args[2:], logger, version)
	case "gensecret":
		commands.GenSecret(os.Args[2:], logger)
	case "signlink":
		commands.SignLink(os.Args[2:], logger)
	case "token":
		commands.Token(os.Args[2:], logger)
	case "reset":
		commands.Reset(os.Args[2:], logger)
	case "sessions":
		commands.Sessions(os.Args[2:], logger)
	case "backup":
		commands.Backup(os.Args[2:], logger)
	case "showconf":
		commands.ShowConf(os.Args[2:], logger)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: snapgate <command> [options]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  run        Start the download gate")
	fmt.Fprintln(os.Stderr, "  gensecret  Generate a link signing secret")
	fmt.Fprintln(os.Stderr, "  signlink   Sign or verify a download link")
	fmt.Fprintln(os.Stderr, "  token      Issue a caller token")
	fmt.Fprintln(os.Stderr, "  reset      Trigger the monthly usage reset")
	fmt.Fprintln(os.Stderr, "  sessions   Show finished downloads from the journal")
	fmt.Fprintln(os.Stderr, "  backup     Back up or restore the journal")
	fmt.Fprintln(os.Stderr, "  showconf   Print the effective configuration")
	fmt.Fprintln(os.Stderr, "  version    Print the version")
}
