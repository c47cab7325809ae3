package commands

import (
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/bigbes/snapshot-gate/internal/config"
)

func GenSecret(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("gensecret", flag.ExitOnError)
	out := fs.String("out", "configs/signing.secret", "secret file to write (use as secret_file)")
	size := fs.Int("bytes", 32, "random bytes in the secret")
	force := fs.Bool("force", false, "overwrite an existing secret file")
	comment := fs.String("comment", "", "comment to write above the secret")
	fs.Parse(args)

	if *size < 16 {
		fmt.Fprintln(os.Stderr, "error: -bytes must be at least 16")
		os.Exit(1)
	}

	buf := make([]byte, *size)
	if _, err := rand.Read(buf); err != nil {
		logger.Error("failed to generate random bytes", "err", err)
		os.Exit(1)
	}
	secret := base64.RawURLEncoding.EncodeToString(buf)

	note := *comment
	if note == "" {
		note = "generated " + time.Now().UTC().Format(time.RFC3339)
	}
	if err := config.WriteSecretFile(*out, secret, note, *force); err != nil {
		logger.Error("failed to save secret", "err", err)
		os.Exit(1)
	}

	fmt.Printf("Secret:   %s\n", secret)
	fmt.Printf("Saved to: %s\n", *out)
	fmt.Println("Configure the same secret in the edge proxy's secure_link directive.")
}
