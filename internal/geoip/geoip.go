// Package geoip resolves client addresses to countries for anonymous
// admission accounting.
package geoip

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang/v2"
)

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// DB is an MMDB country database that can be reloaded in place. A nil *DB
// is valid and resolves nothing.
type DB struct {
	source  string // local path or URL
	refresh time.Duration
	client  *http.Client
	logger  *slog.Logger

	mu     sync.RWMutex
	reader *maxminddb.Reader
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// Open loads the database from source. A positive refresh makes Run reload
// it on that interval.
func Open(source string, refresh time.Duration, logger *slog.Logger) (*DB, error) {
	db := &DB{
		source:  source,
		refresh: refresh,
		client:  &http.Client{Timeout: 2 * time.Minute},
		logger:  logger,
	}
	if err := db.load(); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *DB) load() error {
	path := db.source
	if isURL(db.source) {
		tmp, err := db.download()
		if err != nil {
			return err
		}
		// The reader keeps its own mapping of the file.
		defer os.Remove(tmp)
		path = tmp
	}

	reader, err := maxminddb.Open(path)
	if err != nil {
		return fmt.Errorf("geoip: opening %s: %w", db.source, err)
	}
	db.setReader(reader)
	db.logger.Info("geoip: database loaded", "source", db.source, "type", reader.Metadata.DatabaseType)
	return nil
}

func (db *DB) download() (string, error) {
	resp, err := db.client.Get(db.source)
	if err != nil {
		return "", fmt.Errorf("geoip: downloading %s: %w", db.source, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("geoip: downloading %s: HTTP %d", db.source, resp.StatusCode)
	}

	f, err := os.CreateTemp("", "snapgate-geoip-*.mmdb")
	if err != nil {
		return "", fmt.Errorf("geoip: temp file: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("geoip: reading %s: %w", db.source, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("geoip: writing temp file: %w", err)
	}
	return f.Name(), nil
}

func (db *DB) setReader(r *maxminddb.Reader) {
	db.mu.Lock()
	old := db.reader
	db.reader = r
	db.mu.Unlock()

	if old != nil {
		old.Close()
	}
}

// LookupCountry returns the ISO country code for addr, or "" when unknown.
func (db *DB) LookupCountry(addr netip.Addr) string {
	if db == nil || !addr.IsValid() {
		return ""
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.reader == nil {
		return ""
	}

	var record countryRecord
	if err := db.reader.Lookup(addr).Decode(&record); err != nil {
		return ""
	}
	return record.Country.ISOCode
}

// Run reloads the database every refresh interval until ctx is done. A
// failed reload keeps the previous data.
func (db *DB) Run(ctx context.Context) error {
	if db == nil || db.refresh <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(db.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := db.load(); err != nil {
				db.logger.Error("geoip: failed to reload database", "source", db.source, "err", err)
			}
		}
	}
}

func (db *DB) Close() error {
	if db == nil {
		return nil
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.reader != nil {
		err := db.reader.Close()
		db.reader = nil
		return err
	}
	return nil
}
