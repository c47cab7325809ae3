// Package journal keeps a durable log of finished downloads and usage resets.
// Live usage counters are not restored from it.
package journal

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed journal.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Open opens (or creates) the SQLite database at path and initialises the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %q: %w", path, err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("journal: %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, path: path, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS sessions (
  connection_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  tier TEXT NOT NULL,
  started_unix INTEGER NOT NULL,
  ended_unix INTEGER NOT NULL,
  bytes INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS sessions_user_ended ON sessions (user_id, ended_unix);
CREATE INDEX IF NOT EXISTS sessions_ended ON sessions (ended_unix);

CREATE TABLE IF NOT EXISTS usage_resets (
  at_unix INTEGER NOT NULL,
  users INTEGER NOT NULL
);`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("journal: init schema: %w", err)
	}
	return nil
}

// RecordSession appends a finished download.
func (s *Store) RecordSession(sess Session) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (connection_id, user_id, tier, started_unix, ended_unix, bytes)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ConnectionID, sess.UserID, sess.Tier,
		sess.StartedAt.Unix(), sess.EndedAt.Unix(), sess.Bytes,
	)
	if err != nil {
		return fmt.Errorf("journal: record session %s: %w", sess.ConnectionID, err)
	}
	return nil
}

// RecordReset appends a monthly usage reset.
func (s *Store) RecordReset(at time.Time, users int) error {
	_, err := s.db.Exec(`INSERT INTO usage_resets (at_unix, users) VALUES (?, ?)`, at.Unix(), users)
	if err != nil {
		return fmt.Errorf("journal: record reset: %w", err)
	}
	return nil
}

// LastReset returns the most recent reset. ok is false when none was recorded.
func (s *Store) LastReset() (r Reset, ok bool, err error) {
	var at int64
	err = s.db.QueryRow(`SELECT at_unix, users FROM usage_resets ORDER BY at_unix DESC, rowid DESC LIMIT 1`).
		Scan(&at, &r.Users)
	if errors.Is(err, sql.ErrNoRows) {
		return Reset{}, false, nil
	}
	if err != nil {
		return Reset{}, false, fmt.Errorf("journal: last reset: %w", err)
	}
	r.At = time.Unix(at, 0)
	return r, true, nil
}

// Sessions returns up to limit sessions, newest first. An empty userID
// returns sessions of every user; a non-positive limit returns all.
func (s *Store) Sessions(userID string, limit int) ([]Session, error) {
	q := `SELECT connection_id, user_id, tier, started_unix, ended_unix, bytes FROM sessions`
	var args []any
	if userID != "" {
		q += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	q += ` ORDER BY ended_unix DESC, rowid DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var started, ended int64
		if err := rows.Scan(&sess.ConnectionID, &sess.UserID, &sess.Tier, &started, &ended, &sess.Bytes); err != nil {
			return nil, fmt.Errorf("journal: scan session: %w", err)
		}
		sess.StartedAt = time.Unix(started, 0)
		sess.EndedAt = time.Unix(ended, 0)
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterate sessions: %w", err)
	}
	return out, nil
}

// UserTotals sums sessions that ended at or after since, largest first.
func (s *Store) UserTotals(since time.Time) ([]UserTotal, error) {
	rows, err := s.db.Query(
		`SELECT s.user_id,
		        (SELECT tier FROM sessions l WHERE l.user_id = s.user_id
		         ORDER BY l.ended_unix DESC, l.rowid DESC LIMIT 1),
		        COUNT(*), SUM(s.bytes)
		 FROM sessions s
		 WHERE s.ended_unix >= ?
		 GROUP BY s.user_id
		 ORDER BY SUM(s.bytes) DESC, s.user_id`,
		since.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("journal: query totals: %w", err)
	}
	defer rows.Close()

	var out []UserTotal
	for rows.Next() {
		var t UserTotal
		if err := rows.Scan(&t.UserID, &t.Tier, &t.Sessions, &t.Bytes); err != nil {
			return nil, fmt.Errorf("journal: scan totals: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterate totals: %w", err)
	}
	return out, nil
}

// Backup writes a consistent copy of the database to w. A non-empty password
// encrypts the copy.
func (s *Store) Backup(w io.Writer, password string) error {
	dir, err := os.MkdirTemp("", "snapgate-backup-*")
	if err != nil {
		return fmt.Errorf("journal: backup temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	snap := filepath.Join(dir, "journal.sqlite")
	if _, err := s.db.Exec(`VACUUM INTO ?`, snap); err != nil {
		return fmt.Errorf("journal: vacuum into: %w", err)
	}
	data, err := os.ReadFile(snap)
	if err != nil {
		return fmt.Errorf("journal: read snapshot: %w", err)
	}

	if password == "" {
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("journal: write backup: %w", err)
		}
		return nil
	}
	return EncryptBackup(w, bytes.NewReader(data), password)
}

// Restore writes the backup read from r to path, decrypting it if needed.
// The journal at path must not be open. The restored file is checked to be a
// readable journal before it replaces path.
func Restore(path string, r io.Reader, password string, logger *slog.Logger) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("journal: read backup: %w", err)
	}

	if IsEncryptedBackup(data) {
		if password == "" {
			return ErrPasswordRequired
		}
		var buf bytes.Buffer
		if err := DecryptBackup(&buf, data, password); err != nil {
			return err
		}
		data = buf.Bytes()
	}

	tmp := path + ".restore"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("journal: write %s: %w", tmp, err)
	}

	check, err := Open(tmp, logger)
	if err == nil {
		_, err = check.Sessions("", 1)
		if cerr := check.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		removeWithSidecars(tmp)
		return fmt.Errorf("journal: backup is not a valid journal: %w", err)
	}

	removeWithSidecars(path)
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("journal: replace %s: %w", path, err)
	}
	removeWithSidecars(tmp)
	logger.Info("journal: restored", "path", path, "bytes", len(data))
	return nil
}

func removeWithSidecars(path string) {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		os.Remove(p)
	}
}
