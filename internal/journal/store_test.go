package journal

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.sqlite")
	s, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var base = time.Unix(1700000000, 0)

func session(id, user, tier string, endOffset time.Duration, bytes int64) Session {
	return Session{
		ConnectionID: id,
		UserID:       user,
		Tier:         tier,
		StartedAt:    base,
		EndedAt:      base.Add(endOffset),
		Bytes:        bytes,
	}
}

func TestSessionsNewestFirst(t *testing.T) {
	s := testStore(t)
	for _, sess := range []Session{
		session("a", "alice", "free", time.Minute, 10),
		session("b", "bob", "premium", 2*time.Minute, 20),
		session("c", "alice", "free", 3*time.Minute, 30),
	} {
		if err := s.RecordSession(sess); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.Sessions("", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ConnectionID != "c" || all[2].ConnectionID != "a" {
		t.Fatalf("sessions = %+v", all)
	}

	alice, err := s.Sessions("alice", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(alice) != 1 || alice[0].ConnectionID != "c" {
		t.Fatalf("alice sessions = %+v", alice)
	}
	if alice[0].Duration() != 3*time.Minute || alice[0].Bytes != 30 {
		t.Fatalf("alice session = %+v", alice[0])
	}
}

func TestUserTotals(t *testing.T) {
	s := testStore(t)
	for _, sess := range []Session{
		session("old", "alice", "free", -time.Hour, 1000),
		session("a1", "alice", "free", time.Minute, 10),
		session("a2", "alice", "premium", 2*time.Minute, 15),
		session("b1", "bob", "free", time.Minute, 100),
	} {
		if err := s.RecordSession(sess); err != nil {
			t.Fatal(err)
		}
	}

	totals, err := s.UserTotals(base)
	if err != nil {
		t.Fatal(err)
	}
	if len(totals) != 2 {
		t.Fatalf("got %d totals, want 2", len(totals))
	}
	if totals[0].UserID != "bob" || totals[0].Bytes != 100 {
		t.Fatalf("first total = %+v", totals[0])
	}
	alice := totals[1]
	if alice.Bytes != 25 || alice.Sessions != 2 || alice.Tier != "premium" {
		t.Fatalf("alice total = %+v", alice)
	}
}

func TestResets(t *testing.T) {
	s := testStore(t)

	if _, ok, err := s.LastReset(); err != nil || ok {
		t.Fatalf("LastReset on empty journal: ok=%v err=%v", ok, err)
	}
	if err := s.RecordReset(base, 3); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordReset(base.Add(time.Hour), 5); err != nil {
		t.Fatal(err)
	}
	r, ok, err := s.LastReset()
	if err != nil || !ok {
		t.Fatalf("LastReset: ok=%v err=%v", ok, err)
	}
	if !r.At.Equal(base.Add(time.Hour)) || r.Users != 5 {
		t.Fatalf("last reset = %+v", r)
	}
}

func TestBackupRestore(t *testing.T) {
	for _, password := range []string{"", "hunter2"} {
		s := testStore(t)
		if err := s.RecordSession(session("x", "alice", "free", time.Minute, 42)); err != nil {
			t.Fatal(err)
		}

		var buf bytes.Buffer
		if err := s.Backup(&buf, password); err != nil {
			t.Fatalf("Backup(%q): %v", password, err)
		}
		if got := IsEncryptedBackup(buf.Bytes()); got != (password != "") {
			t.Fatalf("Backup(%q) encrypted = %v", password, got)
		}

		dst := filepath.Join(t.TempDir(), "restored.sqlite")
		if err := Restore(dst, bytes.NewReader(buf.Bytes()), password, testLogger()); err != nil {
			t.Fatalf("Restore(%q): %v", password, err)
		}

		r, err := Open(dst, testLogger())
		if err != nil {
			t.Fatal(err)
		}
		got, err := r.Sessions("alice", 0)
		r.Close()
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got[0].Bytes != 42 {
			t.Fatalf("restored sessions = %+v", got)
		}
	}
}

func TestRestoreErrors(t *testing.T) {
	s := testStore(t)
	var buf bytes.Buffer
	if err := s.Backup(&buf, "pw"); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(t.TempDir(), "restored.sqlite")

	if err := Restore(dst, bytes.NewReader(buf.Bytes()), "", testLogger()); !errors.Is(err, ErrPasswordRequired) {
		t.Fatalf("no password: err = %v", err)
	}
	if err := Restore(dst, bytes.NewReader(buf.Bytes()), "wrong", testLogger()); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("wrong password: err = %v", err)
	}
	if err := Restore(dst, bytes.NewReader([]byte("definitely not sqlite")), "", testLogger()); err == nil {
		t.Fatal("expected error restoring garbage")
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Fatalf("failed restore left %s behind: %v", dst, err)
	}
}
