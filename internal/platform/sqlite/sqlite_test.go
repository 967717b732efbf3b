package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDSNIncludesPragmas(t *testing.T) {
	dsn := Config{Path: "/tmp/state.db", BusyTimeout: 3 * time.Second}.DSN()
	if !strings.HasPrefix(dsn, "file:/tmp/state.db?") {
		t.Fatalf("unexpected dsn prefix: %s", dsn)
	}
	if !strings.Contains(dsn, "busy_timeout%283000%29") {
		t.Fatalf("expected busy timeout pragma in %s", dsn)
	}
	if !strings.Contains(dsn, "journal_mode%28WAL%29") {
		t.Fatalf("expected WAL pragma in %s", dsn)
	}
}

func TestOpenCreatesDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	db, err := Open(context.Background(), Config{Path: path, BusyTimeout: time.Second})
	if err != nil {
		t.Fatalf("Open() err=%v", err)
	}
	defer func() { _ = db.Close() }()
	if _, err := db.Exec(`CREATE TABLE scratch (id INTEGER PRIMARY KEY)`); err != nil {
		t.Fatalf("exec: %v", err)
	}
}

func TestValidateRequiresPath(t *testing.T) {
	if err := (Config{}).Validate(); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
