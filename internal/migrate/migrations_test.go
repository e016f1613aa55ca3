package migrate

import (
	"reflect"
	"strings"
	"testing"

	"casematch/internal/db"
)

func TestParseFilename(t *testing.T) {
	version, name, err := parseFilename("0001_init.sql")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if version != 1 || name != "init" {
		t.Fatalf("got (%d, %q), want (1, %q)", version, name, "init")
	}
	if _, _, err := parseFilename("init.sql"); err == nil {
		t.Fatalf("filename without a version must be rejected")
	}
	if _, _, err := parseFilename("abc_init.sql"); err == nil {
		t.Fatalf("non-numeric version must be rejected")
	}
}

func TestSplitStatements(t *testing.T) {
	script := `-- schema comment
CREATE TABLE a(id TEXT PRIMARY KEY);

CREATE INDEX idx_a ON a(id);
`
	got := splitStatements(script)
	want := []string{
		"CREATE TABLE a(id TEXT PRIMARY KEY)",
		"CREATE INDEX idx_a ON a(id)",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("statements = %q, want %q", got, want)
	}
}

func TestMigrateReportsAppliedAndIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	applied, err := Migrate(conn)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(applied) == 0 {
		t.Fatalf("fresh database should report applied migrations")
	}
	if applied[0] != "0001_init" {
		t.Fatalf("first migration = %s, want 0001_init", applied[0])
	}

	again, err := Migrate(conn)
	if err != nil {
		t.Fatalf("re-migrate: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("re-running on a current schema should apply nothing, got %v", again)
	}

	var version int
	var name, appliedAt string
	if err := conn.QueryRow(`SELECT version, name, applied_at FROM schema_version`).Scan(&version, &name, &appliedAt); err != nil {
		t.Fatalf("read schema_version: %v", err)
	}
	if version != 1 || name != "init" {
		t.Fatalf("schema_version = (%d, %s), want (1, init)", version, name)
	}
	if !strings.Contains(appliedAt, "T") {
		t.Fatalf("applied_at should be an RFC3339 timestamp, got %q", appliedAt)
	}
}
