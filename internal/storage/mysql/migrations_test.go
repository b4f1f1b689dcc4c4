package mysql

import (
	"context"
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"OpenMCP-Swap/deploy/migrations"
)

var fixedNow = func() time.Time { return time.Unix(1_700_000_000, 0) }

func checksumOf(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

func TestEmbeddedMigrationsAreOrdered(t *testing.T) {
	t.Parallel()

	files, err := readMigrations(migrations.Files)
	if err != nil {
		t.Fatalf("read migrations: %v", err)
	}
	if len(files) < 2 || files[0].version != "0001" || files[1].version != "0002" {
		t.Fatalf("unexpected migrations: %+v", files)
	}
	if !strings.Contains(files[1].statements[0], "inbound_messages") {
		t.Fatalf("expected inbound_messages table in 0002, got %q", files[1].statements[0])
	}
}

func TestMigrateAppliesPendingVersions(t *testing.T) {
	t.Parallel()

	first := "CREATE TABLE a (id INT);"
	second := "-- 索引\nCREATE INDEX b ON a (id);\nCREATE INDEX c ON a (id);"
	source := fstest.MapFS{
		"0002_indexes.sql": {Data: []byte(second)},
		"0001_table.sql":   {Data: []byte(first)},
	}

	db, drv := openScripted(t,
		expectExec(createMigrationTableSQL, 0),
		expectQuery(`SELECT version, checksum FROM schema_migrations`, []string{"version", "checksum"},
			[]driver.Value{"0001", checksumOf(first)},
		),
		expectBegin(),
		expectExec(`CREATE INDEX b ON a (id)`, 0),
		expectExec(`CREATE INDEX c ON a (id)`, 0),
		expectExec(`INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)`, 1),
		expectCommit(),
	)

	if err := migrate(context.Background(), db, source, fixedNow); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	args := drv.paramsAt(5)
	if args[0] != "0002" || args[1] != "0002_indexes.sql" || args[2] != checksumOf(second) || args[3] != int64(1_700_000_000) {
		t.Fatalf("unexpected bookkeeping args: %v", args)
	}
}

func TestMigrateRejectsEditedMigration(t *testing.T) {
	t.Parallel()

	source := fstest.MapFS{"0001_table.sql": {Data: []byte("CREATE TABLE a (id BIGINT);")}}
	db, _ := openScripted(t,
		expectExec(createMigrationTableSQL, 0),
		expectQuery(`SELECT version, checksum FROM schema_migrations`, []string{"version", "checksum"},
			[]driver.Value{"0001", checksumOf("CREATE TABLE a (id INT);")},
		),
	)

	err := migrate(context.Background(), db, source, fixedNow)
	if err == nil || !strings.Contains(err.Error(), "0001_table.sql") {
		t.Fatalf("expected edited migration error, got %v", err)
	}
}

func TestMigrateRollsBackFailedStatement(t *testing.T) {
	t.Parallel()

	source := fstest.MapFS{"0001_table.sql": {Data: []byte("CREATE TABLE a (id INT);")}}
	db, _ := openScripted(t,
		expectExec(createMigrationTableSQL, 0),
		expectQuery(`SELECT version, checksum FROM schema_migrations`, []string{"version", "checksum"}),
		expectBegin(),
		expectExec(`CREATE TABLE a (id INT)`, 0).failWith(errors.New("syntax error")),
		expectRollback(),
	)

	if err := migrate(context.Background(), db, source, fixedNow); err == nil {
		t.Fatal("expected failure")
	}
}

func TestSplitStatementsAndVersion(t *testing.T) {
	t.Parallel()

	got := splitStatements("-- header\nCREATE TABLE a (id INT);\n\n  ;CREATE INDEX b ON a (id);\n")
	if len(got) != 2 || got[0] != "CREATE TABLE a (id INT)" || got[1] != "CREATE INDEX b ON a (id)" {
		t.Fatalf("unexpected statements: %q", got)
	}
	if versionOf("0002_create_inbound_messages.sql") != "0002" || versionOf("0003.sql") != "0003" {
		t.Fatalf("unexpected version parsing")
	}
}
