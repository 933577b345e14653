package store

import (
	"io/fs"
	"strings"
	"testing"
)

func TestMigrationDatabaseURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "postgres scheme", in: "postgres://u:p@db:5432/donations?sslmode=disable", want: "pgx5://u:p@db:5432/donations?sslmode=disable"},
		{name: "postgresql scheme", in: "postgresql://u@db/donations", want: "pgx5://u@db/donations"},
		{name: "already pgx5", in: "pgx5://u@db/donations", want: "pgx5://u@db/donations"},
		{name: "trims whitespace", in: "  postgres://db/x  ", want: "pgx5://db/x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MigrationDatabaseURL(tt.in); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(migrationFiles, "migrations")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	ups, downs := 0, 0
	for _, entry := range entries {
		switch {
		case strings.HasSuffix(entry.Name(), ".up.sql"):
			ups++
		case strings.HasSuffix(entry.Name(), ".down.sql"):
			downs++
		}
	}
	if ups == 0 || ups != downs {
		t.Fatalf("expected matching up/down migrations, got %d up and %d down", ups, downs)
	}
}

func TestSchemaGuardsLedgerInvariants(t *testing.T) {
	blob, err := fs.ReadFile(migrationFiles, "migrations/000001_init.up.sql")
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	schema := string(blob)
	for _, fragment := range []string{
		"NOT applied_to_campaign OR status = 'COMPLETED'",
		"ON payments (provider, external_id) WHERE external_id IS NOT NULL",
		"ON donations (idempotency_key) WHERE idempotency_key IS NOT NULL",
	} {
		if !strings.Contains(schema, fragment) {
			t.Fatalf("schema is missing %q", fragment)
		}
	}
}

func TestInitiationClaimMigration(t *testing.T) {
	up, err := fs.ReadFile(migrationFiles, "migrations/000002_initiation_claim.up.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if !strings.Contains(string(up), "initiation_started_at TIMESTAMPTZ") {
		t.Fatalf("migration does not add initiation_started_at: %s", up)
	}
}
