package migrate

import (
	"testing"

	"promptline/internal/db"
)

func TestMigrateIdempotentAndVersioned(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	v, err := SchemaVersion(conn)
	if err != nil || v != 0 {
		t.Fatalf("fresh schema version = %d (%v), want 0", v, err)
	}

	if err := Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	v, err = SchemaVersion(conn)
	if err != nil || v < 1 {
		t.Fatalf("schema version after migrate = %d (%v)", v, err)
	}

	// second run applies nothing
	if err := Migrate(conn); err != nil {
		t.Fatalf("re-migrate: %v", err)
	}
	again, err := SchemaVersion(conn)
	if err != nil || again != v {
		t.Fatalf("schema version drifted: %d -> %d (%v)", v, again, err)
	}
}
