package migrate_test

import (
	"context"
	"testing"

	"agentcouncil/internal/db"
	"agentcouncil/internal/migrate"
)

func TestVersion(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	v, err := migrate.Version(ctx, conn)
	if err != nil || v != 0 {
		t.Fatalf("fresh database: version=%d err=%v", v, err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	latest, err := migrate.Latest()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if v, err = migrate.Version(ctx, conn); err != nil || v != latest {
		t.Fatalf("expected version %d, got %d err=%v", latest, v, err)
	}
}

func TestVersionReportsStoreErrors(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	conn.Close()
	if _, err := migrate.Version(context.Background(), conn); err == nil {
		t.Fatalf("expected error from closed database")
	}
}
