package repo

import (
	"context"
	"path/filepath"
	"testing"
)

func TestOpenSQLite_AndMigrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "onboard.db")

	db, err := OpenSQLite(path, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	if err := AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	// The migrated schema must accept the full provisioning path.
	if _, err := CreateAccount(context.Background(), db, "+221765005555", testRoster, "telegram", "tg-1"); err != nil {
		t.Fatalf("create after migrate: %v", err)
	}
}

func TestOpenSQLite_MissingParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "no", "such", "dir", "onboard.db")
	if _, err := OpenSQLite(path, false); err == nil {
		t.Fatal("expected error for missing parent directory")
	}
}
