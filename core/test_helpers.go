package core

import (
	"os"
	"testing"
)

func SetupTempDB(tb testing.TB, dbOpts ...Option) (db *DB, path string, cleanup func()) {
	tb.Helper()

	path, err := os.MkdirTemp("", "caskdb_test_*")
	if err != nil {
		tb.Fatalf("MkdirTemp failed: %v", err)
	}

	db, err = Open(path, dbOpts...)
	if err != nil {
		_ = os.RemoveAll(path)
		tb.Fatalf("Open(%q) failed: %v", path, err)
	}

	cleanup = func() {
		_ = db.Close()
		_ = os.RemoveAll(path)
	}

	tb.Cleanup(cleanup)

	return db, path, cleanup
}
