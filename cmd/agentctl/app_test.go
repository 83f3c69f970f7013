package main

import "testing"

func TestBuildCheckpointer_MySQLRequiresDSN(t *testing.T) {
	f := &appFlags{dataDir: t.TempDir(), dbBackend: "mysql"}
	if _, err := buildCheckpointer(f); err == nil {
		t.Fatal("expected an error when --db-backend=mysql is set without --mysql-dsn")
	}
}

func TestBuildCheckpointer_UnknownBackend(t *testing.T) {
	f := &appFlags{dataDir: t.TempDir(), dbBackend: "postgres"}
	if _, err := buildCheckpointer(f); err == nil {
		t.Fatal("expected an error for an unrecognized --db-backend")
	}
}

func TestBuildCheckpointer_SQLiteDefault(t *testing.T) {
	f := &appFlags{dataDir: t.TempDir()}
	cp, err := buildCheckpointer(f)
	if err != nil {
		t.Fatalf("buildCheckpointer: %v", err)
	}
	defer func() { _ = cp.Close() }()
}
