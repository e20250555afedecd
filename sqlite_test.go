package tinyids

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSQLiteStore_SaveLoadDelete(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "tinyids-sqlite-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	dbPath := filepath.Join(tmpDir, "db", sqliteFileName)
	store, err := OpenSQLiteStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	info, err := os.Stat(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("database mode %o, want 0600", perm)
	}

	if _, ok, err := store.Load("10.0.0.1"); err != nil || ok {
		t.Fatalf("Load on empty db = %v, %v", ok, err)
	}

	if err := store.Save("10.0.0.1", testRecord("a")); err != nil {
		t.Fatal(err)
	}
	if err := store.Save("10.0.0.1", testRecord("b")); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	rec, ok, err := store.Load("10.0.0.1")
	if err != nil || !ok {
		t.Fatalf("Load = %v, %v", ok, err)
	}
	if rec != testRecord("b") {
		t.Errorf("Expected %+v, got %+v", testRecord("b"), rec)
	}

	if err := store.Delete("10.0.0.1"); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete("10.0.0.1"); err != nil {
		t.Errorf("Delete of missing id failed: %v", err)
	}
	if _, ok, _ := store.Load("10.0.0.1"); ok {
		t.Error("record still present after Delete")
	}
}

func TestSQLiteStore_InvalidRecord(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "tinyids-sqlite-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	store, err := OpenSQLiteStore(filepath.Join(tmpDir, sqliteFileName))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	s := store.(*sqliteStore)
	if _, err := s.db.Exec(`INSERT INTO fingerprints(client, value) VALUES(?, ?)`, "10.0.0.1", "garbage"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.Load("10.0.0.1"); err == nil {
		t.Error("Expected error for malformed stored value")
	}
}
