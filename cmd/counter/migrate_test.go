package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/banshee-data/congestion.report/internal/db"
)

func TestRunMigrate_Actions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counter.db")

	steps := []struct {
		action string
		want   string
	}{
		{"version", "schema version 0 (dirty=false)\n"},
		{"up", "schema version 2 (dirty=false)\n"},
		{"down", "schema version 1 (dirty=false)\n"},
		{"force=2", "schema version 2 (dirty=false)\n"},
		{"version", "schema version 2 (dirty=false)\n"},
	}
	for _, step := range steps {
		var out bytes.Buffer
		if err := runMigrate(path, step.action, &out); err != nil {
			t.Fatalf("runMigrate(%q): %v", step.action, err)
		}
		if out.String() != step.want {
			t.Errorf("runMigrate(%q) printed %q, want %q", step.action, out.String(), step.want)
		}
	}
}

func TestRunMigrate_ForceRecoversDirtyStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counter.db")
	store, err := db.NewDB(path)
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	if _, err := store.Exec("UPDATE schema_migrations SET dirty = 1"); err != nil {
		t.Fatalf("mark dirty: %v", err)
	}
	store.Close()

	var out bytes.Buffer
	if err := runMigrate(path, "up", &out); err == nil {
		t.Fatal("expected up to fail on a dirty store")
	}
	if err := runMigrate(path, "force=2", &out); err != nil {
		t.Fatalf("force: %v", err)
	}

	store, err = db.NewDB(path)
	if err != nil {
		t.Fatalf("NewDB after force: %v", err)
	}
	store.Close()
}

func TestRunMigrate_BadActions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counter.db")
	for _, action := range []string{"sideways", "force", "force=two", "up=1"} {
		if err := runMigrate(path, action, &bytes.Buffer{}); err == nil {
			t.Errorf("runMigrate(%q) succeeded, want an error", action)
		}
	}
	if err := runMigrate("", "up", &bytes.Buffer{}); err == nil {
		t.Error("expected an error without a store path")
	}
}
