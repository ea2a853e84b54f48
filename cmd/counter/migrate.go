package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/banshee-data/congestion.report/internal/db"
)

const migrateUsage = "up, down, version or force=<version>"

// runMigrate applies one schema maintenance action to the store at path.
// The store is opened without migrating so a dirty version can be forced.
func runMigrate(path, action string, out io.Writer) error {
	if path == "" {
		return fmt.Errorf("--migrate needs --db")
	}
	name, arg, hasArg := strings.Cut(action, "=")
	if name != "force" && hasArg {
		return fmt.Errorf("unknown migrate action %q, want %s", action, migrateUsage)
	}

	store, err := db.OpenDB(path)
	if err != nil {
		return fmt.Errorf("failed to open history store: %w", err)
	}
	defer store.Close()

	switch name {
	case "up":
		if err := store.MigrateUp(); err != nil {
			return err
		}
	case "down":
		if err := store.MigrateDown(); err != nil {
			return err
		}
	case "force":
		version, err := strconv.Atoi(arg)
		if !hasArg || err != nil {
			return fmt.Errorf("force needs a version number, e.g. force=2")
		}
		if err := store.MigrateForce(version); err != nil {
			return err
		}
	case "version":
	default:
		return fmt.Errorf("unknown migrate action %q, want %s", action, migrateUsage)
	}

	version, dirty, err := store.MigrateVersion()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "schema version %d (dirty=%v)\n", version, dirty)
	return nil
}
