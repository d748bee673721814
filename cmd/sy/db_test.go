package main

import (
	"strings"
	"testing"
)

func TestDBCmd_Help(t *testing.T) {
	out, err := run(t, "", "db", "--help")
	if err != nil {
		t.Fatalf("db --help: %v", err)
	}
	if !strings.Contains(out, "Database management") {
		t.Errorf("help = %s", out)
	}
	for _, sub := range []string{"migrate", "reset"} {
		if !strings.Contains(out, sub) {
			t.Errorf("help does not list %q", sub)
		}
	}
}

func TestDBMigrate(t *testing.T) {
	cfg := writeConfig(t)
	out, err := run(t, "", "db", "migrate", "--config", cfg)
	if err != nil {
		t.Fatalf("migrate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Migrated 4 tables") {
		t.Errorf("output = %q", out)
	}

	// Migrating twice is a no-op.
	if _, err := run(t, "", "db", "migrate", "--config", cfg); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestDBReset_Confirmed(t *testing.T) {
	cfg := writeConfig(t)
	out, err := run(t, "yes\n", "db", "reset", "--config", cfg)
	if err != nil {
		t.Fatalf("reset: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Type \"yes\" to confirm") {
		t.Errorf("no prompt in %q", out)
	}
	if !strings.Contains(out, "Reset 4 tables") {
		t.Errorf("output = %q", out)
	}
}

func TestDBReset_Aborted(t *testing.T) {
	cfg := writeConfig(t)
	out, err := run(t, "no\n", "db", "reset", "--config", cfg)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !strings.Contains(out, "Aborted.") {
		t.Errorf("output = %q, want Aborted.", out)
	}
	if strings.Contains(out, "Reset 4 tables") {
		t.Error("tables reset without confirmation")
	}
}

func TestDBReset_Yes(t *testing.T) {
	cfg := writeConfig(t)
	out, err := run(t, "", "db", "reset", "--yes", "--config", cfg)
	if err != nil {
		t.Fatalf("reset --yes: %v", err)
	}
	if strings.Contains(out, "confirm") {
		t.Errorf("prompted despite --yes: %q", out)
	}
}
