package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// writeConfig writes a config pointing at a fresh SQLite file.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "switchyard.yaml")
	data := "database:\n  driver: sqlite\n  path: " + filepath.Join(dir, "sy.db") + "\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestVersionCmd(t *testing.T) {
	out, err := run(t, "", "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "sy dev") {
		t.Errorf("output = %q, want prefix %q", out, "sy dev")
	}
}

func TestRootCmd_Help(t *testing.T) {
	out, err := run(t, "", "--help")
	if err != nil {
		t.Fatalf("--help: %v", err)
	}
	for _, sub := range []string{"serve", "db", "endpoints", "version"} {
		if !strings.Contains(out, sub) {
			t.Errorf("help does not list %q: %s", sub, out)
		}
	}
}

func TestServeCmd_Help(t *testing.T) {
	out, err := run(t, "", "serve", "--help")
	if err != nil {
		t.Fatalf("serve --help: %v", err)
	}
	for _, flag := range []string{"--config", "--env-file", "--log-level", "--spawn", "switchyard.yaml"} {
		if !strings.Contains(out, flag) {
			t.Errorf("help does not mention %q", flag)
		}
	}
}

func TestServeCmd_InvalidLogLevel(t *testing.T) {
	_, err := run(t, "", "serve", "--config", writeConfig(t), "--env-file", "", "--log-level", "loud")
	if err == nil || !strings.Contains(err.Error(), "invalid log level") {
		t.Fatalf("err = %v, want invalid log level", err)
	}
}

func TestServeCmd_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("database:\n  driver: postgres\n"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := run(t, "", "serve", "--config", path, "--env-file", "")
	if err == nil || !strings.Contains(err.Error(), "load config") {
		t.Fatalf("err = %v, want load config error", err)
	}
}
