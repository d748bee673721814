package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/db"
	"github.com/zulandar/switchyard/internal/registry"
	"github.com/zulandar/switchyard/internal/store"
)

func TestEndpointsList_Empty(t *testing.T) {
	cfg := writeConfig(t)
	if _, err := run(t, "", "db", "migrate", "--config", cfg); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, "", "endpoints", "list", "--config", cfg)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "No endpoints registered.") {
		t.Errorf("output = %q", out)
	}
}

func TestEndpointsList_Records(t *testing.T) {
	path := writeConfig(t)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	gdb, err := db.Open(cfg.Database)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatal(err)
	}
	st, _ := store.New(store.Opts{DB: gdb})
	if _, err := st.CreateEndpoint(context.Background(), "http://127.0.0.1:11435"); err != nil {
		t.Fatal(err)
	}
	db.Close(gdb)

	out, err := run(t, "", "endpoints", "list", "--config", path)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "ENDPOINT") || !strings.Contains(out, "http://127.0.0.1:11435") {
		t.Errorf("output = %q", out)
	}
}

func TestEndpointsList_Server(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/endpoints" || r.URL.Query().Get("verbose") != "1" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"endpoints": []registry.Endpoint{{
				Address:   "http://127.0.0.1:11436",
				Port:      11436,
				PID:       4242,
				StartedAt: time.Now().Add(-time.Minute),
				LastSeen:  time.Now(),
				Failures:  1,
			}},
		})
	}))
	defer srv.Close()

	out, err := run(t, "", "endpoints", "list", "--server", srv.URL)
	if err != nil {
		t.Fatalf("list --server: %v", err)
	}
	for _, want := range []string{"http://127.0.0.1:11436", "11436", "4242", "FAILURES"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %s", want, out)
		}
	}
}

func TestEndpointsList_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := run(t, "", "endpoints", "list", "--server", srv.URL)
	if err == nil || !strings.Contains(err.Error(), "status 500") {
		t.Fatalf("err = %v, want status 500", err)
	}
}
