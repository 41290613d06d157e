package preflight

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"kiln/internal/config"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckBuildProgram(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "build")
	if err := os.WriteFile(script, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	plain := filepath.Join(dir, "plain")
	if err := os.WriteFile(plain, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		program string
		pass    bool
	}{
		{"executable script", script, true},
		{"on PATH", "sh", true},
		{"empty", "  ", false},
		{"missing", filepath.Join(dir, "missing"), false},
		{"not executable", plain, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CheckBuildProgram(tt.program)
			if result.Passed != tt.pass {
				t.Fatalf("Passed = %v, want %v (%s)", result.Passed, tt.pass, result.Detail)
			}
		})
	}
}

func TestCheckSocketPath(t *testing.T) {
	if result := CheckSocketPath("/tmp/kiln/daemons/abc.sock"); !result.Passed {
		t.Fatalf("short path failed: %s", result.Detail)
	}
	long := "/" + strings.Repeat("x", maxSocketPath+1)
	result := CheckSocketPath(long)
	if result.Passed {
		t.Fatal("expected overlong path to fail")
	}
	if !strings.Contains(result.Detail, "state_dir") {
		t.Fatalf("detail should point at state_dir: %s", result.Detail)
	}
}

func TestCheckAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/status" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	bind := strings.TrimPrefix(srv.URL, "http://")

	if result := CheckAPI(context.Background(), bind, "good"); !result.Passed {
		t.Fatalf("expected pass, got: %s", result.Detail)
	}
	if result := CheckAPI(context.Background(), bind, "bad"); result.Passed {
		t.Fatal("expected failure for bad token")
	}
	if result := CheckAPI(context.Background(), "", ""); !result.Passed || result.Detail != "Disabled" {
		t.Fatalf("disabled api = %+v", result)
	}
}

func TestCheckAPI_NotListening(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	bind := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	result := CheckAPI(context.Background(), bind, "")
	if !result.Passed {
		t.Fatalf("no listener should not fail the check: %s", result.Detail)
	}
}

func TestRunAll_NilConfig(t *testing.T) {
	if results := RunAll(context.Background(), nil); results != nil {
		t.Fatal("expected nil results for nil config")
	}
}

func TestRunAll_MinimalConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.StateDir = t.TempDir()
	cfg.Paths.LogDir = t.TempDir()
	cfg.Build.Program = "sh"
	cfg.API.Bind = ""

	results := RunAll(context.Background(), &cfg)
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	if failed := Failed(results); len(failed) != 0 {
		t.Fatalf("unexpected failures: %+v", failed)
	}
}

func TestRunAll_ReportsMissingProgram(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.StateDir = t.TempDir()
	cfg.Paths.LogDir = t.TempDir()
	cfg.Build.Program = filepath.Join(t.TempDir(), "absent")
	cfg.API.Bind = ""

	failed := Failed(RunAll(context.Background(), &cfg))
	if len(failed) != 1 || failed[0].Name != "Build program" {
		t.Fatalf("failed = %+v", failed)
	}
}
