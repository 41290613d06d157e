package testsupport

import (
	"os"
	"path/filepath"
	"testing"
)

// WriteExecutable writes a /bin/sh script named name into dir and returns its
// path.
func WriteExecutable(t testing.TB, dir, name, script string) string {
	t.Helper()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	target := filepath.Join(dir, name)
	body := []byte("#!/bin/sh\n" + script + "\n")
	if err := os.WriteFile(target, body, 0o755); err != nil {
		t.Fatalf("write %s: %v", target, err)
	}
	return target
}
