package pigeonvar

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestRegisterLogger(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "index.db")
	log := slog.Default()

	if l := RegisterLogger(p, log); l != nil {
		t.Fatalf("got logger for new database under test")
	}
	if err := os.WriteFile(p, nil, 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if l := RegisterLogger(p, log); l != log {
		t.Fatalf("got %v, expected logger for existing database", l)
	}
	if Version == "" {
		t.Fatalf("empty version")
	}
}
