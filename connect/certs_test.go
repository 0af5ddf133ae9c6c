package connect

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadTLSConfigGeneratesSelfSigned(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "certs", "server.crt")
	key := filepath.Join(dir, "certs", "server.key")

	cfg, err := LoadTLSConfig(cert, key, true)
	if err != nil {
		t.Fatalf("LoadTLSConfig: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("got %d certificates", len(cfg.Certificates))
	}
	info, err := os.Stat(key)
	if err != nil {
		t.Fatalf("key not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("key permissions = %o, want 600", perm)
	}

	// A second load reuses the files instead of regenerating them.
	before, _ := os.ReadFile(cert)
	if _, err := LoadTLSConfig(cert, key, true); err != nil {
		t.Fatalf("reload: %v", err)
	}
	after, _ := os.ReadFile(cert)
	if string(before) != string(after) {
		t.Fatal("certificate regenerated although it existed")
	}
}

func TestLoadTLSConfigMissingFiles(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadTLSConfig(filepath.Join(dir, "a.crt"), filepath.Join(dir, "a.key"), false); err == nil {
		t.Fatal("expected an error for missing certificate files")
	}
}
