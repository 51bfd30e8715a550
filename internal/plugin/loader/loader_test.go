package loader

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, dir string, m map[string]any) {
	t.Helper()
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), raw, 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

func fileHash(t *testing.T, content []byte) string {
	t.Helper()
	h := sha256.Sum256(content)
	return "sha256:" + hex.EncodeToString(h[:])
}

func TestDiscoverAll_LoadsValidPlugin(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "weather-tracker")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	entryContent := []byte("module.exports = { metadata: {} };")
	if err := os.WriteFile(filepath.Join(dir, "plugin.js"), entryContent, 0o644); err != nil {
		t.Fatal(err)
	}
	writeManifest(t, dir, map[string]any{
		"id": "weather-tracker", "name": "Weather Tracker", "version": "1.0.0",
		"api_version": "1.0", "plugin_type": "data", "data_type": "usage",
		"entry": "plugin.js",
		"files": map[string]string{"plugin.js": fileHash(t, entryContent)},
	})

	l, err := NewLoader(root)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	discovered, err := l.DiscoverAll()
	if err != nil {
		t.Fatalf("DiscoverAll: %v", err)
	}
	if len(discovered) != 1 {
		t.Fatalf("len(discovered) = %d, want 1", len(discovered))
	}
	d := discovered[0]
	if d.Failed != nil {
		t.Fatalf("unexpected failure: %v", d.Failed)
	}
	if d.Manifest.ID != "weather-tracker" {
		t.Errorf("ID = %q, want weather-tracker", d.Manifest.ID)
	}
	d.Dir.Close()
}

func TestDiscoverAll_RejectsIDMismatch(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "dir-name")
	os.Mkdir(dir, 0o755)
	writeManifest(t, dir, map[string]any{
		"id": "different-id", "name": "X", "version": "1.0.0",
		"api_version": "1.0", "plugin_type": "data", "data_type": "usage",
	})

	l, _ := NewLoader(root)
	discovered, err := l.DiscoverAll()
	if err != nil {
		t.Fatalf("DiscoverAll: %v", err)
	}
	if len(discovered) != 1 || discovered[0].Failed == nil {
		t.Fatalf("expected a failed record for id/directory mismatch, got %+v", discovered)
	}
}

func TestDiscoverAll_RejectsCorruptedFileHash(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "p1")
	os.Mkdir(dir, 0o755)
	os.WriteFile(filepath.Join(dir, "plugin.js"), []byte("original"), 0o644)
	writeManifest(t, dir, map[string]any{
		"id": "p1", "name": "X", "version": "1.0.0",
		"api_version": "1.0", "plugin_type": "data", "data_type": "usage",
		"entry": "plugin.js",
		"files": map[string]string{"plugin.js": fileHash(t, []byte("original"))},
	})

	// Simulate tampering after the manifest was written.
	os.WriteFile(filepath.Join(dir, "plugin.js"), []byte("tampered"), 0o644)

	l, _ := NewLoader(root)
	discovered, err := l.DiscoverAll()
	if err != nil {
		t.Fatalf("DiscoverAll: %v", err)
	}
	if len(discovered) != 1 || discovered[0].Failed == nil {
		t.Fatalf("expected hash-mismatch failure, got %+v", discovered)
	}
}

func TestDiscoverAll_SkipsNonDirectoryEntries(t *testing.T) {
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, "README.md"), []byte("hi"), 0o644)

	l, _ := NewLoader(root)
	discovered, err := l.DiscoverAll()
	if err != nil {
		t.Fatalf("DiscoverAll: %v", err)
	}
	if len(discovered) != 0 {
		t.Fatalf("expected non-directory entries to be skipped, got %+v", discovered)
	}
}

func TestDiscoverAll_SymlinkEscapeRejected(t *testing.T) {
	if os.Getenv("CI_NO_SYMLINKS") != "" {
		t.Skip("symlinks unsupported in this environment")
	}
	root := t.TempDir()
	outside := t.TempDir()
	secretPath := filepath.Join(outside, "secret.js")
	os.WriteFile(secretPath, []byte("outside-root-content"), 0o644)

	dir := filepath.Join(root, "p1")
	os.Mkdir(dir, 0o755)
	// entry points at a symlink escaping the plugin root.
	if err := os.Symlink(secretPath, filepath.Join(dir, "plugin.js")); err != nil {
		t.Skipf("symlink creation unsupported: %v", err)
	}
	writeManifest(t, dir, map[string]any{
		"id": "p1", "name": "X", "version": "1.0.0",
		"api_version": "1.0", "plugin_type": "data", "data_type": "usage",
		"entry": "plugin.js",
		"files": map[string]string{"plugin.js": fileHash(t, []byte("outside-root-content"))},
	})

	l, _ := NewLoader(root)
	discovered, err := l.DiscoverAll()
	if err != nil {
		t.Fatalf("DiscoverAll: %v", err)
	}
	if len(discovered) != 1 || discovered[0].Failed == nil {
		t.Fatalf("expected symlink escape to be rejected by os.Root semantics, got %+v", discovered)
	}
}
