package plugin

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/tokenwatch/tokenwatch/internal/eventbus"
	"github.com/tokenwatch/tokenwatch/internal/health"
	"github.com/tokenwatch/tokenwatch/internal/plugin/loader"
)

func newTestManager(t *testing.T, pluginsRoot string) *Manager {
	t.Helper()
	l, err := loader.NewLoader(pluginsRoot)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	return NewManager(l, eventbus.NewBus(), health.NewRegistry(), nil)
}

func writeTestPlugin(t *testing.T, root, id string) {
	t.Helper()
	dir := filepath.Join(root, id)
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	m := map[string]any{
		"id": id, "name": id, "version": "1.0.0", "api_version": "1.0",
		"plugin_type": "data", "data_type": "usage",
	}
	raw, _ := json.Marshal(m)
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), raw, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestManager_DiscoverPopulatesRecords(t *testing.T) {
	root := t.TempDir()
	writeTestPlugin(t, root, "p1")

	mgr := newTestManager(t, root)
	if err := mgr.Discover(); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	rec, ok := mgr.Get("p1")
	if !ok {
		t.Fatal("expected p1 to be discovered")
	}
	if rec.State != StateDiscovered {
		t.Errorf("State = %v, want discovered", rec.State)
	}
	rec.Dir.Close()
}

func TestManager_LifecycleTransitions(t *testing.T) {
	root := t.TempDir()
	writeTestPlugin(t, root, "p1")

	mgr := newTestManager(t, root)
	mgr.Discover()
	defer func() {
		if r, ok := mgr.Get("p1"); ok && r.Dir != nil {
			r.Dir.Close()
		}
	}()

	if err := mgr.MarkLoaded("p1"); err != nil {
		t.Fatalf("MarkLoaded: %v", err)
	}
	if err := mgr.Enable(context.Background(), "p1"); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	rec, _ := mgr.Get("p1")
	if rec.State != StateEnabled {
		t.Errorf("State = %v, want enabled", rec.State)
	}

	if err := mgr.Disable(context.Background(), "p1"); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	rec, _ = mgr.Get("p1")
	if rec.State != StateDisabled {
		t.Errorf("State = %v, want disabled", rec.State)
	}
}

func TestManager_InvalidTransitionRejected(t *testing.T) {
	root := t.TempDir()
	writeTestPlugin(t, root, "p1")

	mgr := newTestManager(t, root)
	mgr.Discover()
	defer func() {
		if r, ok := mgr.Get("p1"); ok && r.Dir != nil {
			r.Dir.Close()
		}
	}()

	// discovered -> enabled directly (skipping loaded) is not a valid hop.
	if err := mgr.Enable(context.Background(), "p1"); err == nil {
		t.Fatal("expected transition error for discovered->enabled")
	}
}

func TestManager_FailedReachableFromAnyState(t *testing.T) {
	root := t.TempDir()
	writeTestPlugin(t, root, "p1")

	mgr := newTestManager(t, root)
	mgr.Discover()
	defer func() {
		if r, ok := mgr.Get("p1"); ok && r.Dir != nil {
			r.Dir.Close()
		}
	}()

	if err := mgr.MarkFailed("p1", os.ErrInvalid); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	rec, _ := mgr.Get("p1")
	if rec.State != StateFailed {
		t.Errorf("State = %v, want failed", rec.State)
	}

	// The only escape from failed is back to disabled.
	if err := mgr.Reset("p1"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	rec, _ = mgr.Get("p1")
	if rec.State != StateDisabled {
		t.Errorf("State = %v, want disabled after reset", rec.State)
	}
}

func TestManager_UninstallRemovesRecord(t *testing.T) {
	root := t.TempDir()
	writeTestPlugin(t, root, "p1")

	mgr := newTestManager(t, root)
	mgr.Discover()

	if err := mgr.Uninstall("p1"); err != nil {
		t.Fatalf("Uninstall: %v", err)
	}
	if _, ok := mgr.Get("p1"); ok {
		t.Error("expected p1 to be gone after Uninstall")
	}
}
