package ipc

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/tokenwatch/tokenwatch/internal/apierrors"
	"github.com/tokenwatch/tokenwatch/internal/eventbus"
	"github.com/tokenwatch/tokenwatch/internal/health"
	"github.com/tokenwatch/tokenwatch/internal/pluginlog"
)

type fakeCore struct {
	enabled map[string]bool
}

func newFakeCore() *fakeCore { return &fakeCore{enabled: make(map[string]bool)} }

func (f *fakeCore) ListPlugins() []PluginSummary {
	return []PluginSummary{{ID: "u", Name: "Usage", State: "enabled"}}
}
func (f *fakeCore) EnablePlugin(ctx context.Context, id string) error  { f.enabled[id] = true; return nil }
func (f *fakeCore) DisablePlugin(ctx context.Context, id string) error { f.enabled[id] = false; return nil }
func (f *fakeCore) InstallPlugin(ctx context.Context, source string, skip bool) error { return nil }
func (f *fakeCore) UninstallPlugin(id string) error                                  { return nil }
func (f *fakeCore) ReloadPlugin(ctx context.Context, id string) error                { return nil }
func (f *fakeCore) CheckUpdates(ctx context.Context) ([]UpdateInfo, error)           { return nil, nil }
func (f *fakeCore) UpdatePlugin(ctx context.Context, id string) error                { return nil }
func (f *fakeCore) RollbackPlugin(ctx context.Context, id, version string) error     { return nil }
func (f *fakeCore) GetAllData() map[string]any                                       { return map[string]any{} }
func (f *fakeCore) GetPluginData(id string) (any, error) {
	if id == "missing" {
		return nil, apierrors.New(apierrors.CodeUnknown)
	}
	return map[string]any{"percentage": 42}, nil
}
func (f *fakeCore) RefreshPlugin(ctx context.Context, id string, force bool) (any, error) {
	return map[string]any{"percentage": float64(42)}, nil
}
func (f *fakeCore) RefreshAll(ctx context.Context, force bool) error { return nil }
func (f *fakeCore) GetPluginConfig(id string) (map[string]any, error) { return map[string]any{}, nil }
func (f *fakeCore) SetPluginConfig(id string, config map[string]any) error { return nil }
func (f *fakeCore) ValidatePluginConfig(id string, config map[string]any) error { return nil }

func newTestDispatcher() (*Dispatcher, *fakeCore, *eventbus.Bus) {
	bus := eventbus.NewBus()
	d := NewDispatcher(bus)
	core := newFakeCore()
	RegisterCommands(d, core, health.NewRegistry(), pluginlog.NewBuffer(10))
	return d, core, bus
}

func TestDispatch_UnknownCommand(t *testing.T) {
	d, _, _ := newTestDispatcher()
	env := d.Dispatch(context.Background(), "nonexistent", nil)
	if env.Success {
		t.Fatal("expected failure for unknown command")
	}
	if env.Error.Code != apierrors.CodeUnknown {
		t.Errorf("code = %q, want UNKNOWN", env.Error.Code)
	}
}

func TestDispatch_PluginList(t *testing.T) {
	d, _, _ := newTestDispatcher()
	env := d.Dispatch(context.Background(), "plugin_list", nil)
	if !env.Success {
		t.Fatalf("expected success, got error %+v", env.Error)
	}
	summaries, ok := env.Data.([]PluginSummary)
	if !ok || len(summaries) != 1 {
		t.Errorf("unexpected data: %+v", env.Data)
	}
}

func TestDispatch_PluginEnableMutatesCore(t *testing.T) {
	d, core, _ := newTestDispatcher()
	params, _ := json.Marshal(map[string]string{"id": "u"})
	env := d.Dispatch(context.Background(), "plugin_enable", params)
	if !env.Success {
		t.Fatalf("expected success, got %+v", env.Error)
	}
	if !core.enabled["u"] {
		t.Error("expected core.enabled[u] to be true")
	}
}

func TestDispatch_MissingIDRejected(t *testing.T) {
	d, _, _ := newTestDispatcher()
	env := d.Dispatch(context.Background(), "plugin_enable", json.RawMessage(`{}`))
	if env.Success {
		t.Fatal("expected failure for missing id")
	}
	if env.Error.Code != apierrors.CodeParseError {
		t.Errorf("code = %q, want PARSE_ERROR", env.Error.Code)
	}
}

func TestDispatch_RefreshPluginEmitsDataUpdatedEvent(t *testing.T) {
	d, _, bus := newTestDispatcher()
	ch, unsub := bus.Subscribe(EventPluginDataUpdated)
	defer unsub()

	params, _ := json.Marshal(map[string]any{"id": "u", "force": true})
	env := d.Dispatch(context.Background(), "refresh_plugin", params)
	if !env.Success {
		t.Fatalf("expected success, got %+v", env.Error)
	}

	select {
	case ev := <-ch:
		if ev.PluginID != "u" {
			t.Errorf("event plugin id = %q, want u", ev.PluginID)
		}
	default:
		t.Fatal("expected ipc:plugin_data_updated to be published")
	}
}

func TestDispatch_GetPluginDataPropagatesPluginError(t *testing.T) {
	d, _, _ := newTestDispatcher()
	params, _ := json.Marshal(map[string]string{"id": "missing"})
	env := d.Dispatch(context.Background(), "get_plugin_data", params)
	if env.Success {
		t.Fatal("expected failure")
	}
}

func TestRegister_DuplicateCommandPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	bus := eventbus.NewBus()
	d := NewDispatcher(bus)
	d.Register("x", func(ctx context.Context, raw json.RawMessage) (any, error) { return nil, nil })
	d.Register("x", func(ctx context.Context, raw json.RawMessage) (any, error) { return nil, nil })
}
