// Package plugin owns the lifecycle manager: the per-plugin state machine,
// its registry of loaded records, and the serialized enable/disable/reload/
// uninstall operations described in §4.3.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/tokenwatch/tokenwatch/internal/eventbus"
	"github.com/tokenwatch/tokenwatch/internal/health"
	"github.com/tokenwatch/tokenwatch/internal/manifest"
	"github.com/tokenwatch/tokenwatch/internal/plugin/loader"
)

// Record is everything the manager tracks about one discovered plugin (§3's
// Data Model).
type Record struct {
	Manifest *manifest.Manifest
	State    State
	Dir      *os.Root
	LastErr  error

	// Config is the caller-supplied configuration validated against
	// Manifest.ConfigSchema, the sandbox context's config snapshot for this
	// plugin. It survives Reload and a Discover rescan of an already-known
	// plugin (§8's round-trip law: reload(p) preserves p.config).
	Config map[string]any

	// ModuleExports is the set of top-level function names the sandbox
	// found after evaluating the plugin's entry source (on_load, fetch_data,
	// on_event, and any declared exposed_methods that are actually defined).
	ModuleExports []string

	// LastData is the JSON encoding of the most recent successful
	// fetch_data result, kept independently of reliability.Cache's TTL/TTI
	// eviction so inspection commands can always see what last succeeded.
	LastData json.RawMessage

	mu sync.Mutex // serializes lifecycle operations for this one plugin (§4.3)
}

// Manager owns the full set of plugin records, keyed by id, and mediates
// every state transition through State.Transition so the monotonic-except-
// {failed->disabled, enabled<->disabled} invariant (§3) is enforced in one
// place.
type Manager struct {
	logger  *slog.Logger
	loader  *loader.Loader
	bus     *eventbus.Bus
	health  *health.Registry

	mu       sync.RWMutex
	records  map[string]*Record
}

// NewManager builds a Manager around an already-constructed Loader.
func NewManager(l *loader.Loader, bus *eventbus.Bus, healthRegistry *health.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:  logger,
		loader:  l,
		bus:     bus,
		health:  healthRegistry,
		records: make(map[string]*Record),
	}
}

// Discover runs the loader's directory walk and folds results into the
// manager's record set: newly discovered valid manifests become `discovered`
// records, and failures are recorded as `failed` with a diagnostic, per §4.3.
func (m *Manager) Discover() error {
	discovered, err := m.loader.DiscoverAll()
	if err != nil {
		return fmt.Errorf("plugin: discovery failed: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range discovered {
		existing, had := m.records[d.ID]

		if d.Failed != nil {
			rec := &Record{State: StateFailed, LastErr: d.Failed}
			if had {
				rec.Config = existing.Config
			}
			m.records[d.ID] = rec
			m.logger.Warn("plugin: discovery failed", "plugin_id", d.ID, "error", d.Failed)
			continue
		}
		if had && existing.Dir != nil {
			existing.Dir.Close()
		}
		rec := &Record{Manifest: d.Manifest, State: StateDiscovered, Dir: d.Dir}
		if had {
			rec.Config = existing.Config
		}
		m.records[d.ID] = rec
		m.bus.Publish(eventbus.Event{Topic: "system:plugin_discovered", Data: d.ID})
	}
	return nil
}

// Get returns a snapshot of pluginID's record, or ok=false if unknown.
func (m *Manager) Get(pluginID string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[pluginID]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// List returns a snapshot of every known record.
func (m *Manager) List() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, *r)
	}
	return out
}

func (m *Manager) recordFor(pluginID string) (*Record, error) {
	m.mu.RLock()
	r, ok := m.records[pluginID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("plugin: unknown plugin id %q", pluginID)
	}
	return r, nil
}

// transition applies next to pluginID's record, publishing a lifecycle
// event on success; an illegal transition returns the error and leaves the
// record unchanged.
func (m *Manager) transition(pluginID string, next State) error {
	r, err := m.recordFor(pluginID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.State.Transition(next); err != nil {
		return err
	}
	r.State = next
	m.bus.Publish(eventbus.Event{Topic: "system:plugin_state_changed", PluginID: pluginID, Data: string(next)})
	return nil
}

// Enable transitions pluginID from loaded or disabled into enabled. Load
// (on_load, export collection) is assumed to have already happened via
// Runner.Load; Enable only flips the state and is serialized per plugin.
func (m *Manager) Enable(ctx context.Context, pluginID string) error {
	return m.transition(pluginID, StateEnabled)
}

// Disable transitions pluginID from enabled into disabled.
func (m *Manager) Disable(ctx context.Context, pluginID string) error {
	return m.transition(pluginID, StateDisabled)
}

// Reset clears a failed plugin back to disabled, the one explicit exception
// to monotonic transition per §3.
func (m *Manager) Reset(pluginID string) error {
	return m.transition(pluginID, StateDisabled)
}

// MarkLoaded transitions pluginID from discovered into loaded once on_load
// has run successfully; the caller (the module evaluation step, built
// alongside the sandbox integration) is responsible for actually invoking
// on_load before calling this.
func (m *Manager) MarkLoaded(pluginID string) error {
	return m.transition(pluginID, StateLoaded)
}

// MarkFailed force-transitions pluginID to failed from any state, recording
// cause as the diagnostic — failed is reachable from every state per §3.
func (m *Manager) MarkFailed(pluginID string, cause error) error {
	r, err := m.recordFor(pluginID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.State = StateFailed
	r.LastErr = cause
	r.mu.Unlock()
	m.bus.Publish(eventbus.Event{Topic: "system:plugin_state_changed", PluginID: pluginID, Data: string(StateFailed)})
	if m.health != nil {
		m.health.Get(pluginID)
	}
	return nil
}

// SetConfig stores cfg as pluginID's config snapshot, consulted by
// buildEngine the next time the plugin's sandbox is (re)built.
func (m *Manager) SetConfig(pluginID string, cfg map[string]any) error {
	r, err := m.recordFor(pluginID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.Config = cfg
	r.mu.Unlock()
	return nil
}

// SetModuleExports records the top-level function names found in pluginID's
// evaluated entry source.
func (m *Manager) SetModuleExports(pluginID string, exports []string) error {
	r, err := m.recordFor(pluginID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.ModuleExports = exports
	r.mu.Unlock()
	return nil
}

// SetLastData records the JSON encoding of pluginID's most recent
// successful fetch_data result.
func (m *Manager) SetLastData(pluginID string, data json.RawMessage) error {
	r, err := m.recordFor(pluginID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.LastData = data
	r.mu.Unlock()
	return nil
}

// Uninstall removes pluginID's record entirely, releasing its directory
// handle and clearing its health tracker.
func (m *Manager) Uninstall(pluginID string) error {
	m.mu.Lock()
	r, ok := m.records[pluginID]
	if ok {
		delete(m.records, pluginID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("plugin: unknown plugin id %q", pluginID)
	}

	r.mu.Lock()
	if r.Dir != nil {
		r.Dir.Close()
	}
	r.mu.Unlock()

	if m.health != nil {
		m.health.Remove(pluginID)
	}
	m.bus.Publish(eventbus.Event{Topic: "system:plugin_uninstalled", PluginID: pluginID})
	return nil
}

// Reload re-validates only pluginID's own directory (manifest, file hashes,
// signature) and replaces its record, leaving every other plugin's record
// completely untouched — unlike a full Discover rescan, a plugin_reload for
// one plugin must never reset an unrelated already-enabled plugin back to
// discovered. The target's Config is preserved, and its State is preserved
// across a successful reload rather than reset to discovered, satisfying
// §8's round-trip law (reload(p) preserves p.config and p.enabled).
func (m *Manager) Reload(ctx context.Context, pluginID string) error {
	old, err := m.recordFor(pluginID)
	if err != nil {
		return err
	}
	old.mu.Lock()
	prevState := old.State
	prevConfig := old.Config
	old.mu.Unlock()

	d, err := m.loader.DiscoverOne(pluginID)
	if err != nil {
		return fmt.Errorf("plugin: reload %q: %w", pluginID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.records[pluginID]; ok && existing.Dir != nil {
		existing.Dir.Close()
	}

	if d.Failed != nil {
		m.records[pluginID] = &Record{State: StateFailed, LastErr: d.Failed, Config: prevConfig}
		m.logger.Warn("plugin: reload failed", "plugin_id", pluginID, "error", d.Failed)
		m.bus.Publish(eventbus.Event{Topic: "system:plugin_state_changed", PluginID: pluginID, Data: string(StateFailed)})
		return d.Failed
	}

	next := StateDiscovered
	switch prevState {
	case StateEnabled, StateLoaded, StateDisabled:
		next = prevState
	}
	m.records[pluginID] = &Record{Manifest: d.Manifest, State: next, Dir: d.Dir, Config: prevConfig}
	m.bus.Publish(eventbus.Event{Topic: "system:plugin_state_changed", PluginID: pluginID, Data: string(next)})
	return nil
}
