package main

import (
	"context"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/tokenwatch/tokenwatch/internal/apierrors"
	"github.com/tokenwatch/tokenwatch/internal/ipc"
	"github.com/tokenwatch/tokenwatch/internal/manifest"
	"github.com/tokenwatch/tokenwatch/internal/plugin"
)

// managerCore adapts *plugin.Manager and *plugin.Runner to the narrow
// ipc.Core interface.
type managerCore struct {
	manager *plugin.Manager
	runner  *plugin.Runner
}

func (c *managerCore) ListPlugins() []ipc.PluginSummary {
	records := c.manager.List()
	out := make([]ipc.PluginSummary, 0, len(records))
	for _, r := range records {
		var id, name string
		if r.Manifest != nil {
			id, name = r.Manifest.ID, r.Manifest.Name
		}
		out = append(out, ipc.PluginSummary{ID: id, Name: name, State: string(r.State)})
	}
	return out
}

func (c *managerCore) EnablePlugin(ctx context.Context, id string) error {
	return c.manager.Enable(ctx, id)
}

func (c *managerCore) DisablePlugin(ctx context.Context, id string) error {
	if err := c.manager.Disable(ctx, id); err != nil {
		return err
	}
	c.runner.InvalidateEngine(id)
	return nil
}

func (c *managerCore) UninstallPlugin(id string) error {
	if err := c.manager.Uninstall(id); err != nil {
		return err
	}
	c.runner.InvalidateEngine(id)
	return nil
}

func (c *managerCore) ReloadPlugin(ctx context.Context, id string) error {
	if err := c.manager.Reload(ctx, id); err != nil {
		return err
	}
	c.runner.InvalidateEngine(id)
	return nil
}

func (c *managerCore) InstallPlugin(ctx context.Context, source string, skipSignature bool) error {
	return apierrors.Newf(apierrors.CodeUnknown, "plugin_install from a marketplace source %q is handled by the tray app, not this CLI", source)
}

func (c *managerCore) CheckUpdates(ctx context.Context) ([]ipc.UpdateInfo, error) {
	return nil, nil
}

func (c *managerCore) UpdatePlugin(ctx context.Context, id string) error {
	return apierrors.Newf(apierrors.CodeUnknown, "plugin_update requires marketplace registry access, out of scope for this CLI")
}

func (c *managerCore) RollbackPlugin(ctx context.Context, id, version string) error {
	return apierrors.Newf(apierrors.CodeUnknown, "plugin_rollback requires marketplace registry access, out of scope for this CLI")
}

// GetAllData returns the fetch_data result for every enabled data or hybrid
// plugin, served from cache where a live entry exists and otherwise by
// running fetch_data; a plugin whose fetch fails is left out of the map.
func (c *managerCore) GetAllData() map[string]any {
	out := make(map[string]any)
	for _, rec := range c.manager.List() {
		if rec.State != plugin.StateEnabled || rec.Manifest == nil {
			continue
		}
		if rec.Manifest.PluginType != manifest.TypeData && rec.Manifest.PluginType != manifest.TypeHybrid {
			continue
		}
		if data, err := c.runner.FetchData(context.Background(), rec.Manifest.ID, false); err == nil {
			out[rec.Manifest.ID] = data
		}
	}
	return out
}

// GetPluginData returns the plugin's cached fetch_data result, running
// fetch_data only if nothing cached survives its TTL/TTI window.
func (c *managerCore) GetPluginData(id string) (any, error) {
	if _, ok := c.manager.Get(id); !ok {
		return nil, apierrors.Newf(apierrors.CodeUnknown, "unknown plugin %q", id)
	}
	return c.runner.FetchData(context.Background(), id, false)
}

func (c *managerCore) RefreshPlugin(ctx context.Context, id string, force bool) (any, error) {
	if _, ok := c.manager.Get(id); !ok {
		return nil, apierrors.Newf(apierrors.CodeUnknown, "unknown plugin %q", id)
	}
	return c.runner.FetchData(ctx, id, force)
}

// RefreshAll refreshes every enabled data/hybrid plugin, collecting failures
// rather than aborting on the first one so one misbehaving plugin can never
// block the rest of the tray's refresh cycle.
func (c *managerCore) RefreshAll(ctx context.Context, force bool) error {
	var failures []string
	for _, rec := range c.manager.List() {
		if rec.State != plugin.StateEnabled || rec.Manifest == nil {
			continue
		}
		if rec.Manifest.PluginType != manifest.TypeData && rec.Manifest.PluginType != manifest.TypeHybrid {
			continue
		}
		if _, err := c.runner.FetchData(ctx, rec.Manifest.ID, force); err != nil {
			failures = append(failures, rec.Manifest.ID)
		}
	}
	if len(failures) > 0 {
		return apierrors.Newf(apierrors.CodeProviderError, "refresh failed for plugins: %v", failures)
	}
	return nil
}

func (c *managerCore) GetPluginConfig(id string) (map[string]any, error) {
	rec, ok := c.manager.Get(id)
	if !ok {
		return nil, apierrors.Newf(apierrors.CodeUnknown, "unknown plugin %q", id)
	}
	if rec.Config == nil {
		return map[string]any{}, nil
	}
	return rec.Config, nil
}

// SetPluginConfig validates cfg against the plugin's declared config_schema
// before storing it, then invalidates the plugin's cached engine so the next
// invocation rebuilds it with the new config snapshot (§3, §4.3).
func (c *managerCore) SetPluginConfig(id string, cfg map[string]any) error {
	if err := c.ValidatePluginConfig(id, cfg); err != nil {
		return err
	}
	if err := c.manager.SetConfig(id, cfg); err != nil {
		return err
	}
	c.runner.InvalidateEngine(id)
	return nil
}

// ValidatePluginConfig checks cfg against the plugin's manifest-declared
// config_schema (a JSON Schema document), if any. A plugin with no
// config_schema accepts any config, since it has declared no constraints.
func (c *managerCore) ValidatePluginConfig(id string, cfg map[string]any) error {
	rec, ok := c.manager.Get(id)
	if !ok {
		return apierrors.Newf(apierrors.CodeUnknown, "unknown plugin %q", id)
	}
	if rec.Manifest == nil || len(rec.Manifest.ConfigSchema) == 0 {
		return nil
	}

	schemaLoader := gojsonschema.NewGoLoader(rec.Manifest.ConfigSchema)
	docLoader := gojsonschema.NewGoLoader(cfg)
	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return apierrors.Newf(apierrors.CodeParseError, "plugin %q: invalid config_schema: %v", id, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return apierrors.Newf(apierrors.CodeParseError, "plugin %q: config validation failed: %s", id, strings.Join(msgs, "; "))
	}
	return nil
}
