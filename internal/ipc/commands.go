package ipc

import (
	"context"
	"encoding/json"

	"github.com/tokenwatch/tokenwatch/internal/apierrors"
	"github.com/tokenwatch/tokenwatch/internal/health"
	"github.com/tokenwatch/tokenwatch/internal/pluginlog"
)

// Core is the set of collaborators the command surface dispatches into. It
// is a narrow interface rather than a concrete *plugin.Manager so this
// package never imports the sandbox/manager stack directly, mirroring the
// broker package's decoupling from the manager (§4.6's cyclic-ownership note
// applies here too: the IPC layer looks plugins up by id, never by object
// reference).
type Core interface {
	ListPlugins() []PluginSummary
	EnablePlugin(ctx context.Context, id string) error
	DisablePlugin(ctx context.Context, id string) error
	InstallPlugin(ctx context.Context, source string, skipSignature bool) error
	UninstallPlugin(id string) error
	ReloadPlugin(ctx context.Context, id string) error
	CheckUpdates(ctx context.Context) ([]UpdateInfo, error)
	UpdatePlugin(ctx context.Context, id string) error
	RollbackPlugin(ctx context.Context, id, version string) error

	GetAllData() map[string]any
	GetPluginData(id string) (any, error)
	RefreshPlugin(ctx context.Context, id string, force bool) (any, error)
	RefreshAll(ctx context.Context, force bool) error

	GetPluginConfig(id string) (map[string]any, error)
	SetPluginConfig(id string, config map[string]any) error
	ValidatePluginConfig(id string, config map[string]any) error
}

// PluginSummary is the plugin_list / get_plugin_* response shape.
type PluginSummary struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
}

// UpdateInfo describes an available plugin update for plugin_check_updates.
type UpdateInfo struct {
	ID             string `json:"id"`
	CurrentVersion string `json:"current_version"`
	LatestVersion  string `json:"latest_version"`
}

// RegisterCommands binds every stable command name from §6 onto core, plus
// the health-registry- and log-buffer-backed monitoring and supplemented
// commands.
func RegisterCommands(d *Dispatcher, core Core, healthRegistry *health.Registry, logs *pluginlog.Buffer) {
	d.Register("plugin_list", func(ctx context.Context, _ json.RawMessage) (any, error) {
		return core.ListPlugins(), nil
	})
	d.Register("plugin_enable", withID(func(ctx context.Context, id string, _ json.RawMessage) (any, error) {
		return nil, core.EnablePlugin(ctx, id)
	}))
	d.Register("plugin_disable", withID(func(ctx context.Context, id string, _ json.RawMessage) (any, error) {
		return nil, core.DisablePlugin(ctx, id)
	}))
	d.Register("plugin_install", func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req struct {
			Source        string `json:"source"`
			SkipSignature bool   `json:"skip_signature"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, apierrors.Newf(apierrors.CodeParseError, "invalid plugin_install params: %v", err)
		}
		if err := core.InstallPlugin(ctx, req.Source, req.SkipSignature); err != nil {
			return nil, err
		}
		d.Emit(EventPluginInstalled, "", map[string]any{"source": req.Source})
		return nil, nil
	})
	d.Register("plugin_uninstall", withID(func(ctx context.Context, id string, _ json.RawMessage) (any, error) {
		if err := core.UninstallPlugin(id); err != nil {
			return nil, err
		}
		d.Emit(EventPluginUninstalled, id, nil)
		return nil, nil
	}))
	d.Register("plugin_reload", withID(func(ctx context.Context, id string, _ json.RawMessage) (any, error) {
		return nil, core.ReloadPlugin(ctx, id)
	}))
	d.Register("plugin_check_updates", func(ctx context.Context, _ json.RawMessage) (any, error) {
		return core.CheckUpdates(ctx)
	})
	d.Register("plugin_update", withID(func(ctx context.Context, id string, _ json.RawMessage) (any, error) {
		if err := core.UpdatePlugin(ctx, id); err != nil {
			return nil, err
		}
		d.Emit(EventPluginUpdated, id, nil)
		return nil, nil
	}))
	d.Register("plugin_rollback", func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req struct {
			ID      string `json:"id"`
			Version string `json:"version"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, apierrors.Newf(apierrors.CodeParseError, "invalid plugin_rollback params: %v", err)
		}
		return nil, core.RollbackPlugin(ctx, req.ID, req.Version)
	})

	d.Register("get_all_data", func(ctx context.Context, _ json.RawMessage) (any, error) {
		return core.GetAllData(), nil
	})
	d.Register("get_plugin_data", withID(func(ctx context.Context, id string, _ json.RawMessage) (any, error) {
		return core.GetPluginData(id)
	}))
	d.Register("refresh_plugin", func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req struct {
			ID    string `json:"id"`
			Force bool   `json:"force"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, apierrors.Newf(apierrors.CodeParseError, "invalid refresh_plugin params: %v", err)
		}
		data, err := core.RefreshPlugin(ctx, req.ID, req.Force)
		if err != nil {
			return nil, err
		}
		d.Emit(EventPluginDataUpdated, req.ID, data)
		return data, nil
	})
	d.Register("refresh_all", func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req struct {
			Force bool `json:"force"`
		}
		json.Unmarshal(raw, &req)
		return nil, core.RefreshAll(ctx, req.Force)
	})

	d.Register("get_plugin_config", withID(func(ctx context.Context, id string, _ json.RawMessage) (any, error) {
		return core.GetPluginConfig(id)
	}))
	d.Register("set_plugin_config", func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req struct {
			ID     string         `json:"id"`
			Config map[string]any `json:"config"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, apierrors.Newf(apierrors.CodeParseError, "invalid set_plugin_config params: %v", err)
		}
		return nil, core.SetPluginConfig(req.ID, req.Config)
	})
	d.Register("validate_plugin_config", func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req struct {
			ID     string         `json:"id"`
			Config map[string]any `json:"config"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, apierrors.Newf(apierrors.CodeParseError, "invalid validate_plugin_config params: %v", err)
		}
		return nil, core.ValidatePluginConfig(req.ID, req.Config)
	})

	d.Register("get_all_health", func(ctx context.Context, _ json.RawMessage) (any, error) {
		return healthRegistry.All(), nil
	})
	d.Register("get_plugin_health", withID(func(ctx context.Context, id string, _ json.RawMessage) (any, error) {
		return healthRegistry.Get(id).Snapshot(), nil
	}))

	// Supplemented commands (not in the original IPC contract, enriching it):
	d.Register("get_plugin_logs", func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req struct {
			ID    string `json:"id"`
			Limit int    `json:"limit"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, apierrors.Newf(apierrors.CodeParseError, "invalid get_plugin_logs params: %v", err)
		}
		return logs.ByPlugin(req.ID, req.Limit), nil
	})
	d.Register("get_plugin_stats", withID(func(ctx context.Context, id string, _ json.RawMessage) (any, error) {
		return healthRegistry.Get(id).Snapshot(), nil
	}))
	d.Register("get_all_plugin_stats", func(ctx context.Context, _ json.RawMessage) (any, error) {
		return healthRegistry.All(), nil
	})
}

// withID adapts a handler that takes a decoded {id} param to the raw
// Handler signature, used by every single-plugin command.
func withID(fn func(ctx context.Context, id string, raw json.RawMessage) (any, error)) Handler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, apierrors.Newf(apierrors.CodeParseError, "invalid params: %v", err)
		}
		if req.ID == "" {
			return nil, apierrors.Newf(apierrors.CodeParseError, "missing required field \"id\"")
		}
		return fn(ctx, req.ID, raw)
	}
}
