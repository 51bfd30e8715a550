// Package manifest defines the plugin manifest record and its validation
// rules, adapted from the host's original WASM/gRPC plugin manifest into the
// JS-sandbox plugin model: a manifest now names a JS entry file rather than
// a binary or a WASM module.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
)

// PluginType is the tagged variant over which kind of data a plugin produces.
type PluginType string

const (
	TypeData   PluginType = "data"
	TypeEvent  PluginType = "event"
	TypeHybrid PluginType = "hybrid"
)

// DataType names the shape of PluginData a data/hybrid plugin emits.
type DataType string

const (
	DataUsage   DataType = "usage"
	DataBalance DataType = "balance"
	DataStatus  DataType = "status"
	DataCustom  DataType = "custom"
)

var idPattern = regexp.MustCompile(`^[a-z0-9-]{3,50}$`)

// Manifest is the validated plugin descriptor loaded from manifest.json.
type Manifest struct {
	ID               string              `json:"id" yaml:"id"`
	Name             string              `json:"name" yaml:"name"`
	Version          string              `json:"version" yaml:"version"`
	APIVersion       string              `json:"api_version" yaml:"api_version"`
	PluginType       PluginType          `json:"plugin_type" yaml:"plugin_type"`
	DataType         DataType            `json:"data_type,omitempty" yaml:"data_type,omitempty"`
	Entry            string              `json:"entry" yaml:"entry"`
	Permissions      []string            `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	SubscribedEvents []string            `json:"subscribed_events,omitempty" yaml:"subscribed_events,omitempty"`
	ExposedMethods   []string            `json:"exposed_methods,omitempty" yaml:"exposed_methods,omitempty"`
	ConfigSchema     map[string]any      `json:"config_schema,omitempty" yaml:"config_schema,omitempty"`
	Files            map[string]string   `json:"files,omitempty" yaml:"files,omitempty"`
	Signature        string              `json:"signature,omitempty" yaml:"signature,omitempty"`
}

const defaultEntry = "plugin.js"
const currentAPIVersion = "1.0"

var filesHashPattern = regexp.MustCompile(`^sha256:[0-9a-f]{64}$`)
var sigPattern = regexp.MustCompile(`^ed25519:[^:]+:[A-Za-z0-9+/=]+$`)

// Validate checks a manifest against the schema rules in the data model:
// field presence, id shape, plugin_type/data_type coherence, and path safety
// of entry and files. It does not check signatures or file hashes on disk —
// that is the lifecycle manager's job once it holds a directory handle.
func (m *Manifest) Validate() error {
	if !idPattern.MatchString(m.ID) {
		return fmt.Errorf("manifest: invalid id %q: must match [a-z0-9-]{3,50}", m.ID)
	}
	if m.Name == "" {
		return fmt.Errorf("manifest: name is required")
	}
	if m.Version == "" {
		return fmt.Errorf("manifest: version is required")
	}
	if m.APIVersion == "" {
		m.APIVersion = currentAPIVersion
	}
	if m.APIVersion != currentAPIVersion {
		return fmt.Errorf("manifest: unsupported api_version %q", m.APIVersion)
	}

	switch m.PluginType {
	case TypeData, TypeEvent, TypeHybrid:
	default:
		return fmt.Errorf("manifest: invalid plugin_type %q", m.PluginType)
	}

	if m.PluginType == TypeData || m.PluginType == TypeHybrid {
		switch m.DataType {
		case DataUsage, DataBalance, DataStatus, DataCustom:
		default:
			return fmt.Errorf("manifest: data_type required and must be valid for plugin_type %q", m.PluginType)
		}
	}

	if m.PluginType == TypeEvent || m.PluginType == TypeHybrid {
		if len(m.SubscribedEvents) == 0 {
			return fmt.Errorf("manifest: subscribed_events required for plugin_type %q", m.PluginType)
		}
	}

	if m.Entry == "" {
		m.Entry = defaultEntry
	}
	if err := validateRelativePath(m.Entry); err != nil {
		return fmt.Errorf("manifest: entry: %w", err)
	}

	for path, hash := range m.Files {
		if err := validateRelativePath(path); err != nil {
			return fmt.Errorf("manifest: files[%q]: %w", path, err)
		}
		if !filesHashPattern.MatchString(hash) {
			return fmt.Errorf("manifest: files[%q]: invalid hash format %q", path, hash)
		}
	}

	if m.Signature != "" && !sigPattern.MatchString(m.Signature) {
		return fmt.Errorf("manifest: invalid signature format")
	}

	return nil
}

// validateRelativePath rejects absolute paths and any ".." component, per
// the manifest schema summary's path-safety rule.
func validateRelativePath(p string) error {
	if p == "" {
		return fmt.Errorf("path must not be empty")
	}
	if p[0] == '/' || (len(p) > 1 && p[1] == ':') {
		return fmt.Errorf("path %q must be relative", p)
	}
	segs := splitPath(p)
	for _, s := range segs {
		if s == ".." {
			return fmt.Errorf("path %q must not contain ..", p)
		}
	}
	return nil
}

func splitPath(p string) []string {
	var segs []string
	start := 0
	for i := 0; i <= len(p); i++ {
		if i == len(p) || p[i] == '/' || p[i] == '\\' {
			if i > start {
				segs = append(segs, p[start:i])
			}
			start = i + 1
		}
	}
	return segs
}

// HashFile streams r once and returns its content hash in the manifest's
// "sha256:<hex64>" format, so the lifecycle manager never has to read a file
// twice (once to hash, once to use) for integrity verification.
func HashFile(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// HasPermission reports whether the manifest declares the given capability
// string (e.g. "network", "storage", "timer", or "call:target:method").
func (m *Manifest) HasPermission(perm string) bool {
	for _, p := range m.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}
