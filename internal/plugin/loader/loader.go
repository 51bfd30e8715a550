// Package loader discovers plugin directories and loads their manifests
// using Go 1.24's os.Root API so every path resolution is bound to the
// plugins root and cannot be redirected by a symlink swapped in between
// discovery and load (the classic resolve-then-open TOCTOU race, §4.3).
package loader

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tokenwatch/tokenwatch/internal/canonjson"
	"github.com/tokenwatch/tokenwatch/internal/manifest"
	"github.com/tokenwatch/tokenwatch/internal/plugin/signing"
)

// Discovered is one plugin directory found under the plugins root: its
// manifest plus a retained directory handle. All further reads for this
// plugin resolve through Dir, never by reconstructing an absolute path —
// that handle stays valid and bound to this directory even if the on-disk
// name is later replaced by a symlink.
type Discovered struct {
	ID       string
	Manifest *manifest.Manifest
	Dir      *os.Root
	Failed   error // set when discovery found the directory but rejected it
}

// LoaderOption configures a Loader, following the teacher's functional
// options idiom.
type LoaderOption func(*Loader)

// WithSignatureVerification requires every loaded manifest to carry a valid
// signature against trusted, or fail closed.
func WithSignatureVerification(trusted signing.TrustStore) LoaderOption {
	return func(l *Loader) {
		l.requireSignature = true
		l.trusted = trusted
	}
}

// WithLogger injects a structured logger.
func WithLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) { l.logger = logger }
}

// Loader discovers and loads plugin manifests from a plugins root directory.
type Loader struct {
	pluginsRoot       string
	requireSignature  bool
	trusted           signing.TrustStore
	logger            *slog.Logger

	watcher    *fsnotify.Watcher
	debounceMu sync.Mutex
	debounce   map[string]*debounceTimer
}

// NewLoader opens pluginsRoot (which must exist) and returns a Loader bound
// to it.
func NewLoader(pluginsRoot string, opts ...LoaderOption) (*Loader, error) {
	l := &Loader{pluginsRoot: pluginsRoot, logger: slog.Default(), debounce: make(map[string]*debounceTimer)}
	for _, opt := range opts {
		opt(l)
	}
	if _, err := os.Stat(pluginsRoot); err != nil {
		return nil, fmt.Errorf("loader: plugins root %q: %w", pluginsRoot, err)
	}
	return l, nil
}

// DiscoverAll walks the plugins root one entry at a time, opening each
// subdirectory as its own os.Root and loading manifest.json through it.
// Entries that are not directories are skipped; invalid or duplicate-id
// manifests are returned as Discovered records with Failed set rather than
// omitted, so callers can record a failed state with a diagnostic (§4.3).
func (l *Loader) DiscoverAll() ([]Discovered, error) {
	root, err := os.OpenRoot(l.pluginsRoot)
	if err != nil {
		return nil, fmt.Errorf("loader: opening plugins root: %w", err)
	}
	defer root.Close()

	entries, err := os.ReadDir(l.pluginsRoot)
	if err != nil {
		return nil, fmt.Errorf("loader: listing plugins root: %w", err)
	}

	seen := make(map[string]bool)
	var result []Discovered
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		d := l.loadOne(root, name)
		if d.Manifest != nil && d.Manifest.ID != name {
			d.Failed = fmt.Errorf("manifest id %q does not match directory name %q", d.Manifest.ID, name)
			d.Manifest = nil
		}
		if d.Manifest != nil {
			if seen[d.Manifest.ID] {
				d.Failed = fmt.Errorf("duplicate plugin id %q", d.Manifest.ID)
				d.Manifest = nil
			} else {
				seen[d.Manifest.ID] = true
			}
		}
		if d.Failed == nil {
			d.ID = name
		} else {
			d.ID = name
			if d.Dir != nil {
				d.Dir.Close()
				d.Dir = nil
			}
		}
		result = append(result, d)
	}
	return result, nil
}

// DiscoverOne re-validates a single plugin directory by name, used by a
// targeted plugin_reload (or a watch callback for one changed directory)
// that must not disturb any other plugin's record the way a full
// DiscoverAll rescan would.
func (l *Loader) DiscoverOne(pluginID string) (Discovered, error) {
	root, err := os.OpenRoot(l.pluginsRoot)
	if err != nil {
		return Discovered{}, fmt.Errorf("loader: opening plugins root: %w", err)
	}
	defer root.Close()

	d := l.loadOne(root, pluginID)
	if d.Manifest != nil && d.Manifest.ID != pluginID {
		d.Failed = fmt.Errorf("manifest id %q does not match directory name %q", d.Manifest.ID, pluginID)
		if d.Dir != nil {
			d.Dir.Close()
			d.Dir = nil
		}
		d.Manifest = nil
	}
	d.ID = pluginID
	return d, nil
}

// loadOne opens dirName as a sub-root of root (no-follow at every path
// component, per os.Root's TOCTOU-safe semantics) and loads its manifest.
func (l *Loader) loadOne(root *os.Root, dirName string) Discovered {
	pluginRoot, err := root.OpenRoot(dirName)
	if err != nil {
		return Discovered{Failed: fmt.Errorf("opening plugin directory: %w", err)}
	}

	f, err := pluginRoot.Open("manifest.json")
	if err != nil {
		pluginRoot.Close()
		return Discovered{Failed: fmt.Errorf("opening manifest.json: %w", err)}
	}
	raw, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		pluginRoot.Close()
		return Discovered{Failed: fmt.Errorf("reading manifest.json: %w", err)}
	}

	var m manifest.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		pluginRoot.Close()
		return Discovered{Failed: fmt.Errorf("parsing manifest.json: %w", err)}
	}
	if err := m.Validate(); err != nil {
		pluginRoot.Close()
		return Discovered{Failed: fmt.Errorf("invalid manifest: %w", err)}
	}

	if err := l.verifyIntegrity(pluginRoot, &m); err != nil {
		pluginRoot.Close()
		return Discovered{Failed: err}
	}

	return Discovered{Manifest: &m, Dir: pluginRoot}
}

// verifyIntegrity streams each file named in the manifest's files map once
// and compares its sha256 to the advertised hash, then verifies the
// manifest signature (if present, or required by WithSignatureVerification)
// against the canonical JSON encoding of the manifest minus its own
// signature field.
func (l *Loader) verifyIntegrity(root *os.Root, m *manifest.Manifest) error {
	for relPath, wantHash := range m.Files {
		f, err := root.Open(filepath.FromSlash(relPath))
		if err != nil {
			return fmt.Errorf("opening %q for integrity check: %w", relPath, err)
		}
		gotHash, err := manifest.HashFile(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("hashing %q: %w", relPath, err)
		}
		if gotHash != wantHash {
			return fmt.Errorf("file %q hash mismatch: manifest says %q, got %q", relPath, wantHash, gotHash)
		}
	}

	if m.Signature == "" {
		if l.requireSignature {
			return fmt.Errorf("manifest signature required but absent")
		}
		return nil
	}

	unsigned := *m
	unsigned.Signature = ""
	canonical, err := canonjson.Marshal(&unsigned)
	if err != nil {
		return fmt.Errorf("canonicalizing manifest for signature check: %w", err)
	}
	if err := signing.Verify(m.Signature, canonical, l.trusted); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}

// debounceTimer is a per-path pending-reload timer, coalescing the burst of
// fsnotify events one plugin directory update produces into one callback.
type debounceTimer struct {
	stop chan struct{}
}

const watchDebounce = 500 * time.Millisecond

// WatchDir starts an fsnotify watch on the plugins root directory and calls
// onChange with a plugin's directory name once its events settle for
// watchDebounce — the hot directory watch supplementing §4.3's manual
// plugin_reload with change-driven reloads. The watch is not recursive: it
// only sees entries appearing, disappearing, or being renamed directly under
// the plugins root, which is exactly the granularity a plugin install/
// update/uninstall produces.
func (l *Loader) WatchDir(onChange func(pluginID string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("loader: starting watcher: %w", err)
	}
	if err := w.Add(l.pluginsRoot); err != nil {
		w.Close()
		return fmt.Errorf("loader: watching %q: %w", l.pluginsRoot, err)
	}
	l.watcher = w

	go l.watchLoop(onChange)
	return nil
}

func (l *Loader) watchLoop(onChange func(pluginID string)) {
	for {
		select {
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			l.scheduleDebounced(filepath.Base(ev.Name), onChange)
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("loader: watch error", "error", err)
		}
	}
}

// scheduleDebounced resets pluginID's pending-reload timer: a burst of
// events for the same directory (e.g. every file in a plugin update landing
// one at a time) collapses into a single onChange call watchDebounce after
// the last event.
func (l *Loader) scheduleDebounced(pluginID string, onChange func(pluginID string)) {
	l.debounceMu.Lock()
	if existing, ok := l.debounce[pluginID]; ok {
		close(existing.stop)
	}
	dt := &debounceTimer{stop: make(chan struct{})}
	l.debounce[pluginID] = dt
	l.debounceMu.Unlock()

	go func() {
		timer := time.NewTimer(watchDebounce)
		defer timer.Stop()
		select {
		case <-timer.C:
			l.debounceMu.Lock()
			delete(l.debounce, pluginID)
			l.debounceMu.Unlock()
			onChange(pluginID)
		case <-dt.stop:
		}
	}()
}

// Close stops the watcher started by WatchDir, if any.
func (l *Loader) Close() error {
	if l.watcher == nil {
		return nil
	}
	return l.watcher.Close()
}
