package capability

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sync"

	"github.com/tokenwatch/tokenwatch/internal/apierrors"
)

var storageKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,256}$`)

const (
	storageQuotaBytes    = 1 * 1024 * 1024
	storageValueCapBytes = 100 * 1024
	storageMaxKeys       = 1000
)

// Storage is the per-plugin key-value store (§4.2). It is held in memory
// only: there is no durable backend and nothing is flushed on shutdown, so
// stored values do not survive a restart.
type Storage struct {
	mu     sync.Mutex
	plugin map[string]map[string][]byte
	size   map[string]int
}

// NewStorage creates an empty store.
func NewStorage() *Storage {
	return &Storage{plugin: make(map[string]map[string][]byte), size: make(map[string]int)}
}

// Set validates key and value, then atomically replaces pluginID's entry.
// value must already be JSON-serializable Go data (string, float64/int,
// bool, nil, []any, map[string]any); anything else — including NaN/Inf,
// which json.Marshal itself refuses — is rejected with STORAGE_LIMIT.
func (s *Storage) Set(pluginID, key string, value any) error {
	if !storageKeyPattern.MatchString(key) {
		return apierrors.Newf(apierrors.CodeStorageLimit, "invalid storage key %q", key)
	}
	if err := rejectNonSerializable(value); err != nil {
		return apierrors.Newf(apierrors.CodeStorageLimit, "%v", err)
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return apierrors.Newf(apierrors.CodeStorageLimit, "value is not JSON-serializable: %v", err)
	}
	if len(encoded) > storageValueCapBytes {
		return apierrors.Newf(apierrors.CodeStorageLimit, "value exceeds %d byte cap", storageValueCapBytes)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.plugin[pluginID]
	if !ok {
		bucket = make(map[string][]byte)
		s.plugin[pluginID] = bucket
	}

	prevSize := len(bucket[key])
	_, existed := bucket[key]
	newTotal := s.size[pluginID] - prevSize + len(encoded)
	if newTotal > storageQuotaBytes {
		return apierrors.Newf(apierrors.CodeStorageLimit, "plugin storage quota of %d bytes exceeded", storageQuotaBytes)
	}
	if !existed && len(bucket) >= storageMaxKeys {
		return apierrors.Newf(apierrors.CodeStorageLimit, "plugin storage key limit of %d exceeded", storageMaxKeys)
	}

	bucket[key] = encoded
	s.size[pluginID] = newTotal
	return nil
}

// Get returns the decoded value stored at key, or ok=false if absent.
func (s *Storage) Get(pluginID, key string) (any, bool, error) {
	s.mu.Lock()
	raw, ok := s.plugin[pluginID][key]
	s.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false, apierrors.Newf(apierrors.CodeStorageLimit, "stored value is corrupt: %v", err)
	}
	return v, true, nil
}

// Delete removes key from pluginID's bucket, if present.
func (s *Storage) Delete(pluginID, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.plugin[pluginID]
	if !ok {
		return
	}
	if raw, ok := bucket[key]; ok {
		s.size[pluginID] -= len(raw)
		delete(bucket, key)
	}
}

// InvalidatePlugin removes all of pluginID's stored data, used on uninstall.
func (s *Storage) InvalidatePlugin(pluginID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.plugin, pluginID)
	delete(s.size, pluginID)
}

// rejectNonSerializable walks value for the specific non-JSON-serializable
// shapes §4.2 calls out by name: NaN/Inf floats are the only ones Go's own
// type system can express and json.Marshal would otherwise reject anyway —
// checked explicitly here so the error carries the STORAGE_LIMIT code
// instead of json.Marshal's generic UnsupportedValueError.
func rejectNonSerializable(value any) error {
	switch v := value.(type) {
	case float32:
		return rejectFloat(float64(v))
	case float64:
		return rejectFloat(v)
	case map[string]any:
		for _, vv := range v {
			if err := rejectNonSerializable(vv); err != nil {
				return err
			}
		}
	case []any:
		for _, vv := range v {
			if err := rejectNonSerializable(vv); err != nil {
				return err
			}
		}
	}
	return nil
}

func rejectFloat(f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("NaN and Infinity are not JSON-serializable")
	}
	return nil
}
