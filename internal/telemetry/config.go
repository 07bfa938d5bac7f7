package telemetry

import (
	"sync"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ConfigStore is the teacher's control.ConfigStore (thread-safe map plus
// reload listeners) with jsoniter-backed snapshot (de)serialization for the
// introspection/debug dump surface. It is a generic string-keyed store: no
// package in this module writes TM init flags, message sizes or polling
// constants into it; those are Go constants in their own packages.
type ConfigStore struct {
	mu        sync.RWMutex
	config    map[string]any
	listeners []func()
}

func NewConfigStore() *ConfigStore {
	return &ConfigStore{config: make(map[string]any)}
}

func (cs *ConfigStore) Get(key string) (any, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	v, ok := cs.config[key]
	return v, ok
}

// GetSnapshot returns a copy of all config values.
func (cs *ConfigStore) GetSnapshot() map[string]any {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make(map[string]any, len(cs.config))
	for k, v := range cs.config {
		out[k] = v
	}
	return out
}

// SetConfig merges new values and dispatches reload.
func (cs *ConfigStore) SetConfig(newCfg map[string]any) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for k, v := range newCfg {
		cs.config[k] = v
	}
	cs.dispatchReload()
}

func (cs *ConfigStore) OnReload(fn func()) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, fn)
}

func (cs *ConfigStore) dispatchReload() {
	for _, fn := range cs.listeners {
		go fn()
	}
}

// MarshalSnapshot serializes the current config as JSON via jsoniter, for
// the debug/introspection dump surface.
func (cs *ConfigStore) MarshalSnapshot() ([]byte, error) {
	return json.Marshal(cs.GetSnapshot())
}

// LoadSnapshot merges a jsoniter-decoded JSON blob into the store and
// dispatches reload, the counterpart to MarshalSnapshot.
func (cs *ConfigStore) LoadSnapshot(data []byte) error {
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	cs.SetConfig(decoded)
	return nil
}
