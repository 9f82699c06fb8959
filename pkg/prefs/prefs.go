// Package prefs stores small persistent settings such as calibration and the
// tuned motor latency.
package prefs

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Keys used across the grinder.
const (
	KeyCalibration   = "hx_cal"
	KeyCalWeight     = "hx_wt"
	KeyMotorLatency  = "motor_lat_ms"
	KeyNextSessionID = "next_session_id"
	KeyProfileID     = "profile_id"
)

// Store is a typed key-value preferences store.
type Store interface {
	Float(key string, def float32) float32
	PutFloat(key string, v float32) error
	Int(key string, def int) int
	PutInt(key string, v int) error
	Remove(key string) error
}

var (
	_ Store = (*File)(nil)
	_ Store = (*Memory)(nil)
)

// Memory is an in-memory Store.
type Memory struct {
	mu     sync.Mutex
	values map[string]any
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]any)}
}

func (m *Memory) Float(key string, def float32) float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return toFloat(m.values[key], def)
}

func (m *Memory) PutFloat(key string, v float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = v
	return nil
}

func (m *Memory) Int(key string, def int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return toInt(m.values[key], def)
}

func (m *Memory) PutInt(key string, v int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = v
	return nil
}

func (m *Memory) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// File is a Store persisted as a YAML map. Every write rewrites the file
// through a temporary file and rename.
type File struct {
	mu     sync.Mutex
	path   string
	values map[string]any
}

// OpenFile loads preferences from path. A missing file yields an empty store.
func OpenFile(path string) (*File, error) {
	f := &File{path: path, values: make(map[string]any)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, fmt.Errorf("failed to read prefs: %w", err)
	}
	if err := yaml.Unmarshal(data, &f.values); err != nil {
		return nil, fmt.Errorf("failed to parse prefs: %w", err)
	}
	if f.values == nil {
		f.values = make(map[string]any)
	}
	return f, nil
}

func (f *File) Float(key string, def float32) float32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return toFloat(f.values[key], def)
}

func (f *File) PutFloat(key string, v float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = float64(v)
	return f.flush()
}

func (f *File) Int(key string, def int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return toInt(f.values[key], def)
}

func (f *File) PutInt(key string, v int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = v
	return f.flush()
}

func (f *File) Remove(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.values[key]; !ok {
		return nil
	}
	delete(f.values, key)
	return f.flush()
}

func (f *File) flush() error {
	data, err := yaml.Marshal(f.values)
	if err != nil {
		return fmt.Errorf("failed to marshal prefs: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".prefs-*")
	if err != nil {
		return fmt.Errorf("failed to create temp prefs: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write prefs: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync prefs: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close prefs: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to replace prefs: %w", err)
	}
	return nil
}

func toFloat(v any, def float32) float32 {
	switch x := v.(type) {
	case float32:
		return x
	case float64:
		return float32(x)
	case int:
		return float32(x)
	}
	return def
}

func toInt(v any, def int) int {
	switch x := v.(type) {
	case int:
		return x
	case float64:
		return int(x)
	case float32:
		return int(x)
	}
	return def
}
