package config

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Manager owns the loaded configuration and the runtime-mutable product line
// properties. It is the only component allowed to write the config file back,
// which it does through the same viper instance that read it so comments-free
// round-tripping stays consistent.
type Manager struct {
	mu  sync.RWMutex
	cfg *Config
	v   *viper.Viper
}

// NewManager loads the configuration from configPath and returns a Manager
// around it.
func NewManager(configPath string) (*Manager, error) {
	cfg, v, err := load(configPath)
	if err != nil {
		return nil, err
	}
	return &Manager{cfg: cfg, v: v}, nil
}

// Config returns the current configuration snapshot.
func (m *Manager) Config() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Line returns the product line with the given name, or nil when unknown.
func (m *Manager) Line(name string) *ProductLine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Line(name)
}

// SetLineProperty sets a property on the named product line and persists the
// change back to the config file. Properties hold small operational facts the
// pipeline learns at runtime, such as the chat message id of a release
// announcement, so they must survive restarts.
func (m *Manager) SetLineProperty(line, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pl := m.cfg.Line(line)
	if pl == nil {
		return fmt.Errorf("unknown product line: %s", line)
	}
	if pl.Properties == nil {
		pl.Properties = make(map[string]string)
	}
	pl.Properties[key] = value

	// Viper cannot address a slice element by key path, so the whole lines
	// section is re-serialized on every property write. Lines are few and
	// writes are rare (one per release install), so this is fine.
	serialized := make([]map[string]any, len(m.cfg.Lines))
	for i := range m.cfg.Lines {
		serialized[i] = lineToMap(&m.cfg.Lines[i])
	}
	m.v.Set("lines", serialized)
	if err := m.v.WriteConfig(); err != nil {
		return fmt.Errorf("failed to persist line property: %w", err)
	}

	slog.Debug("persisted line property", "line", line, "key", key)
	return nil
}

// lineToMap converts a product line back into the key layout the YAML config
// file uses, for write-back through viper.
func lineToMap(pl *ProductLine) map[string]any {
	return map[string]any{
		"name": pl.Name,
		"ci": map[string]any{
			"kind":    pl.CI.Kind,
			"job_url": pl.CI.JobURL,
		},
		"source": map[string]any{
			"kind":      pl.Source.Kind,
			"owner":     pl.Source.Owner,
			"repo":      pl.Source.Repo,
			"api_token": pl.Source.APIToken,
		},
		"webhook_secret": pl.WebhookSecret,
		"file_mappings": map[string]any{
			"file_groups":  pl.FileMappings.FileGroups,
			"environments": pl.FileMappings.Environments,
			"common_files": pl.FileMappings.CommonFiles,
		},
		"properties": pl.Properties,
	}
}

// Watch registers a callback invoked whenever the config file changes on disk.
// The callback receives the fsnotify event that triggered the reload. Reloads
// only refresh the in-memory snapshot; components that captured configuration
// at startup (rate limiters, server timeouts) keep their original values until
// restart.
func (m *Manager) Watch(onChange func(fsnotify.Event)) {
	m.v.OnConfigChange(func(e fsnotify.Event) {
		m.mu.Lock()
		var cfg Config
		if err := m.v.Unmarshal(&cfg); err != nil {
			m.mu.Unlock()
			slog.Error("failed to reload changed config file", "file", e.Name, "error", err)
			return
		}
		if err := cfg.Validate(); err != nil {
			m.mu.Unlock()
			slog.Error("ignoring invalid config file change", "file", e.Name, "error", err)
			return
		}
		m.cfg = &cfg
		m.mu.Unlock()

		slog.Info("configuration file reloaded", "file", e.Name, "op", e.Op.String())
		if onChange != nil {
			onChange(e)
		}
	})
	m.v.WatchConfig()
}
