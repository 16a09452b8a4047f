package config

import (
	"fmt"
	"sync"
)

// Provider hands out configuration snapshots. Reload re-reads the source and
// swaps the current snapshot only when the new one validates.
type Provider interface {
	Current() *Config
	Reload() (*Config, error)
}

// FileProvider is a Provider backed by a YAML file on disk.
type FileProvider struct {
	path      string
	overrides func(*Config)

	mu  sync.RWMutex
	cfg *Config
}

// NewFileProvider loads path once and returns a provider serving it.
func NewFileProvider(path string) (*FileProvider, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &FileProvider{path: path, cfg: cfg}, nil
}

// NewStaticProvider wraps an already-built configuration. Reload returns it
// unchanged.
func NewStaticProvider(cfg *Config) *FileProvider {
	return &FileProvider{cfg: cfg}
}

// SetOverrides applies fn to the current snapshot and to every reloaded one,
// so command line flags survive a reload.
func (p *FileProvider) SetOverrides(fn func(*Config)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.overrides = fn
	if p.cfg != nil && fn != nil {
		fn(p.cfg)
	}
}

func (p *FileProvider) Current() *Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Reload re-reads the file. A generated client id is carried over so a
// reload does not present the gateway to the broker as a new client.
func (p *FileProvider) Reload() (*Config, error) {
	if p.path == "" {
		return p.Current(), nil
	}

	next, err := Load(p.path)
	if err != nil {
		return nil, fmt.Errorf("reload %s: %w", p.path, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cfg != nil && next.generatedClientID && p.cfg.generatedClientID {
		next.MQTT.ClientID = p.cfg.MQTT.ClientID
	}
	if p.overrides != nil {
		p.overrides(next)
	}
	p.cfg = next
	return next, nil
}
