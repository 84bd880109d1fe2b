package runtime

import (
	"sync"

	"github.com/nextlevelbuilder/clawd/internal/config"
)

// ConfigProvider hands out the latest applied config snapshot with a
// monotone version counter, so readers can tell reloads apart.
type ConfigProvider struct {
	mu      sync.RWMutex
	cfg     *config.Config
	version int64
}

func NewConfigProvider(cfg *config.Config) *ConfigProvider {
	return &ConfigProvider{cfg: cfg, version: 1}
}

// Config returns the current snapshot.
func (p *ConfigProvider) Config() *config.Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Version returns the current config version.
func (p *ConfigProvider) Version() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.version
}

// Set installs a new snapshot and bumps the version.
func (p *ConfigProvider) Set(cfg *config.Config) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
	p.version++
	return p.version
}
