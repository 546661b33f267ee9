package model

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ProviderConfig is the capability descriptor of one provider.
type ProviderConfig struct {
	Name        string        `yaml:"name" json:"name"`
	Model       string        `yaml:"model" json:"model"`
	MaxTokens   int           `yaml:"max_tokens" json:"maxTokens"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
	MaxAttempts int           `yaml:"max_attempts" json:"maxAttempts"`
	Enabled     bool          `yaml:"enabled" json:"enabled"`
	Priority    int           `yaml:"priority" json:"priority"`
}

const (
	DefaultMaxTokens   = 1024
	DefaultTimeout     = 30 * time.Second
	DefaultMaxAttempts = 2
)

func (c ProviderConfig) withDefaults() ProviderConfig {
	c.Name = normalizeProviderName(c.Name)
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	return c
}

// Entry pairs a provider with the descriptor it was registered under.
type Entry struct {
	Config   ProviderConfig
	Provider Provider
}

type ProviderFactory func(apiKey string) Provider

// Registry is the ordered provider list. It is read-mostly; toggles only
// affect snapshots taken after them.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]Entry
	factories map[string]ProviderFactory
}

func NewRegistry() *Registry {
	return &Registry{
		entries:   make(map[string]Entry),
		factories: make(map[string]ProviderFactory),
	}
}

func (r *Registry) Register(cfg ProviderConfig, provider Provider) error {
	if r == nil || provider == nil {
		return fmt.Errorf("provider is required")
	}
	cfg = cfg.withDefaults()
	if cfg.Name == "" {
		return fmt.Errorf("provider name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[cfg.Name] = Entry{Config: cfg, Provider: provider}
	return nil
}

func (r *Registry) Get(name string) (Entry, bool) {
	if r == nil {
		return Entry{}, false
	}
	key := normalizeProviderName(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[key]
	return entry, ok
}

func (r *Registry) SetEnabled(name string, enabled bool) error {
	key := normalizeProviderName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[key]
	if !ok {
		return fmt.Errorf("unknown provider %q", name)
	}
	entry.Config.Enabled = enabled
	r.entries[key] = entry
	return nil
}

// Snapshot returns the enabled providers in priority order. Lower priority
// values go first; ties break by name.
func (r *Registry) Snapshot() []Entry {
	out := r.entriesSorted()
	enabled := out[:0]
	for _, entry := range out {
		if entry.Config.Enabled {
			enabled = append(enabled, entry)
		}
	}
	return enabled
}

// Configs lists every registered descriptor, enabled or not.
func (r *Registry) Configs() []ProviderConfig {
	entries := r.entriesSorted()
	out := make([]ProviderConfig, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Config)
	}
	return out
}

func (r *Registry) entriesSorted() []Entry {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Config.Priority != out[j].Config.Priority {
			return out[i].Config.Priority < out[j].Config.Priority
		}
		return out[i].Config.Name < out[j].Config.Name
	})
	return out
}

func (r *Registry) RegisterFactory(name string, factory ProviderFactory) {
	if r == nil || factory == nil {
		return
	}
	key := normalizeProviderName(name)
	if key == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[key] = factory
}

func (r *Registry) New(name, apiKey string) (Provider, bool) {
	if r == nil {
		return nil, false
	}
	key := normalizeProviderName(name)
	if key == "" {
		return nil, false
	}

	r.mu.RLock()
	factory, ok := r.factories[key]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}

	provider := factory(apiKey)
	if provider == nil {
		return nil, false
	}
	return provider, true
}

// RegisterBuiltins installs factories for the HTTP providers shipped here.
func RegisterBuiltins(r *Registry) {
	r.RegisterFactory(ProviderAnthropic, func(apiKey string) Provider { return NewAnthropicProvider(apiKey) })
	r.RegisterFactory(ProviderOpenAI, func(apiKey string) Provider { return NewOpenAIProvider(apiKey) })
	r.RegisterFactory(ProviderGemini, func(apiKey string) Provider { return NewGeminiProvider(apiKey) })
}

func normalizeProviderName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
