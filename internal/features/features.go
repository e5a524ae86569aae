package features

import (
	"fmt"
	"sort"
	"sync"
)

// Flag is one runtime toggle.
type Flag struct {
	Name        string `json:"name"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description,omitempty"`
}

// Manager holds the flags. It is safe for concurrent use.
type Manager struct {
	mu    sync.RWMutex
	flags map[string]*Flag
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{flags: make(map[string]*Flag)}
}

// Register adds or replaces a flag.
func (m *Manager) Register(name string, enabled bool, description string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flags[name] = &Flag{Name: name, Enabled: enabled, Description: description}
}

// IsEnabled reports a flag's state. Unknown flags are off.
func (m *Manager) IsEnabled(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.flags[name]
	return ok && f.Enabled
}

// Set toggles a registered flag.
func (m *Manager) Set(name string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.flags[name]
	if !ok {
		return fmt.Errorf("unknown feature flag %q", name)
	}
	f.Enabled = enabled
	return nil
}

// List returns copies of every flag sorted by name.
func (m *Manager) List() []Flag {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Flag, 0, len(m.flags))
	for _, f := range m.flags {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Predefined feature flag names
const (
	// FeatureFetchCache enables the list query cache
	FeatureFetchCache = "fetch_cache"
	// FeatureEventHooks enables publishing session events
	FeatureEventHooks = "event_hooks"
	// FeatureRevealThrottle enables the per-client throttle on the reveal route
	FeatureRevealThrottle = "reveal_throttle"
	// FeatureDailyReset enables the built-in 24h counter reset
	FeatureDailyReset = "daily_reset"
)

// Defaults registers the known flags, all enabled, then applies overrides.
// Unknown names in overrides are registered too so typos show up in List.
func Defaults(overrides map[string]bool) *Manager {
	m := NewManager()
	m.Register(FeatureFetchCache, true, "Cache coupon and store lists per filter")
	m.Register(FeatureEventHooks, true, "Publish session events to subscribers")
	m.Register(FeatureRevealThrottle, true, "Throttle reveal requests per client")
	m.Register(FeatureDailyReset, true, "Reset the daily reveal counter every 24h")

	for name, enabled := range overrides {
		if err := m.Set(name, enabled); err != nil {
			m.Register(name, enabled, "")
		}
	}
	return m
}
