// Package bundle loads agent bundle manifests and caches prepared bundles.
// A bundle names the provider, system prompt, behaviors, and hook
// configuration a session runs with.
package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/amplifier/amplifier/internal/common/logger"
	"github.com/amplifier/amplifier/internal/runtime"
)

// Foundation is the built-in bundle every installation has. It exists even
// without a manifest on disk so minimal sessions always have something to
// run on.
const Foundation = "foundation"

// Manifest is the on-disk bundle description.
type Manifest struct {
	Name         string         `yaml:"name"`
	Description  string         `yaml:"description"`
	SystemPrompt string         `yaml:"system_prompt"`
	Provider     ProviderSpec   `yaml:"provider"`
	Behaviors    []string       `yaml:"behaviors"`
	Hooks        []HookSpec     `yaml:"hooks"`
	Metadata     map[string]any `yaml:"metadata"`
}

// ProviderSpec names the completion provider and its configuration.
type ProviderSpec struct {
	Name   string         `yaml:"name"`
	Config map[string]any `yaml:"config"`
}

// HookSpec declares one hook registration the session installs at create
// time. Type "approval" gates matching tool:pre events behind a user
// decision; type "log" just records the event.
type HookSpec struct {
	Event   string   `yaml:"event"`
	Type    string   `yaml:"type"`
	Tools   []string `yaml:"tools"`
	Prompt  string   `yaml:"prompt"`
	Options []string `yaml:"options"`
	Default string   `yaml:"default"`
	Timeout int      `yaml:"timeout"`
}

// Prepared is a bundle resolved against a behavior set and provider
// configuration, with the provider constructed. Instances are shared via
// the cache; treat them as immutable.
type Prepared struct {
	Name           string
	SystemPrompt   string
	Behaviors      []string
	ProviderName   string
	ProviderConfig map[string]any
	Provider       runtime.Provider
	Hooks          []HookSpec

	key string
}

// Key is the cache identity this bundle was prepared under.
func (p *Prepared) Key() string { return p.key }

// Manager loads manifests and prepares bundles. Raw manifests are cached
// by name; prepared bundles by the canonical configuration hash.
type Manager struct {
	dir      string
	registry *runtime.Registry
	logger   *logger.Logger

	mu       sync.RWMutex
	raw      map[string]*Manifest
	prepared map[string]*Prepared
}

// NewManager creates a bundle manager reading manifests from dir.
func NewManager(dir string, registry *runtime.Registry, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		dir:      dir,
		registry: registry,
		logger:   log,
		raw:      make(map[string]*Manifest),
		prepared: make(map[string]*Prepared),
	}
}

// Load reads a manifest by name, serving repeats from the raw cache.
func (m *Manager) Load(name string) (*Manifest, error) {
	m.mu.RLock()
	manifest, ok := m.raw[name]
	m.mu.RUnlock()
	if ok {
		return manifest, nil
	}

	manifest, err := m.read(name)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.raw[name] = manifest
	m.mu.Unlock()
	return manifest, nil
}

func (m *Manager) read(name string) (*Manifest, error) {
	for _, ext := range []string{".yaml", ".yml"} {
		path := filepath.Join(m.dir, name+ext)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("reading bundle %q: %w", name, err)
		}
		var manifest Manifest
		if err := yaml.Unmarshal(data, &manifest); err != nil {
			return nil, fmt.Errorf("parsing bundle %q: %w", name, err)
		}
		if manifest.Name == "" {
			manifest.Name = name
		}
		return &manifest, nil
	}

	if name == Foundation {
		return builtinFoundation(), nil
	}
	return nil, fmt.Errorf("bundle %q not found in %s", name, m.dir)
}

func builtinFoundation() *Manifest {
	return &Manifest{
		Name:        Foundation,
		Description: "Built-in minimal bundle",
		Provider:    ProviderSpec{Name: "echo"},
	}
}

// Prepare resolves a bundle against behaviors and provider configuration.
// Identical inputs return the same instance.
func (m *Manager) Prepare(name string, behaviors []string, providerConfig map[string]any) (*Prepared, error) {
	key := CacheKey(name, behaviors, providerConfig)

	m.mu.RLock()
	prepared, ok := m.prepared[key]
	m.mu.RUnlock()
	if ok {
		return prepared, nil
	}

	manifest, err := m.Load(name)
	if err != nil {
		return nil, err
	}

	merged := mergeConfig(manifest.Provider.Config, providerConfig)
	merged = resolveCredentials(merged)
	providerName := manifest.Provider.Name
	if providerName == "" {
		providerName = "echo"
	}
	provider, err := m.registry.Build(providerName, merged)
	if err != nil {
		return nil, fmt.Errorf("preparing bundle %q: %w", name, err)
	}

	sortedBehaviors := append([]string(nil), behaviors...)
	sort.Strings(sortedBehaviors)

	prepared = &Prepared{
		Name:           manifest.Name,
		SystemPrompt:   manifest.SystemPrompt,
		Behaviors:      sortedBehaviors,
		ProviderName:   providerName,
		ProviderConfig: merged,
		Provider:       provider,
		Hooks:          manifest.Hooks,
		key:            key,
	}

	m.mu.Lock()
	// Another goroutine may have prepared the same key; keep the first.
	if existing, ok := m.prepared[key]; ok {
		prepared = existing
	} else {
		m.prepared[key] = prepared
	}
	m.mu.Unlock()

	m.logger.Debug("Bundle prepared",
		zap.String("bundle", name),
		zap.String("provider", providerName),
		zap.String("key", key))
	return prepared, nil
}

// Invalidate drops the raw manifest and every prepared entry for a bundle.
func (m *Manager) Invalidate(bundle string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.raw, bundle)
	prefix := bundle + ":"
	for key := range m.prepared {
		if strings.HasPrefix(key, prefix) {
			delete(m.prepared, key)
		}
	}
}

// InvalidateAll clears both caches.
func (m *Manager) InvalidateAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raw = make(map[string]*Manifest)
	m.prepared = make(map[string]*Prepared)
}

// PreparedCount reports how many prepared bundles are cached.
func (m *Manager) PreparedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.prepared)
}

// CacheKey computes the prepared-bundle identity: the bundle name, the
// sorted behavior set, and the provider configuration normalized to a
// sorted-key form before hashing.
func CacheKey(bundle string, behaviors []string, providerConfig map[string]any) string {
	sorted := append([]string(nil), behaviors...)
	sort.Strings(sorted)

	payload := map[string]any{
		"bundle":          bundle,
		"behaviors":       sorted,
		"provider_config": Canonicalize(providerConfig),
	}
	data, _ := json.Marshal(payload)
	sum := sha256.Sum256(data)
	return bundle + ":" + hex.EncodeToString(sum[:8])
}

// Canonicalize rebuilds nested configuration into types whose JSON
// encoding is stable (string-keyed maps encode with sorted keys).
func Canonicalize(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = Canonicalize(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[fmt.Sprintf("%v", key)] = Canonicalize(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Canonicalize(item)
		}
		return out
	default:
		return v
	}
}

// resolveCredentials copies provider API keys from the environment into the
// config when the manifest didn't set them. No shipped provider dials out,
// but the config shape stays compatible with ones that do.
func resolveCredentials(config map[string]any) map[string]any {
	for env, key := range map[string]string{
		"ANTHROPIC_API_KEY": "anthropic_api_key",
		"OPENAI_API_KEY":    "openai_api_key",
	} {
		if _, set := config[key]; set {
			continue
		}
		value := os.Getenv(env)
		if value == "" {
			continue
		}
		if config == nil {
			config = make(map[string]any, 2)
		}
		config[key] = value
	}
	return config
}

func mergeConfig(base, override map[string]any) map[string]any {
	if base == nil && override == nil {
		return nil
	}
	merged := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}
