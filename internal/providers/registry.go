package providers

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/kestrelworks/valet/internal/config"
)

// CredentialSource resolves named secrets for provider construction.
type CredentialSource interface {
	Get(name string) (string, error)
}

// Registry maps logical roles (default, quick, router, deep, browser) to
// provider instances. Roles without a binding fall back to "default".
type Registry struct {
	mu     sync.RWMutex
	byRole map[string]Provider
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byRole: map[string]Provider{}}
}

// Register binds a provider to a role, replacing any prior binding.
func (r *Registry) Register(role string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byRole[role] = p
}

// ForRole resolves the provider for a role. When the role has no binding
// the default role's provider is returned; callers keep attributing usage
// to the role they asked for.
func (r *Registry) ForRole(role string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.byRole[role]; ok {
		return p, nil
	}
	if p, ok := r.byRole["default"]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w for role %q", ErrNoProvider, role)
}

// Has reports whether the role itself is bound, ignoring the default
// fallback.
func (r *Registry) Has(role string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byRole[role]
	return ok
}

// Roles lists the configured role bindings in sorted order.
func (r *Registry) Roles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roles := make([]string, 0, len(r.byRole))
	for role := range r.byRole {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

// Build constructs a registry from configuration. A role whose credential
// is missing is skipped with a warning, except "default", which is
// required for the daemon to be useful at all.
func Build(cfg *config.Config, creds CredentialSource, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "providers")

	reg := NewRegistry()
	for role, mc := range cfg.Models {
		p, err := buildProvider(mc, creds)
		if err != nil {
			if role == "default" {
				return nil, fmt.Errorf("providers: default role: %w", err)
			}
			logger.Warn("skipping role", "role", role, "error", err)
			continue
		}
		reg.Register(role, p)
		logger.Debug("provider registered", "role", role, "kind", p.Kind(), "model", p.Model())
	}
	if _, err := reg.ForRole("default"); err != nil {
		return nil, err
	}
	return reg, nil
}

func buildProvider(mc config.ModelConfig, creds CredentialSource) (Provider, error) {
	key, err := creds.Get(mc.CredentialKey)
	if err != nil || key == "" {
		return nil, fmt.Errorf("%w: %s", ErrCredentialMissing, mc.CredentialKey)
	}
	switch mc.Kind {
	case "anthropic":
		return NewAnthropicProvider(AnthropicConfig{
			APIKey:    key,
			BaseURL:   mc.BaseURL,
			Model:     mc.Model,
			MaxTokens: mc.MaxTokens,
		})
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:    key,
			BaseURL:   mc.BaseURL,
			Model:     mc.Model,
			MaxTokens: mc.MaxTokens,
		})
	default:
		return nil, fmt.Errorf("providers: unknown kind %q", mc.Kind)
	}
}
