// Package registry enumerates the enabled upstream providers and resolves
// friendly model aliases to provider-native model names.
package registry

import (
	"sort"
	"time"

	"github.com/blueberrycongee/llmux/internal/config"
)

// Descriptor holds everything needed to call one upstream provider. Built at
// startup and immutable afterwards.
type Descriptor struct {
	Name         string
	BaseURL      string
	APIKey       string
	Models       []string
	Timeout      time.Duration
	ExtraHeaders map[string]string
}

// Supports reports whether the provider lists the native model name.
func (d *Descriptor) Supports(model string) bool {
	for _, m := range d.Models {
		if m == model {
			return true
		}
	}
	return false
}

type Registry struct {
	order     []string
	providers map[string]*Descriptor
	aliases   map[string]map[string]string
}

// New builds a registry from configuration. A provider is enabled iff its
// block is present, not explicitly disabled, and carries a non-empty API
// key. Providers are never probed here; reachability is a health concern.
func New(providers config.Providers, aliases map[string]map[string]string) *Registry {
	r := &Registry{
		providers: make(map[string]*Descriptor),
		aliases:   aliases,
	}

	for _, name := range providers.Order {
		pc := providers.Entries[name]
		if pc.Enabled != nil && !*pc.Enabled {
			continue
		}
		if pc.APIKey == "" {
			continue
		}
		r.order = append(r.order, name)
		r.providers[name] = &Descriptor{
			Name:         name,
			BaseURL:      pc.BaseURL,
			APIKey:       pc.APIKey,
			Models:       pc.Models,
			Timeout:      pc.TimeoutDuration(),
			ExtraHeaders: pc.ExtraHeaders,
		}
	}

	return r
}

// Get returns the descriptor for an enabled provider.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	d, ok := r.providers[name]
	return d, ok
}

// List returns all enabled providers in configuration order.
func (r *Registry) List() []*Descriptor {
	out := make([]*Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.providers[name])
	}
	return out
}

// Names returns the enabled provider names in configuration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Supports reports whether the named provider lists the native model.
func (r *Registry) Supports(provider, model string) bool {
	d, ok := r.providers[provider]
	return ok && d.Supports(model)
}

// AliasNames returns the friendly model names in sorted order.
func (r *Registry) AliasNames() []string {
	out := make([]string, 0, len(r.aliases))
	for name := range r.aliases {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Resolve maps a friendly model name to the provider-native name. Unknown
// names pass through unchanged so providers accept their own native names
// directly.
func (r *Registry) Resolve(model, provider string) string {
	if byProvider, ok := r.aliases[model]; ok {
		if native, ok := byProvider[provider]; ok {
			return native
		}
	}
	return model
}
