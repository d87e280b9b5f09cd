package formats

import (
	"fmt"
	"sort"
	"strings"

	"spectroscopy/pkg/domain"
)

// Registry maps format names to plugins. It is immutable once built.
type Registry struct {
	plugins map[string]Plugin
}

// NewRegistry indexes plugins by upper-cased format name. Empty and
// duplicate names are rejected.
func NewRegistry(plugins ...Plugin) (*Registry, error) {
	r := &Registry{plugins: make(map[string]Plugin, len(plugins))}
	for _, p := range plugins {
		if p == nil {
			return nil, fmt.Errorf("nil format plugin")
		}
		key := normalize(p.Format())
		if key == "" {
			return nil, fmt.Errorf("format plugin %T has no name", p)
		}
		if _, exists := r.plugins[key]; exists {
			return nil, fmt.Errorf("format %s registered twice", key)
		}
		r.plugins[key] = p
	}
	return r, nil
}

// Lookup returns the plugin for name, ignoring case.
func (r *Registry) Lookup(name string) (Plugin, error) {
	if r != nil {
		if p, ok := r.plugins[normalize(name)]; ok {
			return p, nil
		}
	}
	return nil, &domain.UnknownFormatError{Format: name}
}

// Formats lists registered format names in sorted order.
func (r *Registry) Formats() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.plugins))
	for k := range r.plugins {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func normalize(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}
