package upstream

import (
	"context"
	"fmt"
	"sort"

	"ChannelArchiver/internal/domain"
)

// Upstream is one concrete way of reading channel history (web preview,
// desktop export, ...).
type Upstream interface {
	Name() string
	Fetch(ctx context.Context, source string, q domain.FetchQuery) ([]domain.UpstreamMessage, error)
}

// Registry keeps a mapping from upstream names to their implementations.
type Registry struct {
	upstreams map[string]Upstream
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{upstreams: map[string]Upstream{}}
}

// Register adds or replaces an upstream implementation.
func (r *Registry) Register(u Upstream) {
	if r.upstreams == nil {
		r.upstreams = map[string]Upstream{}
	}
	r.upstreams[u.Name()] = u
}

// Resolve returns an upstream by name or an error if it is absent.
func (r *Registry) Resolve(name string) (Upstream, error) {
	if u, ok := r.upstreams[name]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("upstream %s is not registered", name)
}

// Names lists the registered upstreams, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.upstreams))
	for name := range r.upstreams {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
