package dissector

import (
	"fmt"
	"sort"

	"firestige.xyz/layers/internal/classifier"
	"firestige.xyz/layers/internal/core"
)

// Builder is a named dissector: the protocols it serves and how to create
// inspectors for them.
type Builder struct {
	IDs     []classifier.ProtoID
	Factory Factory
}

// Registry maps protocol ids to inspector factories. It is read-only after
// NewRegistry and safe to share between workers.
type Registry struct {
	factories map[classifier.ProtoID]Factory
	enabled   []string
}

// NewRegistry registers every enabled builder under each of its ids.
func NewRegistry(enabled []string, builders map[string]Builder) (*Registry, error) {
	r := &Registry{factories: make(map[classifier.ProtoID]Factory)}
	for _, name := range enabled {
		b, ok := builders[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", core.ErrDissectorNotFound, name)
		}
		for _, id := range b.IDs {
			r.factories[id] = b.Factory
		}
		r.enabled = append(r.enabled, name)
	}
	sort.Strings(r.enabled)
	return r, nil
}

// Alloc creates the inspector for a verdict. The app id wins over the master
// id; without a match the default inspector is returned.
func (r *Registry) Alloc(result classifier.ProtoResult, ctx *classifier.Context, flow Flow) Inspector {
	if f, ok := r.lookup(result); ok {
		return f(ctx, flow)
	}
	return Default()
}

func (r *Registry) lookup(result classifier.ProtoResult) (Factory, bool) {
	if result.App != classifier.ProtoUnknown {
		if f, ok := r.factories[result.App]; ok {
			return f, true
		}
	}
	if result.Master != classifier.ProtoUnknown {
		if f, ok := r.factories[result.Master]; ok {
			return f, true
		}
	}
	return nil, false
}

// Serves reports whether a dissector is registered for the verdict.
func (r *Registry) Serves(result classifier.ProtoResult) bool {
	_, ok := r.lookup(result)
	return ok
}

// Enabled returns the sorted names of the registered dissectors.
func (r *Registry) Enabled() []string {
	return r.enabled
}
