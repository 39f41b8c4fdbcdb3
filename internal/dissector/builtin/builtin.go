// Package builtin assembles the dissectors shipped with layers.
package builtin

import (
	"sort"

	"firestige.xyz/layers/internal/dissector"
	"firestige.xyz/layers/internal/dissector/dnsinspect"
	"firestige.xyz/layers/internal/dissector/httpinspect"
	"firestige.xyz/layers/internal/dissector/sipinspect"
)

type builderFunc func(options map[string]any, workspace string) (dissector.Builder, error)

var builders = map[string]builderFunc{
	httpinspect.Name: httpinspect.Builder,
	dnsinspect.Name:  dnsinspect.Builder,
	sipinspect.Name:  sipinspect.Builder,
}

// Names lists the built-in dissectors.
func Names() []string {
	names := make([]string, 0, len(builders))
	for name := range builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Builders creates every built-in dissector with its options.
func Builders(options map[string]map[string]any, workspace string) (map[string]dissector.Builder, error) {
	out := make(map[string]dissector.Builder, len(builders))
	for name, build := range builders {
		b, err := build(options[name], workspace)
		if err != nil {
			return nil, err
		}
		out[name] = b
	}
	return out, nil
}

// NewRegistry builds the registry for the enabled dissectors.
func NewRegistry(enabled []string, options map[string]map[string]any, workspace string) (*dissector.Registry, error) {
	all, err := Builders(options, workspace)
	if err != nil {
		return nil, err
	}
	return dissector.NewRegistry(enabled, all)
}
