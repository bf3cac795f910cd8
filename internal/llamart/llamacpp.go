//go:build llamacpp

package llamart

import "fmt"

// NewLoader is the seam for a real llama.cpp CGO binding. This build
// carries no such binding (see DESIGN.md, Open Question resolution 3);
// wiring one means replacing this file with a Loader that calls into the
// binding and returns a Model/Context pair satisfying model.go's
// interfaces. Nothing in internal/generation, internal/sampler, or
// internal/chattemplate needs to change to pick it up.
func NewLoader() Loader {
	return func(opts LoadOptions) (Model, error) {
		return nil, fmt.Errorf("llamart: built with the llamacpp tag but no backend is linked")
	}
}
