package backend

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"github.com/seantiz/anvil/internal/model"
)

// BackendInfo pairs a backend name with its capabilities.
type BackendInfo struct {
	Name         string       `json:"name"`
	Capabilities Capabilities `json:"capabilities"`
}

// Registry holds registered backends and resolves which one to use for a
// given run based on the requested mode.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Backend),
	}
}

// Register adds a backend to the registry under the given mode name. The
// auto mode is resolved, never registered; Register panics if asked to.
func (r *Registry) Register(mode string, b Backend) {
	if mode == model.ModeAuto {
		panic("backend: cannot register the auto mode")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[mode] = b
}

// AutoMode returns the mode "auto" resolves to: interactive runs need a live
// input conduit and go to stream, everything else runs as batch.
func AutoMode(interactive bool) string {
	if interactive {
		return model.ModeStream
	}
	return model.ModeBatch
}

// Resolve returns the backend to use for the given mode. If mode is "auto",
// AutoMode picks the target. Returns an error if the resolved backend is not
// registered.
func (r *Registry) Resolve(mode string, interactive bool) (Backend, error) {
	target := mode
	if target == model.ModeAuto {
		target = AutoMode(interactive)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[target]
	if !ok {
		return nil, fmt.Errorf("backend %q is not registered", target)
	}
	return b, nil
}

// List returns every registered backend with its capabilities, ordered by
// mode name.
func (r *Registry) List() []BackendInfo {
	r.mu.RLock()
	infos := make([]BackendInfo, 0, len(r.backends))
	for mode, b := range r.backends {
		infos = append(infos, BackendInfo{Name: mode, Capabilities: b.Capabilities()})
	}
	r.mu.RUnlock()

	slices.SortFunc(infos, func(a, b BackendInfo) int { return cmp.Compare(a.Name, b.Name) })
	return infos
}

// Modes returns the registered mode names in order.
func (r *Registry) Modes() []string {
	infos := r.List()
	modes := make([]string, len(infos))
	for i, info := range infos {
		modes[i] = info.Name
	}
	return modes
}
