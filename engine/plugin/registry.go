package plugin

import (
	"errors"
	"fmt"
	"os"
	goplugin "plugin"
	"sort"
	"sync"
)

// NativeSymbol is the symbol a native plugin file must export. Its type is
// either func() Instance or func(Descriptor) (Instance, error).
const NativeSymbol = "NewInstance"

// Factory creates a fresh instance for desc.
type Factory func(desc Descriptor) (Instance, error)

type entry struct {
	desc    Descriptor
	factory Factory
}

// Registry resolves descriptors to instances. Built-in processors are
// registered by id; descriptors that carry a Path are opened as native Go
// plugin files.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	open    func(path string) (symbolLookup, error)
}

type symbolLookup interface {
	Lookup(name string) (goplugin.Symbol, error)
}

// NewRegistry creates a registry holding the built-in processors.
func NewRegistry() *Registry {
	r := &Registry{
		entries: make(map[string]entry),
		open: func(path string) (symbolLookup, error) {
			return goplugin.Open(path)
		},
	}
	registerBuiltins(r)
	return r
}

// Register adds a factory under desc.ID.
func (r *Registry) Register(desc Descriptor, f Factory) error {
	if desc.ID == "" {
		return errors.New("plugin: empty descriptor id")
	}
	if desc.ABIVersion == 0 {
		desc.ABIVersion = HostABIVersion
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[desc.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, desc.ID)
	}
	r.entries[desc.ID] = entry{desc: desc, factory: f}
	return nil
}

// Lookup returns the registered descriptor for id.
func (r *Registry) Lookup(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e.desc, ok
}

// Descriptors returns all registered descriptors sorted by id.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.desc)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Open implements Loader.
func (r *Registry) Open(desc Descriptor) (Instance, error) {
	if desc.ABIVersion != 0 && desc.ABIVersion != HostABIVersion {
		return nil, &LoadError{ID: desc.ID, Path: desc.Path,
			Err: fmt.Errorf("%w: plugin %d, host %d", ErrABIMismatch, desc.ABIVersion, HostABIVersion)}
	}
	if desc.Path != "" {
		return r.openNative(desc)
	}
	r.mu.RLock()
	e, ok := r.entries[desc.ID]
	r.mu.RUnlock()
	if !ok {
		return nil, &LoadError{ID: desc.ID, Err: ErrUnknownPlugin}
	}
	if len(desc.Params) == 0 {
		desc.Params = e.desc.Params
	}
	inst, err := e.factory(mergeShape(e.desc, desc))
	if err != nil {
		return nil, &LoadError{ID: desc.ID, Err: err}
	}
	return inst, nil
}

// mergeShape fills zero port counts of want from the registered shape.
func mergeShape(have, want Descriptor) Descriptor {
	if want.Name == "" {
		want.Name = have.Name
	}
	if want.AudioIn == 0 {
		want.AudioIn = have.AudioIn
	}
	if want.AudioOut == 0 {
		want.AudioOut = have.AudioOut
	}
	if want.EventIn == 0 {
		want.EventIn = have.EventIn
	}
	if want.EventOut == 0 {
		want.EventOut = have.EventOut
	}
	if want.Kind == 0 {
		want.Kind = have.Kind
	}
	want.ABIVersion = HostABIVersion
	return want
}

func (r *Registry) openNative(desc Descriptor) (Instance, error) {
	fail := func(err error) (Instance, error) {
		return nil, &LoadError{ID: desc.ID, Path: desc.Path, Err: err}
	}
	if _, err := os.Stat(desc.Path); err != nil {
		return fail(fmt.Errorf("%w: %v", ErrMissingBinary, err))
	}
	lib, err := r.open(desc.Path)
	if err != nil {
		return fail(err)
	}
	sym, err := lib.Lookup(NativeSymbol)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrBadSymbol, err))
	}
	var inst Instance
	switch fn := sym.(type) {
	case func() Instance:
		inst = fn()
	case *func() Instance:
		inst = (*fn)()
	case func(Descriptor) (Instance, error):
		inst, err = fn(desc)
	case *func(Descriptor) (Instance, error):
		inst, err = (*fn)(desc)
	default:
		return fail(fmt.Errorf("%w: %T", ErrBadSymbol, sym))
	}
	if err != nil {
		return fail(err)
	}
	if inst == nil {
		return fail(ErrBadSymbol)
	}
	if v := inst.Descriptor().ABIVersion; v != 0 && v != HostABIVersion {
		inst.Release()
		return fail(fmt.Errorf("%w: plugin %d, host %d", ErrABIMismatch, v, HostABIVersion))
	}
	return inst, nil
}
