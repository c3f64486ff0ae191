package command

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// DuplicateError is returned by Register when a canonical name or alias
// collides with an already-registered command. Neither entry is overwritten.
type DuplicateError struct {
	Name string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate command name or alias: %q", e.Name)
}

// Registry maps command names and aliases to descriptors. Registration
// happens once at startup; lookups are concurrent afterwards.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]*Descriptor
	ordered []*Descriptor
}

func NewRegistry() *Registry {
	return &Registry{
		byName: map[string]*Descriptor{},
	}
}

// Register adds a descriptor under its canonical name and every alias.
// Matching is case-sensitive and exact.
func (r *Registry) Register(d *Descriptor) error {
	if d.Name == "" {
		return errors.New("descriptor has no name")
	}
	if d.Run == nil {
		return errors.Errorf("command %q has no handler", d.Name)
	}

	names := append([]string{d.Name}, d.Aliases...)

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range names {
		if _, ok := r.byName[name]; ok {
			return &DuplicateError{Name: name}
		}
	}

	for _, name := range names {
		r.byName[name] = d
	}
	r.ordered = append(r.ordered, d)

	return nil
}

// Unregister removes a descriptor's canonical name and every alias. Names
// that resolve to a different descriptor are left alone.
func (r *Registry) Unregister(d *Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range append([]string{d.Name}, d.Aliases...) {
		if r.byName[name] == d {
			delete(r.byName, name)
		}
	}

	for i, reg := range r.ordered {
		if reg == d {
			r.ordered = append(r.ordered[:i], r.ordered[i+1:]...)
			break
		}
	}
}

// Lookup resolves a name or alias. A miss returns nil; it is not an error.
func (r *Registry) Lookup(token string) *Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.byName[token]
}

// All returns the registered descriptors sorted by canonical name.
func (r *Registry) All() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := append([]*Descriptor(nil), r.ordered...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Module is one independently-packaged set of commands.
type Module struct {
	Name string
	// Build constructs the module's descriptors. A Build error or panic
	// skips the module without affecting the others.
	Build func(Env) ([]*Descriptor, error)
}

// LoadResult is the outcome of loading one module.
type LoadResult struct {
	Module   string
	Commands int
	Err      error
}

// LoadModules builds and registers every module, isolating failures: one
// failing module never aborts the others.
func LoadModules(r *Registry, env Env, modules []Module) []LoadResult {
	results := make([]LoadResult, 0, len(modules))

	for _, mod := range modules {
		results = append(results, loadModule(r, env, mod))
	}

	return results
}

func loadModule(r *Registry, env Env, mod Module) (res LoadResult) {
	res.Module = mod.Name

	defer func() {
		if rec := recover(); rec != nil {
			res.Err = errors.Errorf("module %s panicked: %v", mod.Name, rec)
		}
	}()

	descs, err := mod.Build(env)
	if err != nil {
		res.Err = errors.Wrapf(err, "failed to build module %s", mod.Name)
		return
	}

	var registered []*Descriptor

	for _, d := range descs {
		if err := r.Register(d); err != nil {
			// A skipped module leaves nothing behind.
			for _, reg := range registered {
				r.Unregister(reg)
			}

			res.Commands = 0
			res.Err = errors.Wrapf(err, "failed to register module %s", mod.Name)
			return
		}

		registered = append(registered, d)
		res.Commands++
	}

	return
}

// LogResults writes one line per module load outcome, the way startup logs
// read best.
func LogResults(results []LoadResult, logf func(format string, v ...interface{})) {
	if logf == nil {
		logf = log.Printf
	}

	for _, res := range results {
		if res.Err != nil {
			logf("failed to load %s: %v", res.Module, res.Err)
			continue
		}
		logf("loaded %s (%d commands)", res.Module, res.Commands)
	}
}
