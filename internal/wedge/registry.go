package wedge

import "slices"

// Registry manages named wedges for lookup by a worker's run queue.
type Registry struct {
	wedges map[string]Wedge
}

// NewRegistry returns an empty Registry. Unlike the teacher's registry,
// nothing is pre-populated here: a binary wires in the wedges its role needs
// (see cmd/worker).
func NewRegistry() *Registry {
	return &Registry{wedges: make(map[string]Wedge)}
}

// Register adds w, keyed by its own Name().
func (r *Registry) Register(w Wedge) {
	r.wedges[w.Name()] = w
}

// ByName returns the wedge of the given name if registered, else nil.
func (r *Registry) ByName(name string) Wedge {
	if w, ok := r.wedges[name]; ok {
		return w
	}
	return nil
}

// Names returns every registered wedge name, ordered ascendingly.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.wedges))
	for k := range r.wedges {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

// All returns every registered wedge, used at shutdown to drive CleanUp
// across the full set regardless of which commands ran.
func (r *Registry) All() []Wedge {
	out := make([]Wedge, 0, len(r.wedges))
	for _, w := range r.wedges {
		out = append(out, w)
	}
	return out
}
