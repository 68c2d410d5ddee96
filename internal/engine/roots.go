package engine

// Root is an externally named entry point into the flattened graph.
type Root struct {
	Addr         SourceAddress
	Name         string // "" for anonymous roots
	Named        bool
	DeclaredSize int64
	SeqIndex     int

	// Captured is false when the host rejected Addr at flatten time;
	// the root is still registered (per spec), but the image encodes it
	// with the sentinel offset.
	Captured bool
	RangeID  RangeID
	RangeOff int64
}

// Roots is an insertion-ordered registry of Root entries plus a
// name->index secondary index for uniqueness checking and lookup.
type Roots struct {
	entries []Root
	byName  map[string]int
}

// NewRoots creates an empty registry.
func NewRoots() *Roots {
	return &Roots{byName: make(map[string]int)}
}

// Add appends a new root. If named, a duplicate name fails with
// AlreadyExistsError; anonymous roots are always appended.
func (r *Roots) Add(addr SourceAddress, name string, declaredSize int64) (*Root, error) {
	named := name != ""
	if named {
		if _, exists := r.byName[name]; exists {
			return nil, &AlreadyExistsError{What: "root name " + name}
		}
	}
	root := Root{
		Addr:         addr,
		Name:         name,
		Named:        named,
		DeclaredSize: declaredSize,
		SeqIndex:     len(r.entries),
	}
	r.entries = append(r.entries, root)
	if named {
		r.byName[name] = root.SeqIndex
	}
	return &r.entries[len(r.entries)-1], nil
}

// All returns every root in insertion order.
func (r *Roots) All() []Root { return r.entries }

// ByName returns the root registered under name.
func (r *Roots) ByName(name string) (*Root, bool) {
	i, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return &r.entries[i], true
}

// Len returns the number of registered roots (named and anonymous).
func (r *Roots) Len() int { return len(r.entries) }

// NamedCount returns the number of named roots.
func (r *Roots) NamedCount() int { return len(r.byName) }
