package engine

import (
	"sort"
)

// FixupTarget is the resolved (or not-yet-resolved) destination of a
// pointer site.
type FixupTarget struct {
	Kind FixupTargetKind
	// Valid when Kind == TargetData.
	TargetRange  RangeID
	TargetOffset int64
	// Valid when Kind == TargetFunction.
	FuncAddr SourceAddress
}

// FixupSite is a pointer location: the range containing it plus the
// offset within that range, together with its resolved target. The key
// used for ordering is SiteRange.Start + SiteOffset, the absolute source
// address of the pointer location itself.
type FixupSite struct {
	SiteAddr   SourceAddress
	SiteRange  RangeID
	SiteOffset int64
	Target     FixupTarget
}

// FixupMap is an ordered collection of FixupSites keyed by the absolute
// source address of the pointer location. At most one FixupSite exists
// per absolute address.
type FixupMap struct {
	sites []FixupSite // sorted by SiteAddr
}

// NewFixupMap creates an empty FixupMap.
func NewFixupMap() *FixupMap { return &FixupMap{} }

func (m *FixupMap) search(addr SourceAddress) int {
	return sort.Search(len(m.sites), func(i int) bool { return m.sites[i].SiteAddr >= addr })
}

// Lookup returns the FixupSite at addr, if any.
func (m *FixupMap) Lookup(addr SourceAddress) (FixupSite, bool) {
	i := m.search(addr)
	if i < len(m.sites) && m.sites[i].SiteAddr == addr {
		return m.sites[i], true
	}
	return FixupSite{}, false
}

func (m *FixupMap) insertAt(i int, s FixupSite) {
	m.sites = append(m.sites, FixupSite{})
	copy(m.sites[i+1:], m.sites[i:])
	m.sites[i] = s
}

func sameTarget(a, b FixupTarget) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case TargetData:
		return a.TargetRange == b.TargetRange && a.TargetOffset == b.TargetOffset
	case TargetFunction:
		return a.FuncAddr == b.FuncAddr
	default:
		return true
	}
}

// Reserve records a pointer site as known-but-unresolved. It fails with
// AlreadyExistsError if a site already exists at addr (resolved or not).
func (m *FixupMap) Reserve(siteRange RangeID, siteOffset int64, addr SourceAddress) error {
	i := m.search(addr)
	if i < len(m.sites) && m.sites[i].SiteAddr == addr {
		return &AlreadyExistsError{What: "fixup reservation at " + addr.String()}
	}
	m.insertAt(i, FixupSite{SiteAddr: addr, SiteRange: siteRange, SiteOffset: siteOffset,
		Target: FixupTarget{Kind: TargetUnresolved}})
	return nil
}

// Insert resolves addr to target. If addr was previously reserved
// (Unresolved), the reservation's site must match siteRange/siteOffset
// exactly or this fails with InvariantViolatedError (the reservation
// address must equal the pointer site's absolute address). If addr
// already holds a resolved target equal to target, this is a no-op
// AlreadyExistsError; if it holds a different target, this is a fatal
// FixupConflictError and the new target is dropped.
func (m *FixupMap) Insert(siteRange RangeID, siteOffset int64, addr SourceAddress, target FixupTarget) error {
	i := m.search(addr)
	if i < len(m.sites) && m.sites[i].SiteAddr == addr {
		existing := &m.sites[i]
		if existing.Target.Kind == TargetUnresolved {
			if existing.SiteRange != siteRange || existing.SiteOffset != siteOffset {
				return &InvariantViolatedError{Reason: "insert against reservation with mismatched site"}
			}
			existing.Target = target
			return nil
		}
		if sameTarget(existing.Target, target) {
			return &AlreadyExistsError{What: "fixup at " + addr.String()}
		}
		return &FixupConflictError{Addr: addr, Existing: existing.Target.Kind, New: target.Kind}
	}
	m.insertAt(i, FixupSite{SiteAddr: addr, SiteRange: siteRange, SiteOffset: siteOffset, Target: target})
	return nil
}

// InsertForce behaves like Insert, but on a conflicting existing target
// it overwrites and returns retried=true instead of failing. Whether
// repeated force-updates represent expected idempotent re-execution, or
// mask a bug, is left for the caller to judge (see DESIGN.md's Open
// Question resolution).
func (m *FixupMap) InsertForce(siteRange RangeID, siteOffset int64, addr SourceAddress, target FixupTarget) (retried bool, err error) {
	i := m.search(addr)
	if i < len(m.sites) && m.sites[i].SiteAddr == addr {
		existing := &m.sites[i]
		if existing.Target.Kind == TargetUnresolved {
			existing.SiteRange = siteRange
			existing.SiteOffset = siteOffset
			existing.Target = target
			return false, nil
		}
		if sameTarget(existing.Target, target) {
			return false, &AlreadyExistsError{What: "fixup at " + addr.String()}
		}
		existing.Target = target
		return true, nil
	}
	m.insertAt(i, FixupSite{SiteAddr: addr, SiteRange: siteRange, SiteOffset: siteOffset, Target: target})
	return false, nil
}

// InsertFuncPtr resolves addr to a tagged function-pointer target.
func (m *FixupMap) InsertFuncPtr(siteRange RangeID, siteOffset int64, addr, fn SourceAddress) error {
	return m.Insert(siteRange, siteOffset, addr, FixupTarget{Kind: TargetFunction, FuncAddr: fn})
}

// InsertFuncPtrForce is the force variant of InsertFuncPtr.
func (m *FixupMap) InsertFuncPtrForce(siteRange RangeID, siteOffset int64, addr, fn SourceAddress) (bool, error) {
	return m.InsertForce(siteRange, siteOffset, addr, FixupTarget{Kind: TargetFunction, FuncAddr: fn})
}

// All returns every FixupSite in address order (the FixupMap's native
// iteration order, independent of insertion order).
func (m *FixupMap) All() []FixupSite {
	out := make([]FixupSite, len(m.sites))
	copy(out, m.sites)
	return out
}

// DataSites returns every resolved data-pointer FixupSite in address
// order.
func (m *FixupMap) DataSites() []FixupSite {
	var out []FixupSite
	for _, s := range m.sites {
		if s.Target.Kind == TargetData {
			out = append(out, s)
		}
	}
	return out
}

// FuncSites returns every resolved function-pointer FixupSite in
// address order.
func (m *FixupMap) FuncSites() []FixupSite {
	var out []FixupSite
	for _, s := range m.sites {
		if s.Target.Kind == TargetFunction {
			out = append(out, s)
		}
	}
	return out
}
