package engine

import (
	"encoding/binary"
)

// Body is the shape every recipe takes: given the Cursor for the record
// currently being flattened, issue whatever Aggregate*/Struct*/String
// calls describe that record's pointer-bearing fields. Any byte not
// touched by a Body is still captured (it's part of the enclosing
// Range's byte-for-byte snapshot), but raw pointer bytes inside
// untouched fields are never fixed up — the DSL is total but not
// automatically safe, matching spec.md §4.J.
type Body func(Cursor) error

// Plain ensures [addr, addr+size) is captured as a snapshot with no
// further structure — the untyped-bytes case. It returns a Cursor over
// the captured region so callers may still issue field-level Aggregate*
// calls against specific offsets within it if they know the layout.
func (e *Engine) Plain(addr SourceAddress, size int64) (Cursor, error) {
	if e.err != nil {
		return Cursor{}, e.err
	}
	t, err := e.traverseOnce(addr, size, nil)
	if err != nil {
		return Cursor{}, err
	}
	rng, _ := e.Ranges.Get(t.TargetRange)
	return Cursor{E: e, Range: t.TargetRange, Base: t.TargetOffset, Addr: rng.Start.Add(t.TargetOffset)}, nil
}

// Struct ensures addr..addr+n*elemSize is captured, then — for each of
// the n elements the Host reports as accessible — runs body against a
// Cursor at that element's address. This is the top-level entry for a
// caller whose root (or field) is itself an inline array of records
// rather than a pointer to one.
func (e *Engine) Struct(addr SourceAddress, elemSize, n int64, body Body) error {
	if e.err != nil {
		return e.err
	}
	total := elemSize * n
	if n != 0 && total/n != elemSize {
		return e.fail(&OverflowError{Op: "Struct: elemSize*n"})
	}
	_, err := e.traverseOnce(addr, total, func(base Cursor) error {
		for i := int64(0); i < n; i++ {
			elemAddr := addr.Add(i * elemSize)
			if !e.host.AddrRangeValid(elemAddr, elemSize) {
				continue
			}
			if body == nil {
				continue
			}
			if err := body(Cursor{E: e, Range: base.Range, Base: base.Base + i*elemSize, Addr: elemAddr}); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

func (e *Engine) readPointer(addr SourceAddress) (SourceAddress, error) {
	buf := make([]byte, e.cfg.PtrSize)
	if err := e.host.ReadAt(addr, buf); err != nil {
		return 0, err
	}
	var v uint64
	if e.cfg.PtrSize == 4 {
		v = uint64(binary.LittleEndian.Uint32(buf))
	} else {
		v = binary.LittleEndian.Uint64(buf)
	}
	return SourceAddress(v), nil
}

// enqueueDataPointer is the shared implementation behind AggregateStruct
// and StructArray/TypeArray field variants: read the pointer at
// siteAddr, and if non-nil, defer a Job that will traverse the pointee
// (elemSize*count bytes) exactly once and resolve this site to it.
func (c Cursor) enqueueDataPointer(fieldOffset, elemSize, count int64, body Body) error {
	e := c.E
	if e.err != nil {
		return e.err
	}
	siteAddr := c.Addr.Add(fieldOffset)
	if !e.host.AddrRangeValid(siteAddr, e.cfg.PtrSize) {
		return nil
	}
	targetAddr, err := e.readPointer(siteAddr)
	if err != nil {
		return e.fail(err)
	}
	if targetAddr == 0 {
		return nil
	}
	return c.enqueueTarget(siteAddr, c.Base+fieldOffset, targetAddr, elemSize*count, body)
}

func (c Cursor) enqueueTarget(siteAddr SourceAddress, siteOffset int64, targetAddr SourceAddress, size int64, body Body) error {
	e := c.E
	e.Queue.Push(Job{
		SiteRange:  c.Range,
		SiteOffset: siteOffset,
		HasSite:    true,
		SiteAddr:   siteAddr,
		TargetAddr: targetAddr,
		ElemSize:   size,
		Recipe: func(h Host, addr SourceAddress) (*FixupTarget, error) {
			t, err := e.traverseOnce(addr, size, body)
			if err != nil {
				return nil, err
			}
			return &t, nil
		},
	})
	return nil
}

// AggregateStruct treats the field at fieldOffset (relative to the
// cursor's record) as a pointer to a single record of elemSize bytes,
// described by body.
func (c Cursor) AggregateStruct(fieldOffset, elemSize int64, body Body) error {
	return c.enqueueDataPointer(fieldOffset, elemSize, 1, body)
}

// StructArray treats the field at fieldOffset as a pointer to n
// contiguous records of elemSize bytes each (spec's
// struct_array(T,field,n)). The elements' bytes are captured, but no
// per-element body runs, so pointers inside them are not followed.
func (c Cursor) StructArray(fieldOffset, elemSize, n int64) error {
	return c.enqueueDataPointer(fieldOffset, elemSize, n, func(base Cursor) error {
		return nil
	})
}

// TypeArray is StructArray with a per-element body, for arrays of a
// compound type whose elements themselves contain pointers (spec's
// type_array(T,field,n)).
func (c Cursor) TypeArray(fieldOffset, elemSize, n int64, body Body) error {
	return c.enqueueDataPointer(fieldOffset, elemSize, n, func(base Cursor) error {
		for i := int64(0); i < n; i++ {
			elemAddr := base.Addr.Add(i * elemSize)
			if body == nil {
				continue
			}
			if err := body(Cursor{E: base.E, Range: base.Range, Base: base.Base + i*elemSize, Addr: elemAddr}); err != nil {
				return err
			}
		}
		return nil
	})
}

// StructShifted treats the field at fieldOffset as a pointer to the
// interior of a larger enclosing record: the effective target is
// shifted back by shift bytes so the flattened pointee is the enclosing
// struct, not the embedded sub-object the source pointer actually names
// (e.g. a list-node embedded inside a bigger record).
func (c Cursor) StructShifted(fieldOffset, elemSize, shift int64, body Body) error {
	e := c.E
	if e.err != nil {
		return e.err
	}
	siteAddr := c.Addr.Add(fieldOffset)
	if !e.host.AddrRangeValid(siteAddr, e.cfg.PtrSize) {
		return nil
	}
	targetAddr, err := e.readPointer(siteAddr)
	if err != nil {
		return e.fail(err)
	}
	if targetAddr == 0 {
		return nil
	}
	shifted := targetAddr.Add(-shift)
	return c.enqueueTarget(siteAddr, c.Base+fieldOffset, shifted, elemSize, body)
}

// StructFlexible treats the field at fieldOffset as a pointer to a
// record whose trailing array's length isn't known statically; it asks
// the Host for the heap object's bounds (GetObject) and uses that to
// size the capture instead of a caller-supplied count.
func (c Cursor) StructFlexible(fieldOffset int64, body Body) error {
	e := c.E
	if e.err != nil {
		return e.err
	}
	siteAddr := c.Addr.Add(fieldOffset)
	if !e.host.AddrRangeValid(siteAddr, e.cfg.PtrSize) {
		return nil
	}
	targetAddr, err := e.readPointer(siteAddr)
	if err != nil {
		return e.fail(err)
	}
	if targetAddr == 0 {
		return nil
	}
	start, end, ok := e.host.GetObject(targetAddr)
	if !ok {
		return e.fail(&InvariantViolatedError{Reason: "StructFlexible: host could not bound object at " + targetAddr.String()})
	}
	size := end.Sub(start)
	return c.enqueueTarget(siteAddr, c.Base+fieldOffset, start, size, body)
}

// Storage captures the field at fieldOffset inline, as part of the
// current record's own byte snapshot, with no separate Range or fixup
// site — for embedded (non-pointer) containers.
func (c Cursor) Storage(fieldOffset, size int64) error {
	// No-op beyond validation: the bytes are already part of the
	// current Range's snapshot, exactly as spec.md's "total" DSL
	// contract describes for any field a recipe doesn't otherwise
	// mention.
	if c.E.err != nil {
		return c.E.err
	}
	if !c.E.host.AddrRangeValid(c.Addr.Add(fieldOffset), size) {
		return &AddressUnreadableError{Addr: c.Addr.Add(fieldOffset), Size: size}
	}
	return nil
}

// AggregateString treats the field at fieldOffset as a char* and
// captures up to the Host-reported valid length (including the NUL
// terminator when the string is fully readable; truncated with no NUL
// when the accessibility boundary is hit first).
func (c Cursor) AggregateString(fieldOffset int64) error {
	e := c.E
	if e.err != nil {
		return e.err
	}
	siteAddr := c.Addr.Add(fieldOffset)
	if !e.host.AddrRangeValid(siteAddr, e.cfg.PtrSize) {
		return nil
	}
	targetAddr, err := e.readPointer(siteAddr)
	if err != nil {
		return e.fail(err)
	}
	if targetAddr == 0 {
		return nil
	}
	n := e.host.StringValidLen(targetAddr)
	if n <= 0 {
		// StringValidLen counts the NUL, so a readable empty string
		// already has length 1; n <= 0 means the first byte is
		// unreadable. A one-byte capture is still requested, and its
		// traversal then fails with AddressUnreadableError.
		n = 1
	}
	return c.enqueueTarget(siteAddr, c.Base+fieldOffset, targetAddr, n, nil)
}

// AggregateFunctionPointer treats the field at fieldOffset as a code
// pointer: if the Host accepts the address as executable, a
// function-pointer fixup is installed (resolved by symbol name at load
// time, not by a data-pointer rewrite).
func (c Cursor) AggregateFunctionPointer(fieldOffset int64) error {
	e := c.E
	if e.err != nil {
		return e.err
	}
	siteAddr := c.Addr.Add(fieldOffset)
	if !e.host.AddrRangeValid(siteAddr, e.cfg.PtrSize) {
		return nil
	}
	fnAddr, err := e.readPointer(siteAddr)
	if err != nil {
		return e.fail(err)
	}
	if fnAddr == 0 || !e.host.TextAddrValid(fnAddr) {
		return nil
	}
	if err := e.Fixups.InsertFuncPtr(c.Range, c.Base+fieldOffset, siteAddr, fnAddr); err != nil {
		return e.fail(err)
	}
	return nil
}

// PreExtract masks/transforms a raw field value into the real pointer
// target (e.g. stripping color bits from an intrusive-tree pointer).
type PreExtract func(raw SourceAddress) SourceAddress

// PostConvert re-applies any bits that should survive into the image
// once the pointee's image offset is known (e.g. re-stamping the color
// bits onto the rewritten offset). It receives the resolved image offset
// and returns the value that should actually be written at the site;
// the assembler calls it in place of its usual "just write the offset"
// rewrite.
type PostConvert func(offset PayloadOffset) PayloadOffset

// EmbeddedPointer handles a colored/tagged pointer field: pre extracts
// the real target from the raw field value, the pointee is traversed
// normally, and post (if non-nil) is recorded alongside the fixup so the
// assembler can re-stamp bits onto the final offset instead of writing
// it verbatim. The tagging convention itself is never known to the
// engine — callers supply pre/post.
func (c Cursor) EmbeddedPointer(fieldOffset, elemSize int64, pre PreExtract, post PostConvert, body Body) error {
	e := c.E
	if e.err != nil {
		return e.err
	}
	siteAddr := c.Addr.Add(fieldOffset)
	if !e.host.AddrRangeValid(siteAddr, e.cfg.PtrSize) {
		return nil
	}
	raw, err := e.readPointer(siteAddr)
	if err != nil {
		return e.fail(err)
	}
	target := raw
	if pre != nil {
		target = pre(raw)
	}
	if target == 0 {
		return nil
	}
	if post != nil {
		e.registerPostConvert(siteAddr, post)
	}
	return c.enqueueTarget(siteAddr, c.Base+fieldOffset, target, elemSize, body)
}

// ForeachPointer iterates a plain array of n pointers starting at
// fieldOffset, each pointing to a record of elemSize bytes described by
// body. Each iteration creates its own virtual fixup site so nested
// aggregates resolve against the correct array slot.
func (c Cursor) ForeachPointer(fieldOffset, n, elemSize int64, body Body) error {
	e := c.E
	for i := int64(0); i < n; i++ {
		slot := fieldOffset + i*e.cfg.PtrSize
		if err := c.AggregateStruct(slot, elemSize, body); err != nil {
			return err
		}
	}
	return nil
}

// Specialize is a naming helper: it just invokes body, existing purely
// so call sites can document which named recipe (by tag) a type is
// being flattened under when the same record type has multiple
// recipes selected at the call site (spec.md §4.J "Specialization").
func (c Cursor) Specialize(tag string, body Body) error {
	if body == nil {
		return nil
	}
	return body(c)
}
