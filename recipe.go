package goflat

import "github.com/grailbio-labs/goflat/internal/engine"

// Cursor identifies the record currently being flattened. Every recipe
// verb is a method on Cursor; the underlying traversal state lives in
// the engine package, Cursor here is just the public face of it.
type Cursor struct {
	c engine.Cursor
}

// Addr returns the cursor's absolute source address.
func (c Cursor) Addr() SourceAddress { return c.c.Addr }

// Body is the shape every recipe takes: given the Cursor for the record
// currently being flattened, issue whatever verb calls describe that
// record's pointer-bearing fields.
type Body func(Cursor) error

func wrapBody(body Body) engine.Body {
	if body == nil {
		return nil
	}
	return func(ec engine.Cursor) error { return body(Cursor{c: ec}) }
}

// PreExtract masks/transforms a raw field value into the real pointer
// target (e.g. stripping color bits from an intrusive-tree pointer).
type PreExtract func(raw SourceAddress) SourceAddress

// PostConvert re-applies any bits that should survive into the image
// once the pointee's image offset is known.
type PostConvert func(offset PayloadOffset) PayloadOffset

// Plain ensures [addr, addr+size) is captured as a snapshot with no
// further structure.
func (c Cursor) Plain(addr SourceAddress, size int64) (Cursor, error) {
	ec, err := c.c.E.Plain(addr, size)
	if err != nil {
		return Cursor{}, err
	}
	return Cursor{c: ec}, nil
}

// Struct treats addr as an inline array of n elements of elemSize bytes,
// running body against each element the Host reports as accessible.
func (c Cursor) Struct(addr SourceAddress, elemSize, n int64, body Body) error {
	return c.c.E.Struct(addr, elemSize, n, wrapBody(body))
}

// AggregateStruct treats the field at fieldOffset as a pointer to a
// single record of elemSize bytes, described by body.
func (c Cursor) AggregateStruct(fieldOffset, elemSize int64, body Body) error {
	return c.c.AggregateStruct(fieldOffset, elemSize, wrapBody(body))
}

// StructArray treats the field at fieldOffset as a pointer to n
// contiguous records of elemSize bytes each, captured but not recursed
// into.
func (c Cursor) StructArray(fieldOffset, elemSize, n int64) error {
	return c.c.StructArray(fieldOffset, elemSize, n)
}

// TypeArray is StructArray with a per-element body.
func (c Cursor) TypeArray(fieldOffset, elemSize, n int64, body Body) error {
	return c.c.TypeArray(fieldOffset, elemSize, n, wrapBody(body))
}

// StructShifted treats the field at fieldOffset as a pointer to the
// interior of a larger enclosing record, shifted back by shift bytes.
func (c Cursor) StructShifted(fieldOffset, elemSize, shift int64, body Body) error {
	return c.c.StructShifted(fieldOffset, elemSize, shift, wrapBody(body))
}

// StructFlexible treats the field at fieldOffset as a pointer to a
// record whose trailing array's length the Host determines at capture
// time via its heap-object bounds.
func (c Cursor) StructFlexible(fieldOffset int64, body Body) error {
	return c.c.StructFlexible(fieldOffset, wrapBody(body))
}

// Storage captures the field at fieldOffset inline, with no separate
// Range or fixup site.
func (c Cursor) Storage(fieldOffset, size int64) error {
	return c.c.Storage(fieldOffset, size)
}

// AggregateString treats the field at fieldOffset as a char* and
// captures up to the Host-reported valid length.
func (c Cursor) AggregateString(fieldOffset int64) error {
	return c.c.AggregateString(fieldOffset)
}

// AggregateFunctionPointer treats the field at fieldOffset as a code
// pointer resolved by symbol name at load time.
func (c Cursor) AggregateFunctionPointer(fieldOffset int64) error {
	return c.c.AggregateFunctionPointer(fieldOffset)
}

// EmbeddedPointer handles a colored/tagged pointer field: pre extracts
// the real target from the raw field value, and post (if non-nil) is
// recorded so the assembler can re-stamp bits onto the final offset.
func (c Cursor) EmbeddedPointer(fieldOffset, elemSize int64, pre PreExtract, post PostConvert, body Body) error {
	var epre engine.PreExtract
	if pre != nil {
		epre = func(raw SourceAddress) SourceAddress { return pre(raw) }
	}
	var epost engine.PostConvert
	if post != nil {
		epost = func(off PayloadOffset) PayloadOffset { return post(off) }
	}
	return c.c.EmbeddedPointer(fieldOffset, elemSize, epre, epost, wrapBody(body))
}

// ForeachPointer iterates a plain array of n pointers starting at
// fieldOffset, each pointing to a record of elemSize bytes described by
// body.
func (c Cursor) ForeachPointer(fieldOffset, n, elemSize int64, body Body) error {
	return c.c.ForeachPointer(fieldOffset, n, elemSize, wrapBody(body))
}

// Specialize names which recipe a type is being flattened under when
// more than one recipe applies to the same record type at different
// call sites; it otherwise just invokes body.
func (c Cursor) Specialize(tag string, body Body) error {
	return c.c.Specialize(tag, wrapBody(body))
}
