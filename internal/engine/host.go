package engine

// Host supplies everything the engine needs to know about the process
// being flattened, but never allows the engine to touch its memory
// directly. This mirrors the Samsung kflat oracle set (ADDR_VALID,
// ADDR_RANGE_VALID, TEXT_ADDR_VALID, STRING_VALID_LEN, get_object,
// func_to_name): memory-validity probing, heap-object boundary detection,
// and symbol resolution are all host concerns, injected rather than built
// into the core.
//
// Canonical definition; the root goflat package re-exports this as
// goflat.Host (a type alias) so callers never see the internal/engine
// import path.
type Host interface {
	// AddrValid reports whether addr is safely readable.
	AddrValid(addr SourceAddress) bool

	// AddrRangeValid reports whether [addr, addr+n) is safely readable.
	AddrRangeValid(addr SourceAddress, n int64) bool

	// TextAddrValid reports whether addr is executable code.
	TextAddrValid(addr SourceAddress) bool

	// StringValidLen returns the length of the NUL-terminated string at
	// addr, including the terminator, bounded by what is actually
	// readable. It returns 0 if addr is not readable at all.
	StringValidLen(addr SourceAddress) int64

	// ReadAt copies len(buf) bytes starting at addr into buf. The
	// caller (the engine) has already established via AddrRangeValid
	// that the read is safe; ReadAt returning an error latches the
	// engine's sticky error state.
	ReadAt(addr SourceAddress, buf []byte) error

	// GetObject returns the bounds of the heap object containing p, if
	// the host can determine them (used by flexible trailing-array
	// recipes). ok is false if the host has no notion of object
	// boundaries at p.
	GetObject(p SourceAddress) (start, end SourceAddress, ok bool)

	// FuncToName symbolizes a code address. Required only if a recipe
	// uses AggregateFunctionPointer; unresolved names load as null
	// function pointers.
	FuncToName(addr SourceAddress) (name string, ok bool)
}
