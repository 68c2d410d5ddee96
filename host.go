package goflat

import "github.com/grailbio-labs/goflat/internal/engine"

// Host supplies everything the engine needs to know about the process
// being flattened, but never allows the engine to touch its memory
// directly. This mirrors the Samsung kflat oracle set (ADDR_VALID,
// ADDR_RANGE_VALID, TEXT_ADDR_VALID, STRING_VALID_LEN, get_object,
// func_to_name): memory-validity probing, heap-object boundary detection,
// and symbol resolution are all host concerns, injected rather than built
// into the core.
//
// Host is an alias for internal/engine's canonical interface definition,
// for the same reason SourceAddress is in address.go: internal/engine
// cannot import this package back.
type Host = engine.Host
