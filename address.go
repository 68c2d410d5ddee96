// Package goflat flattens arbitrary in-memory object graphs into a
// position-independent binary image, and loads such images back into a
// process with all internal pointers rewritten for the new base address.
package goflat

import "github.com/grailbio-labs/goflat/internal/engine"

// SourceAddress identifies a location in the process being flattened.
// The engine never dereferences one without first consulting a Host.
//
// This is an alias for internal/engine's canonical definition:
// internal/engine cannot import this package back (this package already
// imports internal/engine for the Engine implementation, so the reverse
// import would be a cycle), so internal/engine owns the primitive type
// definitions and this package just re-exports them under their public
// names.
type SourceAddress = engine.SourceAddress

// PayloadOffset is a byte offset into an assembled image's payload
// section. It is position-independent: adding a load base address to a
// PayloadOffset yields a live pointer.
type PayloadOffset = engine.PayloadOffset

// NoOffset is the sentinel written for roots that were not captured
// (the oracle rejected their address at flatten time).
const NoOffset = engine.NoOffset
