package engine

import "fmt"

// SourceAddress identifies a location in the process being flattened.
// The engine never dereferences one without first consulting a Host.
//
// This is the canonical definition; the root goflat package re-exports
// it as a type alias so internal/engine (which every other engine file
// depends on) never has to import back up to the package that in turn
// imports internal/engine.
type SourceAddress uint64

// Add returns a+b.
func (a SourceAddress) Add(b int64) SourceAddress {
	return SourceAddress(int64(a) + b)
}

// Sub returns a-b.
func (a SourceAddress) Sub(b SourceAddress) int64 {
	return int64(a) - int64(b)
}

func (a SourceAddress) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// PayloadOffset is a byte offset into an assembled image's payload
// section. It is position-independent: adding a load base address to a
// PayloadOffset yields a live pointer.
type PayloadOffset int64

// NoOffset is the sentinel written for roots that were not captured
// (the oracle rejected their address at flatten time).
const NoOffset PayloadOffset = -1

func (o PayloadOffset) String() string {
	if o == NoOffset {
		return "<uncaptured>"
	}
	return fmt.Sprintf("+0x%x", int64(o))
}
